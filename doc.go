// Package tetra is an embedded multi-model database engine: documents
// with a dynamic value model, secondary indexes, graph edges and live
// queries, executed transactionally over interchangeable key-value
// backends.
//
// The layering is strict. Package val defines the value model and its
// two serializations (order-preserving key bytes, msgpack storage
// payloads); package keys maps logical entities onto the flat
// keyspace; package kv defines the transactional store contract with
// three backends (memkv, boltkv, levelkv); and this package turns
// statements into reads and writes:
//
//	store, _ := boltkv.Open("data.db", boltkv.Options{})
//	ds := tetra.Open(store, tetra.Options{})
//	defer ds.Close()
//
//	sess := tetra.Session{NS: "app", DB: "main"}
//	res := ds.Execute(ctx, sess, tetra.Create{
//		Table: "person",
//		ID:    val.String("jaime"),
//		Data:  val.Object{"name": val.String("Jaime")},
//	})
//
// Statements are plain structs, the shape a SQL front-end would
// produce; there is no parser here. Every statement runs in its own
// snapshot-isolated transaction and is retried on optimistic
// conflicts.
package tetra
