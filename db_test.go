package tetra

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetradb/tetra/kv"
	"github.com/tetradb/tetra/kv/boltkv"
	"github.com/tetradb/tetra/kv/levelkv"
	"github.com/tetradb/tetra/kv/memkv"
	"github.com/tetradb/tetra/val"
)

func backends(t *testing.T) map[string]kv.Store {
	t.Helper()
	bolt, err := boltkv.Open(filepath.Join(t.TempDir(), "bolt.db"), boltkv.Options{IsTesting: true})
	require.NoError(t, err)
	level, err := levelkv.Open(filepath.Join(t.TempDir(), "leveldb"), levelkv.Options{IsTesting: true})
	require.NoError(t, err)
	return map[string]kv.Store{
		"memkv":   memkv.Open(),
		"boltkv":  bolt,
		"levelkv": level,
	}
}

// The engine must behave identically on every backend.
func TestEngineAcrossBackends(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ds := Open(store, Options{})
			t.Cleanup(func() { ds.Close() })

			require.NoError(t, ds.DefineIndex(ctx, testSession, "person", IndexDefinition{
				Name: "by_name", Fields: []string{"name"}, Unique: true,
			}))

			mustExec(t, ds,
				person("jaime", "Jaime", 35),
				person("tobie", "Tobie", 40),
				Create{Table: "tag", ID: val.String("js"), Data: val.Object{"label": val.String("JavaScript")}},
			)

			// Unique index enforced.
			dup := ds.Execute(ctx, testSession, Create{
				Table: "person", ID: val.String("copy"),
				Data: val.Object{"name": val.String("Jaime")},
			})
			var cerr *ConstraintError
			require.ErrorAs(t, dup[0].Err, &cerr)

			// Index scan agrees with the data.
			res := mustExec(t, ds, Select{Target: TableTarget("person"), Where: Eq("name", val.String("Tobie"))})
			require.Len(t, res[0].Values, 1)

			// Graph round trip with fetch.
			mustExec(t, ds, Relate{From: thing("person", "jaime"), Edge: "knows", To: thing("person", "tobie")})
			out := mustExec(t, ds, Select{
				Target: ThingTarget(thing("person", "jaime")),
				Fields: []Field{{Name: "knows", Expr: Traverse{Dir: DirOut, Edge: "knows", Table: "person"}}},
				Fetch:  []string{"knows"},
			})
			known := out[0].Values[0].(val.Object)["knows"].(val.Array)
			require.Len(t, known, 1)
			require.Equal(t, val.String("Tobie"), known[0].(val.Object)["name"])

			// Ordered pagination.
			page := mustExec(t, ds, Select{
				Target: TableTarget("person"),
				Order:  []OrderBy{{Path: "name", Desc: true}},
				Limit:  1,
			})
			require.Equal(t, val.String("Tobie"), page[0].Values[0].(val.Object)["name"])

			// Cascade and feed.
			mustExec(t, ds, Delete{Target: ThingTarget(thing("person", "tobie"))})
			require.Empty(t, mustExec(t, ds, Select{Target: TableTarget("knows")})[0].Values)

			entries, err := ds.ChangesSince(ctx, testSession, 0)
			require.NoError(t, err)
			require.NotEmpty(t, entries)
			for i := 1; i < len(entries); i++ {
				require.GreaterOrEqual(t, entries[i].Versionstamp, entries[i-1].Versionstamp)
			}
		})
	}
}

func TestExecuteBatchContinuesAfterError(t *testing.T) {
	ds := openTestDS(t)
	results := ds.Execute(context.Background(), testSession,
		person("a", "Ann", 30),
		person("a", "Dup", 1), // fails
		person("b", "Bob", 50),
	)
	require.NoError(t, results[0].Err)
	require.Error(t, results[1].Err)
	require.NoError(t, results[2].Err)

	res := mustExec(t, ds, Select{Target: TableTarget("person")})
	require.Len(t, res[0].Values, 2)
}

func TestVerboseLogf(t *testing.T) {
	var lines []string
	ds := Open(memkv.Open(), Options{
		Verbose: true,
		Logf: func(format string, args ...any) {
			lines = append(lines, format)
		},
	})
	t.Cleanup(func() { ds.Close() })
	mustExec(t, ds, person("a", "Ann", 30))
	require.NotEmpty(t, lines)
}

func TestBoltDatastorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bolt.db")

	store, err := boltkv.Open(path, boltkv.Options{IsTesting: true})
	require.NoError(t, err)
	ds := Open(store, Options{})
	mustExec(t, ds, person("a", "Ann", 30))
	require.NoError(t, ds.Close())

	store, err = boltkv.Open(path, boltkv.Options{IsTesting: true})
	require.NoError(t, err)
	ds = Open(store, Options{})
	t.Cleanup(func() { ds.Close() })
	res := mustExec(t, ds, Select{Target: ThingTarget(thing("person", "a"))})
	require.Len(t, res[0].Values, 1)
	require.Equal(t, val.String("Ann"), res[0].Values[0].(val.Object)["name"])
}
