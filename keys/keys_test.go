package keys

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetradb/tetra/val"
)

func testTable(tb string) Table {
	return Table{Database{"test", "test"}, tb}
}

func TestRecordKeyRoundTrip(t *testing.T) {
	ids := []val.Value{
		val.String("jaime"),
		val.Int(-5),
		val.Array{val.String("uk"), val.Int(7)},
		val.String("with\x00zero"),
	}
	for _, id := range ids {
		k := Record{testTable("person"), id}
		got, err := DecodeRecord(k.Encode())
		require.NoError(t, err, "id %s", id)
		require.Equal(t, "test", got.NS)
		require.Equal(t, "person", got.TB)
		require.Zero(t, val.Compare(id, got.ID))
	}
}

func TestRecordKeysSortByID(t *testing.T) {
	a := Record{testTable("person"), val.Int(1)}.Encode()
	b := Record{testTable("person"), val.Int(2)}.Encode()
	c := Record{testTable("person"), val.String("x")}.Encode()
	require.Negative(t, bytes.Compare(a, b))
	require.Negative(t, bytes.Compare(b, c)) // numbers before strings
}

func TestTablePrefixIsolation(t *testing.T) {
	// A scan over table1's prefix must not see table10's records.
	p1 := testTable("table1").Prefix()
	r10 := Record{testTable("table10"), val.Int(1)}.Encode()
	require.False(t, bytes.HasPrefix(r10, p1))

	r1 := Record{testTable("table1"), val.Int(1)}.Encode()
	require.True(t, bytes.HasPrefix(r1, p1))

	// Definitions, index entries and graph keys of the same table do
	// not collide with its record range.
	def := IndexDef{testTable("table1"), "byname"}.Encode()
	require.False(t, bytes.HasPrefix(def, p1))
	ix := Index{Table: testTable("table1"), IX: "byname", Fields: val.Array{val.Int(1)}}.Encode()
	require.False(t, bytes.HasPrefix(ix, p1))
	g := GraphPrefix(testTable("table1"), val.Int(1))
	require.False(t, bytes.HasPrefix(g, p1))
}

func TestDatabaseIsolation(t *testing.T) {
	a := Database{"ns1", "db"}.Prefix()
	b := Record{Table{Database{"ns10", "db"}, "t"}, val.Int(1)}.Encode()
	require.False(t, bytes.HasPrefix(b, a))
	c := Record{Table{Database{"ns1", "db"}, "t"}, val.Int(1)}.Encode()
	require.True(t, bytes.HasPrefix(c, a))
}

func TestIndexKeyRoundTrip(t *testing.T) {
	uniq := Index{Table: testTable("user"), IX: "email", Fields: val.Array{val.String("a@b.c")}}
	got, err := DecodeIndex(uniq.Encode())
	require.NoError(t, err)
	require.Equal(t, "email", got.IX)
	require.Zero(t, val.Compare(uniq.Fields, got.Fields))
	require.Nil(t, got.ID)

	nonUniq := Index{Table: testTable("user"), IX: "age", Fields: val.Array{val.Int(30)}, ID: val.String("bob")}
	got, err = DecodeIndex(nonUniq.Encode())
	require.NoError(t, err)
	require.Zero(t, val.Compare(val.String("bob"), got.ID))
}

func TestIndexEntriesSortByFields(t *testing.T) {
	tb := testTable("user")
	a := Index{Table: tb, IX: "age", Fields: val.Array{val.Int(20)}, ID: val.String("z")}.Encode()
	b := Index{Table: tb, IX: "age", Fields: val.Array{val.Int(30)}, ID: val.String("a")}.Encode()
	require.Negative(t, bytes.Compare(a, b))
	require.True(t, bytes.HasPrefix(a, IndexEntryPrefix(tb, "age")))
}

func TestGraphKeyRoundTrip(t *testing.T) {
	k := Graph{
		Table: testTable("person"),
		ID:    val.String("jaime"),
		Dir:   DirOut,
		ET:    "knows",
		FID:   val.String("edge1"),
		FT:    val.Thing{Table: "person", ID: val.String("ana")},
	}
	got, err := DecodeGraph(k.Encode())
	require.NoError(t, err)
	require.Equal(t, DirOut, got.Dir)
	require.Equal(t, "knows", got.ET)
	require.Zero(t, val.Compare(k.FT, got.FT))
	require.True(t, bytes.HasPrefix(k.Encode(), GraphDirPrefix(testTable("person"), val.String("jaime"), DirOut, "knows")))
}

func TestTableDefRoundTrip(t *testing.T) {
	k := TableDef{Database{"test", "test"}, "person"}
	got, err := DecodeTableDef(k.Encode())
	require.NoError(t, err)
	require.Equal(t, k, got)
	require.True(t, bytes.HasPrefix(k.Encode(), TableDefPrefix(Database{"test", "test"})))
}

func TestIndexDefRoundTrip(t *testing.T) {
	k := IndexDef{testTable("user"), "email"}
	got, err := DecodeIndexDef(k.Encode())
	require.NoError(t, err)
	require.Equal(t, k, got)
}

func TestIndexVersionOutsideDefPrefix(t *testing.T) {
	tb := testTable("user")
	ver := IndexVersion(tb)
	require.False(t, bytes.HasPrefix(ver, IndexDefPrefix(tb)))
	require.True(t, bytes.HasPrefix(ver, tb.Prefix()))
}

func TestChangeKeys(t *testing.T) {
	db := Database{"test", "test"}
	p := ChangesPrefix(db)
	from := ChangesFrom(db, 42)
	require.True(t, bytes.HasPrefix(from, p))

	_, _, err := DecodeChangeSuffix(from[len(p):])
	require.Error(t, err) // only 8 bytes of suffix present in ChangesFrom

	suffix := append(append([]byte{}, from[len(p):]...), 0, 0, 0, 7)
	ts, seq, err := DecodeChangeSuffix(suffix)
	require.NoError(t, err)
	require.EqualValues(t, 42, ts)
	require.EqualValues(t, 7, seq)
}

func TestDecodeRejectsForeignKeys(t *testing.T) {
	_, err := DecodeRecord(TableDef{Database{"a", "b"}, "c"}.Encode())
	require.Error(t, err)
	_, err = DecodeIndex(Record{testTable("t"), val.Int(1)}.Encode())
	require.Error(t, err)
	_, err = DecodeGraph([]byte("garbage"))
	require.Error(t, err)
}
