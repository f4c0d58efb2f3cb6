package kv

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInc(t *testing.T) {
	for _, c := range []struct {
		in, out []byte
		ok      bool
	}{
		{[]byte{0x01}, []byte{0x02}, true},
		{[]byte{0x01, 0xFF}, []byte{0x02, 0x00}, true},
		{[]byte{0xFF, 0xFF}, nil, false},
		{[]byte{}, nil, false},
	} {
		in := bytes.Clone(c.in)
		ok := Inc(in)
		require.Equal(t, c.ok, ok)
		if ok {
			require.Equal(t, c.out, in)
		}
	}
}

func TestPrefixSuccessor(t *testing.T) {
	require.Equal(t, []byte("ac"), PrefixSuccessor([]byte("ab")))
	require.Nil(t, PrefixSuccessor([]byte{0xFF}))
	require.Nil(t, PrefixSuccessor(nil))

	// Every key extending the prefix sorts below the successor.
	p := []byte{'a', 0xFF}
	succ := PrefixSuccessor(p)
	require.Equal(t, -1, bytes.Compare(append(bytes.Clone(p), 0xFF, 0xFF), succ))
}

func TestWriteBuffer(t *testing.T) {
	var b WriteBuffer
	b.Set([]byte("b"), []byte("2"))
	b.Set([]byte("a"), []byte("1"))
	b.Del([]byte("c"))
	b.Set([]byte("a"), []byte("1!"))

	v, tomb, found := b.Get([]byte("a"))
	require.True(t, found)
	require.False(t, tomb)
	require.Equal(t, "1!", string(v))

	_, tomb, found = b.Get([]byte("c"))
	require.True(t, found)
	require.True(t, tomb)

	_, _, found = b.Get([]byte("zzz"))
	require.False(t, found)

	var keys []string
	b.Each(func(key, value []byte, tombstone bool) error {
		keys = append(keys, string(key))
		return nil
	})
	require.Equal(t, []string{"a", "b", "c"}, keys)
	require.Equal(t, 3, b.Len())

	// Deleting a buffered write replaces it with a tombstone.
	b.Del([]byte("a"))
	_, tomb, found = b.Get([]byte("a"))
	require.True(t, found)
	require.True(t, tomb)
	require.Equal(t, 3, b.Len())
}

// fakeCursor serves a fixed sorted key set, standing in for a backend
// snapshot.
type fakeCursor struct {
	keys []string
	pos  int
}

func newFakeCursor(keys ...string) *fakeCursor {
	sort.Strings(keys)
	return &fakeCursor{keys: keys, pos: -1}
}

func (c *fakeCursor) cur() ([]byte, []byte) {
	if c.pos < 0 || c.pos >= len(c.keys) {
		return nil, nil
	}
	k := c.keys[c.pos]
	return []byte(k), []byte("base:" + k)
}

func (c *fakeCursor) First() ([]byte, []byte) { c.pos = 0; return c.cur() }
func (c *fakeCursor) Last() ([]byte, []byte)  { c.pos = len(c.keys) - 1; return c.cur() }

func (c *fakeCursor) Seek(seek []byte) ([]byte, []byte) {
	c.pos = sort.SearchStrings(c.keys, string(seek))
	return c.cur()
}

func (c *fakeCursor) SeekLast(prefix []byte) ([]byte, []byte) {
	if limit := PrefixSuccessor(prefix); limit != nil {
		c.pos = sort.SearchStrings(c.keys, string(limit)) - 1
	} else {
		c.pos = len(c.keys) - 1
	}
	return c.cur()
}

func (c *fakeCursor) Next() ([]byte, []byte) {
	if c.pos < len(c.keys) {
		c.pos++
	}
	return c.cur()
}

func (c *fakeCursor) Prev() ([]byte, []byte) {
	if c.pos >= 0 {
		c.pos--
	}
	return c.cur()
}

func (c *fakeCursor) Close() {}

func scanAll(rng RawRange, bcur Cursor) []string {
	cur := NewRangeCursor(rng, bcur, nil)
	defer cur.Close()
	var keys []string
	for cur.Next() {
		keys = append(keys, string(cur.Key()))
	}
	return keys
}

func TestRawRangeBounds(t *testing.T) {
	keys := []string{"a", "b", "c", "d"}
	for _, c := range []struct {
		rng  RawRange
		want []string
	}{
		{RawOO(), []string{"a", "b", "c", "d"}},
		{RawIO([]byte("b")), []string{"b", "c", "d"}},
		{RawEO([]byte("b")), []string{"c", "d"}},
		{RawOI([]byte("c")), []string{"a", "b", "c"}},
		{RawOE([]byte("c")), []string{"a", "b"}},
		{RawII([]byte("b"), []byte("c")), []string{"b", "c"}},
		{RawIE([]byte("b"), []byte("c")), []string{"b"}},
		{RawOO().Reversed(), []string{"d", "c", "b", "a"}},
		{RawII([]byte("b"), []byte("c")).Reversed(), []string{"c", "b"}},
		{RawIE([]byte("b"), []byte("c")).Reversed(), []string{"b"}},
	} {
		require.Equal(t, c.want, scanAll(c.rng, newFakeCursor(keys...)), "%+v", c.rng)
	}
}

func TestRawRangePrefix(t *testing.T) {
	keys := []string{"a/1", "a/2", "a/3", "ab", "b/1"}
	require.Equal(t, []string{"a/1", "a/2", "a/3"},
		scanAll(RawPrefix([]byte("a/")), newFakeCursor(keys...)))
	require.Equal(t, []string{"a/3", "a/2", "a/1"},
		scanAll(RawPrefix([]byte("a/")).Reversed(), newFakeCursor(keys...)))
	require.Equal(t, []string{"a/2", "a/3"},
		scanAll(RawEO([]byte("a/1")).Prefixed([]byte("a/")), newFakeCursor(keys...)))
	require.Empty(t, scanAll(RawPrefix([]byte("x/")), newFakeCursor(keys...)))
}

func TestRangeCursorTracksKeys(t *testing.T) {
	var seen []string
	cur := NewRangeCursor(RawPrefix([]byte("a/")), newFakeCursor("a/1", "a/2", "b/1"), func(key []byte) {
		seen = append(seen, string(key))
	})
	for cur.Next() {
	}
	cur.Close()
	require.Equal(t, []string{"a/1", "a/2"}, seen)
}

func TestMergeCursor(t *testing.T) {
	var buf WriteBuffer
	buf.Set([]byte("b"), []byte("buf:b"))  // shadows base
	buf.Set([]byte("bb"), []byte("buf:bb")) // insert between base keys
	buf.Del([]byte("c"))                   // hides base entry
	buf.Del([]byte("x"))                   // tombstone for an absent key

	scan := func(rng RawRange) (keys, values []string) {
		cur := NewRangeCursor(rng, MergeCursor(newFakeCursor("a", "b", "c", "d"), &buf), nil)
		defer cur.Close()
		for cur.Next() {
			keys = append(keys, string(cur.Key()))
			values = append(values, string(cur.Value()))
		}
		return
	}

	keys, values := scan(RawOO())
	require.Equal(t, []string{"a", "b", "bb", "d"}, keys)
	require.Equal(t, []string{"base:a", "buf:b", "buf:bb", "base:d"}, values)

	keys, values = scan(RawOO().Reversed())
	require.Equal(t, []string{"d", "bb", "b", "a"}, keys)
	require.Equal(t, []string{"base:d", "buf:bb", "buf:b", "base:a"}, values)

	keys, _ = scan(RawII([]byte("b"), []byte("c")))
	require.Equal(t, []string{"b", "bb"}, keys)
}

func TestMergeCursorEmptyBufferPassthrough(t *testing.T) {
	base := newFakeCursor("a")
	require.Same(t, base, MergeCursor(base, &WriteBuffer{}))
	require.Same(t, base, MergeCursor(base, nil))
}

func TestOracleConflicts(t *testing.T) {
	o := NewOracle(0)
	noop := func(ts Versionstamp) error { return nil }

	begin := o.Begin()
	var r1 ReadSet
	r1.Add([]byte("k"))
	ts1, err := o.Commit(begin, &r1, [][]byte{[]byte("k")}, noop)
	require.NoError(t, err)
	require.Equal(t, Versionstamp(1), ts1)

	// A transaction that began before ts1 and read k loses.
	var r2 ReadSet
	r2.Add([]byte("k"))
	_, err = o.Commit(begin, &r2, [][]byte{[]byte("k")}, noop)
	require.ErrorIs(t, err, ErrConflict)

	// Reading an untouched key is fine.
	var r3 ReadSet
	r3.Add([]byte("other"))
	_, err = o.Commit(begin, &r3, [][]byte{[]byte("other")}, noop)
	require.NoError(t, err)

	// Blind writes never conflict.
	_, err = o.Commit(begin, nil, [][]byte{[]byte("k")}, noop)
	require.NoError(t, err)

	// A fresh snapshot sees ts1 and commits cleanly.
	begin2 := o.Begin()
	var r4 ReadSet
	r4.Add([]byte("k"))
	_, err = o.Commit(begin2, &r4, [][]byte{[]byte("k")}, noop)
	require.NoError(t, err)
}

func TestOracleApplyFailureKeepsVersionstamp(t *testing.T) {
	o := NewOracle(0)
	boom := func(ts Versionstamp) error { return ErrStoreClosed }
	_, err := o.Commit(o.Begin(), nil, [][]byte{[]byte("k")}, boom)
	require.ErrorIs(t, err, ErrStoreClosed)

	ts, err := o.Commit(o.Begin(), nil, nil, func(ts Versionstamp) error { return nil })
	require.NoError(t, err)
	require.Equal(t, Versionstamp(1), ts)
}

func TestOraclePruneRaisesFloor(t *testing.T) {
	o := NewOracle(0)
	noop := func(ts Versionstamp) error { return nil }
	key := make([]byte, 8)
	for i := 0; i < maxRecentCommits+2; i++ {
		key[0], key[1], key[2] = byte(i), byte(i>>8), byte(i>>16)
		_, err := o.Commit(o.Begin(), nil, [][]byte{bytes.Clone(key)}, noop)
		require.NoError(t, err)
	}
	require.Greater(t, o.Floor(), Versionstamp(0))

	// An old reader below the floor conflicts conservatively.
	var r ReadSet
	r.Add([]byte("anything"))
	_, err := o.Commit(0, &r, nil, noop)
	require.ErrorIs(t, err, ErrConflict)
}
