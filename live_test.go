package tetra

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tetradb/tetra/kv"
	"github.com/tetradb/tetra/kv/memkv"
	"github.com/tetradb/tetra/val"
)

func recvNotification(t *testing.T, sub *Subscription) Notification {
	t.Helper()
	select {
	case n, ok := <-sub.C:
		require.True(t, ok, "subscription closed early")
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return Notification{}
	}
}

func expectQuiet(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case n := <-sub.C:
		t.Fatalf("unexpected notification: %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLiveQueryDelivery(t *testing.T) {
	ds := openTestDS(t)
	res := mustExec(t, ds, Live{Table: "person"})
	sub := res[0].Live
	require.NotNil(t, sub)

	mustExec(t, ds,
		person("a", "Ann", 30),
		Update{Target: ThingTarget(thing("person", "a")), Mode: UpdateMerge, Data: val.Object{"age": val.Int(31)}},
		Create{Table: "tag", ID: val.String("js"), Data: val.Object{}}, // other table: no leak
		Delete{Target: ThingTarget(thing("person", "a"))},
	)

	n1 := recvNotification(t, sub)
	require.Equal(t, ActionCreate, n1.Action)
	require.Equal(t, thing("person", "a"), n1.Record)
	require.Equal(t, val.None, n1.Before)
	require.Equal(t, val.String("Ann"), n1.After.(val.Object)["name"])

	n2 := recvNotification(t, sub)
	require.Equal(t, ActionUpdate, n2.Action)
	require.Equal(t, val.Int(30), n2.Before.(val.Object)["age"])
	require.Equal(t, val.Int(31), n2.After.(val.Object)["age"])
	require.Greater(t, n2.Versionstamp, n1.Versionstamp)

	n3 := recvNotification(t, sub)
	require.Equal(t, ActionDelete, n3.Action)
	require.Equal(t, val.None, n3.After)
	require.Greater(t, n3.Versionstamp, n2.Versionstamp)

	expectQuiet(t, sub)
}

func TestLiveQueryWhereFilter(t *testing.T) {
	ds := openTestDS(t)
	res := mustExec(t, ds, Live{
		Table: "person",
		Where: Binary{Op: OpGe, L: Ident{Path: "age"}, R: Lit{V: val.Int(40)}},
	})
	sub := res[0].Live

	mustExec(t, ds, person("young", "Ann", 30), person("old", "Bob", 50))

	n := recvNotification(t, sub)
	require.Equal(t, thing("person", "old"), n.Record)
	expectQuiet(t, sub)

	// A delete is filtered on the state before it.
	mustExec(t, ds,
		Delete{Target: ThingTarget(thing("person", "young"))},
		Delete{Target: ThingTarget(thing("person", "old"))},
	)
	n = recvNotification(t, sub)
	require.Equal(t, ActionDelete, n.Action)
	require.Equal(t, thing("person", "old"), n.Record)
	expectQuiet(t, sub)
}

func TestKillClosesSubscription(t *testing.T) {
	ds := openTestDS(t)
	sub := mustExec(t, ds, Live{Table: "person"})[0].Live

	mustExec(t, ds, Kill{ID: sub.ID})
	for range sub.C {
	}

	// Changes after the kill go nowhere; a second kill is an error.
	mustExec(t, ds, person("a", "Ann", 30))
	res := ds.Execute(context.Background(), testSession, Kill{ID: sub.ID})
	require.ErrorIs(t, res[0].Err, ErrNoLiveQuery)

	res = ds.Execute(context.Background(), testSession, Kill{ID: uuid.New()})
	require.ErrorIs(t, res[0].Err, ErrNoLiveQuery)
}

func TestCloseDrainsSubscriptions(t *testing.T) {
	ds := Open(memkv.Open(), Options{})
	sub := mustExec(t, ds, Live{Table: "person"})[0].Live
	require.NoError(t, ds.Close())
	_, ok := <-sub.C
	require.False(t, ok)
}

func TestSlowSubscriberDoesNotBlockCommits(t *testing.T) {
	ds := openTestDS(t)
	sub := mustExec(t, ds, Live{Table: "person"})[0].Live

	// Nobody reads sub.C while we commit more changes than any
	// channel buffer would hold.
	for i := 0; i < 100; i++ {
		mustExec(t, ds, Create{Table: "person", Data: val.Object{"n": val.Int(int64(i))}})
	}

	var last kv.Versionstamp
	for i := 0; i < 100; i++ {
		n := recvNotification(t, sub)
		require.Greater(t, n.Versionstamp, last)
		last = n.Versionstamp
	}
	expectQuiet(t, sub)
}

func TestChangesSince(t *testing.T) {
	ctx := context.Background()
	ds := openTestDS(t)

	mustExec(t, ds, person("a", "Ann", 30))
	mid, err := ds.ChangesSince(ctx, testSession, 0)
	require.NoError(t, err)
	require.Len(t, mid, 1)

	mustExec(t, ds,
		Update{Target: ThingTarget(thing("person", "a")), Mode: UpdateMerge, Data: val.Object{"age": val.Int(31)}},
		Delete{Target: ThingTarget(thing("person", "a"))},
	)

	all, err := ds.ChangesSince(ctx, testSession, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, ActionCreate, all[0].Change.Action)
	require.Equal(t, ActionUpdate, all[1].Change.Action)
	require.Equal(t, ActionDelete, all[2].Change.Action)
	for i := 1; i < len(all); i++ {
		require.Greater(t, all[i].Versionstamp, all[i-1].Versionstamp)
	}
	require.Equal(t, val.Int(30), all[1].Change.Before.(val.Object)["age"])
	require.Equal(t, val.Int(31), all[1].Change.After.(val.Object)["age"])

	tail, err := ds.ChangesSince(ctx, testSession, mid[0].Versionstamp)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	require.Equal(t, ActionUpdate, tail[0].Change.Action)

	// Other databases have their own feed.
	other, err := ds.ChangesSince(ctx, Session{NS: "test", DB: "other"}, 0)
	require.NoError(t, err)
	require.Empty(t, other)
}
