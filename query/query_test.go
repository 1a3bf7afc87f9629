package query

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/xxuejie/sohm/classes"
	"github.com/xxuejie/sohm/keys"
	"github.com/xxuejie/sohm/sohm_errors"
	"github.com/xxuejie/sohm/store"
)

var eventFields = classes.Fields{
	{Name: "kind", Kind: classes.Plain, Arity: classes.Single, Index: true},
	{Name: "venue", Kind: classes.Plain, Arity: classes.Single, Index: true},
	{Name: "note", Kind: classes.Plain, Arity: classes.Single},
}

func testConn(t *testing.T) store.Conn {
	dir, err := os.MkdirTemp("", "sohmquery*")
	assert.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	s, err := store.Open(dir, store.Options{})
	assert.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seedIndexes writes the index sets Find resolves against. Two kinds,
// overlapping on id 2: kind=x covers {1,2}, kind=y covers {2,3}; venue
// splits them again.
func seedIndexes(t *testing.T, conn store.Conn, ns keys.Namespace) {
	ctx := context.Background()
	assert.NoError(t, conn.SAdd(ctx, ns.Index("kind", "x"), "1", "2"))
	assert.NoError(t, conn.SAdd(ctx, ns.Index("kind", "y"), "2", "3"))
	assert.NoError(t, conn.SAdd(ctx, ns.Index("venue", "hall"), "1", "3"))
	assert.NoError(t, conn.SAdd(ctx, ns.Index("venue", "yard"), "2"))
}

func assertNoTemps(t *testing.T, conn store.Conn, ns keys.Namespace) {
	leftovers, err := conn.Keys(context.Background(), ns.TempPrefix())
	assert.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestFindSingleFilter(t *testing.T) {
	conn := testConn(t)
	ns := keys.Namespace{Class: "Event"}
	seedIndexes(t, conn, ns)
	ctx := context.Background()

	set, err := Find(conn, ns, eventFields, Filter{"kind": {"x"}})
	assert.NoError(t, err)
	// one field, one value: reads the index set in place
	_, ok := set.(*Set)
	assert.True(t, ok)

	members, err := set.Members(ctx)
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "2"}, members)

	n, err := set.Size(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)

	has, err := set.Contains(ctx, "2")
	assert.NoError(t, err)
	assert.True(t, has)
	has, err = set.Contains(ctx, "3")
	assert.NoError(t, err)
	assert.False(t, has)

	sample, err := set.Sample(ctx)
	assert.NoError(t, err)
	assert.Contains(t, []string{"1", "2"}, sample)

	assertNoTemps(t, conn, ns)
}

func TestFindMultiFieldIntersects(t *testing.T) {
	conn := testConn(t)
	ns := keys.Namespace{Class: "Event"}
	seedIndexes(t, conn, ns)
	ctx := context.Background()

	set, err := Find(conn, ns, eventFields, Filter{
		"kind":  {"x"},
		"venue": {"hall"},
	})
	assert.NoError(t, err)
	_, ok := set.(*MultiSet)
	assert.True(t, ok)

	members, err := set.Members(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []string{"1"}, members)
	assertNoTemps(t, conn, ns)
}

func TestFindMultiValueUnions(t *testing.T) {
	conn := testConn(t)
	ns := keys.Namespace{Class: "Event"}
	seedIndexes(t, conn, ns)
	ctx := context.Background()

	// several values for one field union before intersecting
	set, err := Find(conn, ns, eventFields, Filter{
		"kind":  {"x", "y"},
		"venue": {"hall"},
	})
	assert.NoError(t, err)

	members, err := set.Members(ctx)
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "3"}, members)
	assertNoTemps(t, conn, ns)
}

func TestChaining(t *testing.T) {
	conn := testConn(t)
	ns := keys.Namespace{Class: "Event"}
	seedIndexes(t, conn, ns)
	ctx := context.Background()

	base, err := Find(conn, ns, eventFields, Filter{"kind": {"x"}})
	assert.NoError(t, err)

	union, err := base.Union(Filter{"kind": {"y"}})
	assert.NoError(t, err)
	members, err := union.Members(ctx)
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "2", "3"}, members)

	except, err := base.Except(Filter{"kind": {"y"}})
	assert.NoError(t, err)
	members, err = except.Members(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []string{"1"}, members)

	combine, err := base.Combine(Filter{"kind": {"y"}})
	assert.NoError(t, err)
	members, err = combine.Members(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []string{"2"}, members)

	// chains keep chaining
	narrowed, err := union.Except(Filter{"venue": {"yard"}})
	assert.NoError(t, err)
	members, err = narrowed.Members(ctx)
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "3"}, members)

	assertNoTemps(t, conn, ns)
}

func TestUndeclaredFieldRejected(t *testing.T) {
	conn := testConn(t)
	ns := keys.Namespace{Class: "Event"}
	seedIndexes(t, conn, ns)

	_, err := Find(conn, ns, eventFields, Filter{"nosuch": {"x"}})
	assert.ErrorIs(t, err, sohm_errors.ErrIndexNotFound)

	// declared but not indexed counts as undeclared
	_, err = Find(conn, ns, eventFields, Filter{"note": {"x"}})
	assert.ErrorIs(t, err, sohm_errors.ErrIndexNotFound)

	base, err := Find(conn, ns, eventFields, Filter{"kind": {"x"}})
	assert.NoError(t, err)
	_, err = base.Union(Filter{"nosuch": {"x"}})
	assert.ErrorIs(t, err, sohm_errors.ErrIndexNotFound)

	// rejection happens at compile time, no temps were created
	assertNoTemps(t, conn, ns)
}

func TestMutableSet(t *testing.T) {
	conn := testConn(t)
	ns := keys.Namespace{Class: "Event"}
	ctx := context.Background()

	all := NewSet(conn, ns, eventFields, ns.All())
	assert.NoError(t, all.Add(ctx, "1", "2"))
	members, err := all.Members(ctx)
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "2"}, members)
	assert.NoError(t, all.Remove(ctx, "1"))
	members, err = all.Members(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []string{"2"}, members)
}

// failingConn forces the second set-store command to fail so the
// cleanup path runs with temps already materialized.
type failingConn struct {
	store.Conn
	calls int
}

func (f *failingConn) SUnionStore(ctx context.Context, dst string, srcs ...string) (int64, error) {
	f.calls++
	if f.calls > 1 {
		return 0, errors.New("store unavailable")
	}
	return f.Conn.SUnionStore(ctx, dst, srcs...)
}

// cancelAwareConn behaves like a backend that honors context
// cancellation: Del refuses a dead context. SUnionStore cancels the
// request mid-evaluation and fails, as a deadline expiry would.
type cancelAwareConn struct {
	store.Conn
	cancel context.CancelFunc
}

func (c *cancelAwareConn) SUnionStore(ctx context.Context, dst string, srcs ...string) (int64, error) {
	if _, err := c.Conn.SUnionStore(ctx, dst, srcs...); err != nil {
		return 0, err
	}
	c.cancel()
	return 0, context.Canceled
}

func (c *cancelAwareConn) Del(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.Conn.Del(ctx, keys...)
}

func TestTempCleanupAfterContextCancel(t *testing.T) {
	conn := &cancelAwareConn{Conn: testConn(t)}
	ns := keys.Namespace{Class: "Event"}
	seedIndexes(t, conn, ns)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn.cancel = cancel

	base, err := Find(conn, ns, eventFields, Filter{"kind": {"x"}})
	assert.NoError(t, err)
	chained, err := base.Union(Filter{"kind": {"y"}})
	assert.NoError(t, err)

	_, err = chained.Members(ctx)
	assert.Error(t, err)
	assertNoTemps(t, conn, ns)
}

func TestTempCleanupOnFailure(t *testing.T) {
	conn := &failingConn{Conn: testConn(t)}
	ns := keys.Namespace{Class: "Event"}
	seedIndexes(t, conn, ns)
	ctx := context.Background()

	base, err := Find(conn, ns, eventFields, Filter{"kind": {"x"}})
	assert.NoError(t, err)
	chained, err := base.Union(Filter{"kind": {"y"}})
	assert.NoError(t, err)
	deeper, err := chained.Union(Filter{"venue": {"hall"}})
	assert.NoError(t, err)

	_, err = deeper.Members(ctx)
	assert.Error(t, err)
	assertNoTemps(t, conn, ns)
}
