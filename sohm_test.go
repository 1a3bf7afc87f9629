package sohm

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/xxuejie/sohm/classes"
	"github.com/xxuejie/sohm/query"
	"github.com/xxuejie/sohm/sohm_errors"
)

func testSohm(t *testing.T) *Sohm {
	dir, err := os.MkdirTemp("", "sohm*")
	assert.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	s, err := Open(dir, Options{})
	assert.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func registerPerson(t *testing.T, s *Sohm) {
	_, err := s.Register("Person",
		classes.Field{Name: "name", Kind: classes.Plain, Arity: classes.Single, Index: true},
		classes.Field{Name: "tags", Kind: classes.Plain, Arity: classes.Multi, Index: true},
		classes.Field{Name: "bio", Kind: classes.Plain, Arity: classes.Single},
		classes.Field{Name: "state", Kind: classes.Serial, Arity: classes.Single},
		classes.Field{Name: "visits", Kind: classes.Counter, Arity: classes.Single},
		classes.Field{Name: "friends", Kind: classes.SetRelation, Arity: classes.Multi, Target: "Person"},
		classes.Field{Name: "posts", Kind: classes.ListRelation, Arity: classes.Multi, Target: "Post"},
	)
	assert.NoError(t, err)
}

func TestRegister(t *testing.T) {
	s := testSohm(t)
	registerPerson(t, s)

	class, err := s.Class("Person")
	assert.NoError(t, err)
	assert.Equal(t, "Person", class.Name)

	_, err = s.Class("Animal")
	assert.ErrorIs(t, err, sohm_errors.ErrTypeUnknown)

	// hash fields the mapper claims for itself are off limits
	for _, name := range []string{"attrs", "serial", "cas", "cnt:visits"} {
		_, err = s.Register("Broken", classes.Field{Name: name, Kind: classes.Plain, Arity: classes.Single})
		assert.ErrorIs(t, err, sohm_errors.ErrBadClass, name)
	}
	_, err = s.Register("Broken", classes.Field{Name: "ok", Kind: classes.Counter, Arity: classes.Multi})
	assert.ErrorIs(t, err, sohm_errors.ErrBadClass)
}

func TestSaveLoadDelete(t *testing.T) {
	s := testSohm(t)
	registerPerson(t, s)
	ctx := context.Background()

	obj, err := s.NewObject("Person")
	assert.NoError(t, err)
	assert.True(t, obj.IsNew())
	assert.NoError(t, obj.Set("name", "ann"))
	assert.NoError(t, obj.Set("tags", "a", "b"))
	assert.NoError(t, obj.Set("bio", "hello"))
	assert.NoError(t, obj.Save(ctx))
	assert.Equal(t, "1", obj.ID())

	// ids come from the per-class sequence
	second, err := s.NewObject("Person")
	assert.NoError(t, err)
	assert.NoError(t, second.Set("name", "bea"))
	assert.NoError(t, second.Save(ctx))
	assert.Equal(t, "2", second.ID())

	loaded, err := s.Load(ctx, "Person", "1")
	assert.NoError(t, err)
	name, ok := loaded.Get("name")
	assert.True(t, ok)
	assert.Equal(t, "ann", name)
	assert.Equal(t, []string{"a", "b"}, loaded.Values("tags"))

	ok, err = s.Exists(ctx, "Person", "1")
	assert.NoError(t, err)
	assert.True(t, ok)

	all, err := s.All("Person")
	assert.NoError(t, err)
	members, err := all.Members(ctx)
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "2"}, members)

	assert.NoError(t, loaded.Delete(ctx))
	ok, err = s.Exists(ctx, "Person", "1")
	assert.NoError(t, err)
	assert.False(t, ok)
	_, err = s.Load(ctx, "Person", "1")
	assert.ErrorIs(t, err, sohm_errors.ErrObjectUnknown)
	members, err = all.Members(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []string{"2"}, members)

	_, err = s.Load(ctx, "Person", "404")
	assert.ErrorIs(t, err, sohm_errors.ErrObjectUnknown)
}

func TestFieldValidation(t *testing.T) {
	s := testSohm(t)
	registerPerson(t, s)

	obj, err := s.NewObject("Person")
	assert.NoError(t, err)

	assert.ErrorIs(t, obj.Set("nosuch", "x"), sohm_errors.ErrFieldUnknown)
	// single-arity fields take one value
	assert.ErrorIs(t, obj.Set("name", "a", "b"), sohm_errors.ErrBadFieldValue)
	// counters and relations have their own accessors
	assert.ErrorIs(t, obj.Set("visits", "1"), sohm_errors.ErrBadFieldValue)
	assert.ErrorIs(t, obj.Set("friends", "2"), sohm_errors.ErrBadFieldValue)

	_, ok := obj.Get("name")
	assert.False(t, ok)
	assert.NoError(t, obj.Set("name", "ann"))
	assert.NoError(t, obj.Unset("name"))
	_, ok = obj.Get("name")
	assert.False(t, ok)
}

func TestUnsetPersistsOnSave(t *testing.T) {
	s := testSohm(t)
	registerPerson(t, s)
	ctx := context.Background()

	obj, err := s.NewObject("Person")
	assert.NoError(t, err)
	assert.NoError(t, obj.Set("name", "ann"))
	assert.NoError(t, obj.Save(ctx))

	assert.NoError(t, obj.Unset("name"))
	assert.NoError(t, obj.Save(ctx))

	loaded, err := s.Load(ctx, "Person", obj.ID())
	assert.NoError(t, err)
	_, ok := loaded.Get("name")
	assert.False(t, ok)

	found, err := s.Find("Person", query.Filter{"name": {"ann"}})
	assert.NoError(t, err)
	members, err := found.Members(ctx)
	assert.NoError(t, err)
	assert.Empty(t, members)
}

func TestUnsetPersistsOnSerialSave(t *testing.T) {
	s := testSohm(t)
	registerPerson(t, s)
	ctx := context.Background()

	obj, err := s.NewObject("Person")
	assert.NoError(t, err)
	assert.NoError(t, obj.Set("name", "ann"))
	assert.NoError(t, obj.Set("state", "draft"))
	assert.NoError(t, obj.Save(ctx))

	// unsetting the last plain attribute rides the guarded save
	assert.NoError(t, obj.Unset("name"))
	assert.NoError(t, obj.Set("state", "live"))
	assert.NoError(t, obj.Save(ctx))
	assert.Equal(t, uint64(2), obj.CasToken())

	loaded, err := s.Load(ctx, "Person", obj.ID())
	assert.NoError(t, err)
	_, ok := loaded.Get("name")
	assert.False(t, ok)
	state, _ := loaded.Get("state")
	assert.Equal(t, "live", state)

	found, err := s.Find("Person", query.Filter{"name": {"ann"}})
	assert.NoError(t, err)
	members, err := found.Members(ctx)
	assert.NoError(t, err)
	assert.Empty(t, members)
}

func TestIndexesFollowSaves(t *testing.T) {
	s := testSohm(t)
	registerPerson(t, s)
	ctx := context.Background()

	obj, err := s.NewObject("Person")
	assert.NoError(t, err)
	assert.NoError(t, obj.Set("name", "ann"))
	assert.NoError(t, obj.Set("tags", "a", "b"))
	assert.NoError(t, obj.Save(ctx))

	found, err := s.Find("Person", query.Filter{"name": {"ann"}})
	assert.NoError(t, err)
	members, err := found.Members(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []string{"1"}, members)

	// unindexed and unknown fields are rejected up front
	_, err = s.Find("Person", query.Filter{"bio": {"x"}})
	assert.ErrorIs(t, err, sohm_errors.ErrIndexNotFound)
	_, err = s.Find("Person", query.Filter{"nosuch": {"x"}})
	assert.ErrorIs(t, err, sohm_errors.ErrIndexNotFound)

	// a re-save moves index membership with the values
	assert.NoError(t, obj.Set("name", "bea"))
	assert.NoError(t, obj.Set("tags", "b"))
	assert.NoError(t, obj.Save(ctx))

	found, err = s.Find("Person", query.Filter{"name": {"ann"}})
	assert.NoError(t, err)
	members, err = found.Members(ctx)
	assert.NoError(t, err)
	assert.Empty(t, members)
	found, err = s.Find("Person", query.Filter{"name": {"bea"}, "tags": {"b"}})
	assert.NoError(t, err)
	members, err = found.Members(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []string{"1"}, members)

	// delete clears every index trace
	assert.NoError(t, obj.Delete(ctx))
	leftovers, err := s.Conn().Keys(ctx, "Person:_indices:")
	assert.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestDerivedIndexFields(t *testing.T) {
	s := testSohm(t)
	_, err := s.Register("Person",
		classes.Field{Name: "name", Kind: classes.Plain, Arity: classes.Single, Index: true},
		classes.Field{Name: "initial", Kind: classes.Plain, Arity: classes.Single, Index: true,
			Derive: func(attrs map[string][]string) []string {
				if v := attrs["name"]; len(v) > 0 && len(v[0]) > 0 {
					return []string{strings.ToUpper(v[0][:1])}
				}
				return nil
			}},
	)
	assert.NoError(t, err)
	ctx := context.Background()

	obj, err := s.NewObject("Person")
	assert.NoError(t, err)
	// derived fields cannot be assigned
	assert.ErrorIs(t, obj.Set("initial", "X"), sohm_errors.ErrBadFieldValue)
	assert.NoError(t, obj.Set("name", "ann"))
	assert.NoError(t, obj.Save(ctx))

	found, err := s.Find("Person", query.Filter{"initial": {"A"}})
	assert.NoError(t, err)
	members, err := found.Members(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []string{"1"}, members)

	// derived membership follows the source attribute
	assert.NoError(t, obj.Set("name", "bea"))
	assert.NoError(t, obj.Save(ctx))
	members, err = found.Members(ctx)
	assert.NoError(t, err)
	assert.Empty(t, members)
	found, err = s.Find("Person", query.Filter{"initial": {"B"}})
	assert.NoError(t, err)
	members, err = found.Members(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []string{"1"}, members)
}

func TestSerialSaves(t *testing.T) {
	s := testSohm(t)
	registerPerson(t, s)
	ctx := context.Background()

	obj, err := s.NewObject("Person")
	assert.NoError(t, err)
	assert.NoError(t, obj.Set("name", "ann"))
	assert.NoError(t, obj.Set("state", "draft"))
	assert.NoError(t, obj.Save(ctx))
	assert.Equal(t, uint64(1), obj.CasToken())

	// both attribute groups land in one atomic call
	loaded, err := s.Load(ctx, "Person", obj.ID())
	assert.NoError(t, err)
	state, _ := loaded.Get("state")
	assert.Equal(t, "draft", state)
	name, _ := loaded.Get("name")
	assert.Equal(t, "ann", name)
	assert.Equal(t, uint64(1), loaded.CasToken())

	// plain-only saves leave the token alone
	assert.NoError(t, obj.Set("bio", "hi"))
	assert.NoError(t, obj.Save(ctx))
	assert.Equal(t, uint64(1), obj.CasToken())

	assert.NoError(t, obj.Set("state", "live"))
	assert.NoError(t, obj.Save(ctx))
	assert.Equal(t, uint64(2), obj.CasToken())
}

func TestSerialConflict(t *testing.T) {
	s := testSohm(t)
	registerPerson(t, s)
	ctx := context.Background()

	obj, err := s.NewObject("Person")
	assert.NoError(t, err)
	assert.NoError(t, obj.Set("state", "draft"))
	assert.NoError(t, obj.Save(ctx))

	// two sessions load the same version
	a, err := s.Load(ctx, "Person", obj.ID())
	assert.NoError(t, err)
	b, err := s.Load(ctx, "Person", obj.ID())
	assert.NoError(t, err)

	assert.NoError(t, a.Set("state", "live"))
	assert.NoError(t, a.Save(ctx))

	assert.NoError(t, b.Set("state", "retired"))
	assert.ErrorIs(t, b.Save(ctx), sohm_errors.ErrCasViolation)

	// the losing write left nothing behind
	fresh, err := s.Load(ctx, "Person", obj.ID())
	assert.NoError(t, err)
	state, _ := fresh.Get("state")
	assert.Equal(t, "live", state)

	// reload and resubmit wins
	assert.NoError(t, b.Reload(ctx))
	assert.NoError(t, b.Set("state", "retired"))
	assert.NoError(t, b.Save(ctx))
	assert.Equal(t, uint64(3), b.CasToken())
}

func TestCounters(t *testing.T) {
	s := testSohm(t)
	registerPerson(t, s)
	ctx := context.Background()

	obj, err := s.NewObject("Person")
	assert.NoError(t, err)
	assert.NoError(t, obj.Save(ctx))

	_, err = s.Counter("Person", "", "visits")
	assert.ErrorIs(t, err, sohm_errors.ErrMissingIdentity)
	_, err = s.Counter("Person", obj.ID(), "name")
	assert.ErrorIs(t, err, sohm_errors.ErrBadFieldValue)

	c, err := s.Counter("Person", obj.ID(), "visits")
	assert.NoError(t, err)
	n, err := c.Incr(ctx, 2)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = c.Get(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// counter state rides the object hash and dies with it
	assert.NoError(t, obj.Delete(ctx))
	c, err = s.Counter("Person", obj.ID(), "visits")
	assert.NoError(t, err)
	n, err = c.Get(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRelations(t *testing.T) {
	s := testSohm(t)
	registerPerson(t, s)
	ctx := context.Background()

	obj, err := s.NewObject("Person")
	assert.NoError(t, err)

	// relations need a persisted owner
	_, err = obj.SetRelation("friends")
	assert.ErrorIs(t, err, sohm_errors.ErrMissingIdentity)

	assert.NoError(t, obj.Save(ctx))

	_, err = obj.SetRelation("posts")
	assert.ErrorIs(t, err, sohm_errors.ErrBadFieldValue)
	_, err = obj.ListRelation("friends")
	assert.ErrorIs(t, err, sohm_errors.ErrBadFieldValue)

	friends, err := obj.SetRelation("friends")
	assert.NoError(t, err)
	assert.Equal(t, "Person", friends.Target)
	assert.NoError(t, friends.Add(ctx, "2", "3"))
	members, err := friends.Members(ctx)
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"2", "3"}, members)
	has, err := friends.Contains(ctx, "2")
	assert.NoError(t, err)
	assert.True(t, has)
	n, err := friends.Size(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, friends.Remove(ctx, "3"))
	n, err = friends.Size(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), n)

	posts, err := obj.ListRelation("posts")
	assert.NoError(t, err)
	assert.NoError(t, posts.Push(ctx, "10", "11"))
	ids, err := posts.Ids(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []string{"10", "11"}, ids)
	head, err := posts.Pop(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "10", head)
	length, err := posts.Len(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), length)

	// delete drops the relation collections with the object
	assert.NoError(t, obj.Delete(ctx))
	n, err = s.Conn().SCard(ctx, "Person:1:friends")
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
	length, err = s.Conn().LLen(ctx, "Person:1:posts")
	assert.NoError(t, err)
	assert.Equal(t, int64(0), length)
}
