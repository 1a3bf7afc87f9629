package sohm

import (
	"context"

	"github.com/xxuejie/sohm/classes"
	"github.com/xxuejie/sohm/sohm_errors"
	"github.com/xxuejie/sohm/store"
)

// Relation collections live under the owning object's key. They are
// not indexed and not cas-protected; members are target-class ids that
// resolve through a fresh Load.

func (o *Object) relationField(name string, kind classes.FieldKind) (*classes.Field, error) {
	if o.IsNew() {
		return nil, sohm_errors.ErrMissingIdentity
	}
	f, err := o.field(name)
	if err != nil {
		return nil, err
	}
	if f.Kind != kind {
		return nil, sohm_errors.ErrBadFieldValue
	}
	return f, nil
}

func (o *Object) SetRelation(name string) (*RelationSet, error) {
	f, err := o.relationField(name, classes.SetRelation)
	if err != nil {
		return nil, err
	}
	return &RelationSet{conn: o.s.conn, key: o.ns.Relation(o.id, name), Target: f.Target}, nil
}

func (o *Object) ListRelation(name string) (*RelationList, error) {
	f, err := o.relationField(name, classes.ListRelation)
	if err != nil {
		return nil, err
	}
	return &RelationList{conn: o.s.conn, key: o.ns.Relation(o.id, name), Target: f.Target}, nil
}

type RelationSet struct {
	conn store.Conn
	key  string

	// Target names the related class; members resolve via Load.
	Target string
}

func (r *RelationSet) Add(ctx context.Context, ids ...string) error {
	return r.conn.SAdd(ctx, r.key, ids...)
}

func (r *RelationSet) Remove(ctx context.Context, ids ...string) error {
	return r.conn.SRem(ctx, r.key, ids...)
}

func (r *RelationSet) Members(ctx context.Context) ([]string, error) {
	return r.conn.SMembers(ctx, r.key)
}

func (r *RelationSet) Contains(ctx context.Context, id string) (bool, error) {
	return r.conn.SIsMember(ctx, r.key, id)
}

func (r *RelationSet) Size(ctx context.Context) (int64, error) {
	return r.conn.SCard(ctx, r.key)
}

type RelationList struct {
	conn store.Conn
	key  string

	Target string
}

func (r *RelationList) Push(ctx context.Context, ids ...string) error {
	values := make([][]byte, 0, len(ids))
	for _, id := range ids {
		values = append(values, []byte(id))
	}
	return r.conn.RPush(ctx, r.key, values...)
}

// Pop removes and returns the head of the list, "" when empty.
func (r *RelationList) Pop(ctx context.Context) (string, error) {
	head, err := r.conn.LPop(ctx, r.key)
	return string(head), err
}

func (r *RelationList) Ids(ctx context.Context) ([]string, error) {
	values, err := r.conn.LRange(ctx, r.key)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(values))
	for _, v := range values {
		ids = append(ids, string(v))
	}
	return ids, nil
}

func (r *RelationList) Len(ctx context.Context) (int64, error) {
	return r.conn.LLen(ctx, r.key)
}
