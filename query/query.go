// Package query compiles chained filter operations into store-side set
// algebra. A query is a tree of source keys and {intersect, union,
// difference} operators; evaluation materializes every operator node
// into a disposable temporary key and deletes all of them once the
// consuming operation finishes, on success and on failure alike.
package query

import (
	"context"
	"sort"

	"github.com/xxuejie/sohm/classes"
	"github.com/xxuejie/sohm/keys"
	"github.com/xxuejie/sohm/sohm_errors"
	"github.com/xxuejie/sohm/store"
)

// Filter maps indexed field names to the values to match. Several
// values for one field mean "field IN values"; several fields are
// AND-ed together.
type Filter map[string][]string

type opcode byte

const (
	opSource opcode = iota
	opInter
	opUnion
	opDiff
)

type node struct {
	op   opcode
	key  string // opSource only
	subs []*node
}

func source(key string) *node {
	return &node{op: opSource, key: key}
}

func operator(op opcode, subs ...*node) *node {
	if op != opSource && len(subs) == 1 {
		return subs[0]
	}
	return &node{op: op, subs: subs}
}

// IdSet is a resolvable set of object ids. Both shapes support
// chaining and read operations; only the single-filter Set supports
// direct mutation.
type IdSet interface {
	Members(ctx context.Context) ([]string, error)
	Size(ctx context.Context) (int64, error)
	Contains(ctx context.Context, id string) (bool, error)
	Sample(ctx context.Context) (string, error)

	Find(f Filter) (IdSet, error)
	Except(f Filter) (IdSet, error)
	Combine(f Filter) (IdSet, error)
	Union(f Filter) (IdSet, error)
}

func sortedFields(f Filter) []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func indexKeys(ns keys.Namespace, fields classes.Fields, name string, values []string) ([]string, error) {
	i := fields.FindName(name)
	if i < 0 || !fields[i].Index {
		return nil, sohm_errors.ErrIndexNotFound
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, ns.Index(name, v))
	}
	return out, nil
}

// compile builds the intersection-of-per-field-unions form of a
// filter. Undeclared fields are rejected before any store command is
// issued.
func compile(ns keys.Namespace, fields classes.Fields, f Filter) (*node, error) {
	var parts []*node
	for _, name := range sortedFields(f) {
		ks, err := indexKeys(ns, fields, name, f[name])
		if err != nil {
			return nil, err
		}
		var sources []*node
		for _, k := range ks {
			sources = append(sources, source(k))
		}
		parts = append(parts, operator(opUnion, sources...))
	}
	return operator(opInter, parts...), nil
}

// compileUnion builds the flat union across every (field, value) pair
// of a filter, the broadened form used by Except and Combine.
func compileUnion(ns keys.Namespace, fields classes.Fields, f Filter) (*node, error) {
	var sources []*node
	for _, name := range sortedFields(f) {
		ks, err := indexKeys(ns, fields, name, f[name])
		if err != nil {
			return nil, err
		}
		for _, k := range ks {
			sources = append(sources, source(k))
		}
	}
	return operator(opUnion, sources...), nil
}

// Find compiles a fresh filter against a class. A one-field one-value
// filter resolves to a directly mutable Set; everything else becomes a
// derived MultiSet.
func Find(conn store.Conn, ns keys.Namespace, fields classes.Fields, f Filter) (IdSet, error) {
	root, err := compile(ns, fields, f)
	if err != nil {
		return nil, err
	}
	if root.op == opSource {
		return &Set{conn: conn, ns: ns, fields: fields, key: root.key}, nil
	}
	return &MultiSet{conn: conn, ns: ns, fields: fields, root: root}, nil
}

// NewSet wraps an existing store set key (an index set, or the
// class-wide _all set) as a single-filter Set.
func NewSet(conn store.Conn, ns keys.Namespace, fields classes.Fields, key string) *Set {
	return &Set{conn: conn, ns: ns, fields: fields, key: key}
}
