package query

import (
	"context"

	"github.com/xxuejie/sohm/classes"
	"github.com/xxuejie/sohm/keys"
	"github.com/xxuejie/sohm/store"
)

// Set is the single-filter shape: one existing index set, read
// directly with no evaluation or temp keys, and open to direct
// membership mutation.
type Set struct {
	conn   store.Conn
	ns     keys.Namespace
	fields classes.Fields
	key    string
}

func (s *Set) Key() string { return s.key }

func (s *Set) Members(ctx context.Context) ([]string, error) {
	return s.conn.SMembers(ctx, s.key)
}

func (s *Set) Size(ctx context.Context) (int64, error) {
	return s.conn.SCard(ctx, s.key)
}

func (s *Set) Contains(ctx context.Context, id string) (bool, error) {
	return s.conn.SIsMember(ctx, s.key, id)
}

func (s *Set) Sample(ctx context.Context) (string, error) {
	return s.conn.SRandMember(ctx, s.key)
}

func (s *Set) Add(ctx context.Context, ids ...string) error {
	return s.conn.SAdd(ctx, s.key, ids...)
}

func (s *Set) Remove(ctx context.Context, ids ...string) error {
	return s.conn.SRem(ctx, s.key, ids...)
}

func (s *Set) derive(root *node) IdSet {
	return &MultiSet{conn: s.conn, ns: s.ns, fields: s.fields, root: root}
}

func (s *Set) Find(f Filter) (IdSet, error) {
	sub, err := compile(s.ns, s.fields, f)
	if err != nil {
		return nil, err
	}
	return s.derive(operator(opInter, source(s.key), sub)), nil
}

func (s *Set) Except(f Filter) (IdSet, error) {
	sub, err := compileUnion(s.ns, s.fields, f)
	if err != nil {
		return nil, err
	}
	return s.derive(&node{op: opDiff, subs: []*node{source(s.key), sub}}), nil
}

func (s *Set) Combine(f Filter) (IdSet, error) {
	sub, err := compileUnion(s.ns, s.fields, f)
	if err != nil {
		return nil, err
	}
	return s.derive(operator(opInter, source(s.key), sub)), nil
}

func (s *Set) Union(f Filter) (IdSet, error) {
	sub, err := compile(s.ns, s.fields, f)
	if err != nil {
		return nil, err
	}
	return s.derive(operator(opUnion, source(s.key), sub)), nil
}

// MultiSet is the derived shape: a chain of set operations evaluated
// through disposable temp keys on every read. It has no mutation
// operations.
type MultiSet struct {
	conn   store.Conn
	ns     keys.Namespace
	fields classes.Fields
	root   *node
}

// evaluate materializes the tree depth-first. Every operator node gets
// a fresh temp key; source nodes reference index sets directly. On
// error all temp keys created so far are deleted before returning. On
// success the caller must run cleanup exactly once after consuming the
// root key.
func (m *MultiSet) evaluate(ctx context.Context) (root string, cleanup func(), err error) {
	var temps []string
	cleanup = func() {
		if len(temps) == 0 {
			return
		}
		// temps must go even when the request context died mid-evaluation
		_ = m.conn.Del(context.WithoutCancel(ctx), temps...)
	}
	var eval func(n *node) (string, error)
	eval = func(n *node) (string, error) {
		if n.op == opSource {
			return n.key, nil
		}
		srcs := make([]string, 0, len(n.subs))
		for _, sub := range n.subs {
			key, err := eval(sub)
			if err != nil {
				return "", err
			}
			srcs = append(srcs, key)
		}
		dst := m.ns.Temp()
		temps = append(temps, dst)
		switch n.op {
		case opInter:
			_, err = m.conn.SInterStore(ctx, dst, srcs...)
		case opUnion:
			_, err = m.conn.SUnionStore(ctx, dst, srcs...)
		case opDiff:
			_, err = m.conn.SDiffStore(ctx, dst, srcs...)
		}
		if err != nil {
			return "", err
		}
		return dst, nil
	}
	root, err = eval(m.root)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	return root, cleanup, nil
}

func (m *MultiSet) Members(ctx context.Context) ([]string, error) {
	key, cleanup, err := m.evaluate(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return m.conn.SMembers(ctx, key)
}

func (m *MultiSet) Size(ctx context.Context) (int64, error) {
	key, cleanup, err := m.evaluate(ctx)
	if err != nil {
		return 0, err
	}
	defer cleanup()
	return m.conn.SCard(ctx, key)
}

func (m *MultiSet) Contains(ctx context.Context, id string) (bool, error) {
	key, cleanup, err := m.evaluate(ctx)
	if err != nil {
		return false, err
	}
	defer cleanup()
	return m.conn.SIsMember(ctx, key, id)
}

func (m *MultiSet) Sample(ctx context.Context) (string, error) {
	key, cleanup, err := m.evaluate(ctx)
	if err != nil {
		return "", err
	}
	defer cleanup()
	return m.conn.SRandMember(ctx, key)
}

func (m *MultiSet) chain(op opcode, sub *node) IdSet {
	return &MultiSet{conn: m.conn, ns: m.ns, fields: m.fields, root: &node{op: op, subs: []*node{m.root, sub}}}
}

func (m *MultiSet) Find(f Filter) (IdSet, error) {
	sub, err := compile(m.ns, m.fields, f)
	if err != nil {
		return nil, err
	}
	return m.chain(opInter, sub), nil
}

func (m *MultiSet) Except(f Filter) (IdSet, error) {
	sub, err := compileUnion(m.ns, m.fields, f)
	if err != nil {
		return nil, err
	}
	return m.chain(opDiff, sub), nil
}

func (m *MultiSet) Combine(f Filter) (IdSet, error) {
	sub, err := compileUnion(m.ns, m.fields, f)
	if err != nil {
		return nil, err
	}
	return m.chain(opInter, sub), nil
}

func (m *MultiSet) Union(f Filter) (IdSet, error) {
	sub, err := compile(m.ns, m.fields, f)
	if err != nil {
		return nil, err
	}
	return m.chain(opUnion, sub), nil
}
