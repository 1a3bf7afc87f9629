// Package sohm is a data-mapping layer over a Redis-like key-value
// store: persisted objects with attributes, secondary indices, atomic
// counters, ordered lists and set relations. The store stays the
// single source of truth; the only place concurrent mutation is truly
// serialized is the store-side check-and-set routine guarding the
// serial attribute group.
package sohm

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/xxuejie/sohm/classes"
	"github.com/xxuejie/sohm/counters"
	"github.com/xxuejie/sohm/guard"
	"github.com/xxuejie/sohm/keys"
	"github.com/xxuejie/sohm/query"
	"github.com/xxuejie/sohm/sohm_errors"
	"github.com/xxuejie/sohm/store"
	"github.com/xxuejie/sohm/utils"
)

type Options struct {
	Logger              utils.Logger
	Store               store.Options
	CounterUpdatePeriod time.Duration
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

// Sohm binds a store connection to an explicit registry of classes.
// Every mapper value holds its own connection; there is no process
// singleton.
type Sohm struct {
	conn     store.Conn
	st       *store.PebbleStore
	log      utils.Logger
	registry *classes.Registry
	opts     Options
}

// Open creates a mapper over the pebble reference store at dir and
// mounts the check-and-set routine on it.
func Open(dir string, opts Options) (*Sohm, error) {
	opts.SetDefaults()
	if opts.Store.Logger == nil {
		opts.Store.Logger = opts.Logger
	}
	st, err := store.Open(dir, opts.Store)
	if err != nil {
		return nil, err
	}
	st.RegisterRoutine(guard.Body, guard.Handler)
	return &Sohm{conn: st, st: st, log: opts.Logger, registry: classes.NewRegistry(), opts: opts}, nil
}

// New wraps an existing store connection. The connection must be able
// to execute guard.Body.
func New(conn store.Conn, opts Options) *Sohm {
	opts.SetDefaults()
	return &Sohm{conn: conn, log: opts.Logger, registry: classes.NewRegistry(), opts: opts}
}

func (s *Sohm) Close() error {
	if s.st != nil {
		return s.st.Close()
	}
	return nil
}

func (s *Sohm) Conn() store.Conn {
	return s.conn
}

// Collector returns a prometheus collector for the underlying pebble
// store, or nil for external connections.
func (s *Sohm) Collector() *store.PebbleCollector {
	if s.st == nil {
		return nil
	}
	return store.NewPebbleCollector(s.st)
}

// Register declares a class. All classes are registered up front;
// lookups never resolve lazily.
func (s *Sohm) Register(name string, fields ...classes.Field) (*classes.Class, error) {
	for _, f := range fields {
		if isReservedField(f.Name) {
			return nil, sohm_errors.ErrBadClass
		}
	}
	class := &classes.Class{Name: name, Fields: fields}
	if err := s.registry.Register(class); err != nil {
		return nil, err
	}
	return class, nil
}

// hash fields claimed by the mapper itself
func isReservedField(name string) bool {
	return name == "attrs" || name == "serial" || name == "cas" || strings.HasPrefix(name, "cnt:")
}

func (s *Sohm) Class(name string) (*classes.Class, error) {
	return s.registry.Get(name)
}

func namespace(class *classes.Class) keys.Namespace {
	return keys.Namespace{Class: class.Name}
}

// All returns the mutable set of every persisted id of a class.
func (s *Sohm) All(className string) (*query.Set, error) {
	class, err := s.registry.Get(className)
	if err != nil {
		return nil, err
	}
	ns := namespace(class)
	return query.NewSet(s.conn, ns, class.Fields, ns.All()), nil
}

// Find compiles a filter over the class's declared indexes. Filters on
// undeclared fields fail with ErrIndexNotFound before any store
// command is issued.
func (s *Sohm) Find(className string, f query.Filter) (query.IdSet, error) {
	class, err := s.registry.Get(className)
	if err != nil {
		return nil, err
	}
	return query.Find(s.conn, namespace(class), class.Fields, f)
}

// Counter resolves a declared counter field of a persisted object.
func (s *Sohm) Counter(className, id, field string) (*counters.Counter, error) {
	class, err := s.registry.Get(className)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, sohm_errors.ErrMissingIdentity
	}
	i := class.Fields.FindName(field)
	if i < 0 {
		return nil, sohm_errors.ErrFieldUnknown
	}
	if class.Fields[i].Kind != classes.Counter {
		return nil, sohm_errors.ErrBadFieldValue
	}
	ns := namespace(class)
	return counters.New(s.conn, ns.Object(id), "cnt:"+field, s.opts.CounterUpdatePeriod), nil
}

// Exists reports whether an object hash is present in the store.
func (s *Sohm) Exists(ctx context.Context, className, id string) (bool, error) {
	class, err := s.registry.Get(className)
	if err != nil {
		return false, err
	}
	if id == "" {
		return false, sohm_errors.ErrMissingIdentity
	}
	return s.conn.Exists(ctx, namespace(class).Object(id))
}
