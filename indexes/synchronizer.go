package indexes

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/xxuejie/sohm/classes"
	"github.com/xxuejie/sohm/keys"
	"github.com/xxuejie/sohm/store"
	"github.com/xxuejie/sohm/utils"
)

var SyncCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sohm",
	Subsystem: "indexes",
	Name:      "sync",
}, []string{"class"})

var StaleRemoved = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sohm",
	Subsystem: "indexes",
	Name:      "stale_removed",
}, []string{"class"})

// ValuesFn reports the current values of every declared index field,
// keyed by field name. It is called more than once per sync and must
// evaluate against persisted state, so that values derived from other
// attributes see what actually landed in the store.
type ValuesFn func(ctx context.Context) (map[string][]string, error)

type Synchronizer struct {
	conn store.Conn
	ns   keys.Namespace
	log  utils.Logger
}

func NewSynchronizer(conn store.Conn, ns keys.Namespace, log utils.Logger) *Synchronizer {
	return &Synchronizer{conn: conn, ns: ns, log: log}
}

func (sy *Synchronizer) validKeys(fields classes.Fields, values map[string][]string) map[string]struct{} {
	valid := make(map[string]struct{})
	for _, f := range fields {
		for _, v := range values[f.Name] {
			valid[sy.ns.Index(f.Name, v)] = struct{}{}
		}
	}
	return valid
}

// Sync reconciles the index sets with the object's current attribute
// values. See the package doc for the two-phase protocol.
func (sy *Synchronizer) Sync(ctx context.Context, id string, fields classes.Fields, current ValuesFn) error {
	SyncCount.WithLabelValues(sy.ns.Class).Inc()
	manifest := sy.ns.Manifest(id)

	values, err := current(ctx)
	if err != nil {
		return err
	}
	pipe := sy.conn.Pipeline()
	for key := range sy.validKeys(fields, values) {
		pipe.SAdd(key, id)
		pipe.SAdd(manifest, key)
	}
	if err = pipe.Flush(ctx); err != nil {
		return err
	}

	stored, err := sy.conn.SMembers(ctx, manifest)
	if err != nil {
		return err
	}
	// re-derive the valid set from persisted state, never from the
	// manifest or any in-memory snapshot
	values, err = current(ctx)
	if err != nil {
		return err
	}
	valid := sy.validKeys(fields, values)
	pipe = sy.conn.Pipeline()
	stale := 0
	for _, key := range stored {
		if _, ok := valid[key]; ok {
			continue
		}
		pipe.SRem(key, id)
		pipe.SRem(manifest, key)
		stale++
	}
	if stale == 0 {
		return nil
	}
	StaleRemoved.WithLabelValues(sy.ns.Class).Add(float64(stale))
	sy.log.DebugCtx(ctx, "removing stale index memberships", "class", sy.ns.Class, "id", id, "stale", stale)
	return pipe.Flush(ctx)
}

// Remove drops the object from every index set it belongs to and
// deletes its manifest.
func (sy *Synchronizer) Remove(ctx context.Context, id string) error {
	manifest := sy.ns.Manifest(id)
	stored, err := sy.conn.SMembers(ctx, manifest)
	if err != nil {
		return err
	}
	pipe := sy.conn.Pipeline()
	for _, key := range stored {
		pipe.SRem(key, id)
	}
	pipe.Del(manifest)
	return pipe.Flush(ctx)
}
