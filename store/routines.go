package store

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash"
	"github.com/cockroachdb/pebble"
	"github.com/xxuejie/sohm/sohm_errors"
)

// Atomic routines. A routine body is content-addressed: its
// fingerprint is derived from the body bytes alone, so any two
// clients holding the same body agree on the fingerprint without
// talking to the store.
//
// The store keeps two tables. The permanent one maps fingerprints of
// registered bodies to their handlers; the loaded cache holds the
// fingerprints currently callable via Eval. The loaded cache is an
// LRU, so entries can be evicted at any time, and a fresh store
// starts with it empty. Callers therefore follow a two-step protocol:
// Eval by fingerprint, and on ErrRoutineUnknown submit the full body
// via LoadRoutine and retry.

// Fingerprint derives the content address of a routine body.
func Fingerprint(body []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(body))
}

// RegisterRoutine installs the handler backing a routine body and
// returns its fingerprint. Registration only declares capability; the
// routine still has to be loaded before Eval accepts it.
func (s *PebbleStore) RegisterRoutine(body []byte, fn Routine) string {
	fp := Fingerprint(body)
	s.known.Store(fp, fn)
	return fp
}

func (s *PebbleStore) LoadRoutine(ctx context.Context, body []byte) (string, error) {
	fp := Fingerprint(body)
	if _, ok := s.known.Load(fp); !ok {
		return "", sohm_errors.ErrRoutineUnsupported
	}
	s.loaded.Add(fp, struct{}{})
	return fp, nil
}

// FlushRoutines drops the loaded-routine cache, as a store restart or
// cache flush would.
func (s *PebbleStore) FlushRoutines() {
	s.loaded.Purge()
}

func (s *PebbleStore) Eval(ctx context.Context, fingerprint string, keys []string, args [][]byte) ([][]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.loaded.Get(fingerprint); !ok {
		RoutineCalls.WithLabelValues("unknown").Inc()
		return nil, sohm_errors.ErrRoutineUnknown
	}
	fn, ok := s.known.Load(fingerprint)
	if !ok {
		RoutineCalls.WithLabelValues("unknown").Inc()
		return nil, sohm_errors.ErrRoutineUnknown
	}
	batch := s.db.NewIndexedBatch()
	res, err := fn(&routineTx{s: s, batch: batch}, keys, args)
	if err != nil {
		RoutineCalls.WithLabelValues("error").Inc()
		_ = batch.Close()
		return nil, err
	}
	if err = batch.Commit(s.wo); err != nil {
		RoutineCalls.WithLabelValues("error").Inc()
		return nil, err
	}
	RoutineCalls.WithLabelValues("ok").Inc()
	return res, nil
}

// routineTx stages a routine's effects in one indexed batch; the batch
// commits only when the routine returns without error.
type routineTx struct {
	s     *PebbleStore
	batch *pebble.Batch
}

func (tx *routineTx) HGet(key, field string) ([]byte, bool, error) {
	return get(tx.batch, subKey(secHash, key, field))
}

func (tx *routineTx) HSet(key string, fields map[string][]byte) error {
	return tx.s.hashSet(tx.batch, key, fields)
}

func (tx *routineTx) Del(key string) error {
	return tx.s.delKey(tx.batch, key)
}
