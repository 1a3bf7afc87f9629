// Package store defines the command surface the mapper needs from a
// Redis-like key-value store, and ships a pebble-backed reference
// implementation of it.
//
// The surface is an abstract capability set, not a literal wire
// protocol: hash get-all/set/increment, set add/remove/members/
// cardinality/random-member/is-member, set-store intersect/union/
// difference (result written to a key), list push/pop, key existence/
// deletion/enumeration, and an atomic-routine execution facility with
// content-addressable fingerprints.
//
// Logical keys are hierarchical strings ("Person:1:_indices") and must
// not contain NUL; the pebble backend uses NUL as its section
// separator. Keys and SCard scan key ranges, so they are O(n) in the
// reference backend.
package store

import (
	"context"
)

// Conn is one store connection. Implementations must be safe for
// concurrent use; every mutating call is atomic at the store.
type Conn interface {
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)
	HSet(ctx context.Context, key string, fields map[string][]byte) error
	HDel(ctx context.Context, key string, fields ...string) error
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	Incr(ctx context.Context, key string) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SRandMember(ctx context.Context, key string) (string, error)
	SInterStore(ctx context.Context, dst string, srcs ...string) (int64, error)
	SUnionStore(ctx context.Context, dst string, srcs ...string) (int64, error)
	SDiffStore(ctx context.Context, dst string, srcs ...string) (int64, error)

	RPush(ctx context.Context, key string, values ...[]byte) error
	LPop(ctx context.Context, key string) ([]byte, error)
	LRange(ctx context.Context, key string) ([][]byte, error)
	LLen(ctx context.Context, key string) (int64, error)

	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Eval runs a previously loaded routine by fingerprint. Returns
	// sohm_errors.ErrRoutineUnknown when the fingerprint is not in the
	// store's loaded cache; the caller is expected to LoadRoutine the
	// full body and retry.
	Eval(ctx context.Context, fingerprint string, keys []string, args [][]byte) ([][]byte, error)
	LoadRoutine(ctx context.Context, body []byte) (fingerprint string, err error)

	Pipeline() *Pipeline

	Close() error
}

// Tx is the store-side view a routine executes against. All reads and
// writes made through a Tx become visible atomically when the routine
// returns without error, and not at all otherwise.
type Tx interface {
	HGet(key, field string) (value []byte, ok bool, err error)
	HSet(key string, fields map[string][]byte) error
	Del(key string) error
}

// Routine is a store-side procedure. The body it was registered under
// is its identity; fingerprints are derived from the body alone.
type Routine func(tx Tx, keys []string, args [][]byte) ([][]byte, error)
