// Package guard implements the optimistic concurrency protocol for
// serial attributes: a single store-side check-and-set routine over a
// monotonically increasing cas token. The guard never retries a
// conflict; the caller owns reload-and-resubmit.
package guard

import (
	"bytes"
	"context"
	"errors"
	"strconv"

	"github.com/xxuejie/sohm/sohm_errors"
	"github.com/xxuejie/sohm/store"
)

// Body is the check-and-set routine submitted to the store. Its bytes
// are the routine's identity: the fingerprint both sides use is
// derived from them, so editing the text changes the fingerprint.
//
// KEYS[1] is the object hash. ARGV[1] is the caller's token in
// decimal, empty when the object never carried serial attributes.
// ARGV[2] is the serial payload, ARGV[3] an optional plain-attribute
// payload written in the same call.
var Body = []byte(`-- sohm check-and-set
local stored = hget(KEYS[1], 'cas')
if stored == false or stored == ARGV[1] then
  local token = (stored == false) and 1 or (stored + 1)
  hset(KEYS[1], 'cas', token, 'serial', ARGV[2])
  if ARGV[3] ~= nil then
    hset(KEYS[1], 'attrs', ARGV[3])
  end
  return token
end
return error('cas violation')
`)

// Fingerprint of Body, shared by every client.
var Fingerprint = store.Fingerprint(Body)

// Handler is the in-process implementation of Body for stores that
// execute routines natively. It runs inside the store's atomic scope;
// a returned error discards every staged write.
func Handler(tx store.Tx, keys []string, args [][]byte) ([][]byte, error) {
	key := keys[0]
	caller := args[0]
	stored, ok, err := tx.HGet(key, "cas")
	if err != nil {
		return nil, err
	}
	var token uint64 = 1
	if ok {
		if !bytes.Equal(stored, caller) {
			return nil, sohm_errors.ErrCasViolation
		}
		cur, err := strconv.ParseUint(string(stored), 10, 64)
		if err != nil {
			return nil, err
		}
		token = cur + 1
	}
	fields := map[string][]byte{
		"cas":    []byte(strconv.FormatUint(token, 10)),
		"serial": args[1],
	}
	if len(args) > 2 && args[2] != nil {
		fields["attrs"] = args[2]
	}
	if err = tx.HSet(key, fields); err != nil {
		return nil, err
	}
	return [][]byte{fields["cas"]}, nil
}

func tokenArg(token uint64) []byte {
	if token == 0 {
		return []byte{}
	}
	return []byte(strconv.FormatUint(token, 10))
}

// Update runs the check-and-set routine for key. token is the caller's
// current cas token, zero when absent. serial is the serial-attribute
// payload; attrs, when non-nil, is a plain-attribute payload persisted
// in the same atomic call. Returns the advanced token, or
// sohm_errors.ErrCasViolation with no mutation on a token mismatch.
//
// The routine is invoked by fingerprint first; when the store reports
// the fingerprint unknown the full body is loaded and the call retried
// once, so cold caches and store flushes stay transparent to callers.
func Update(ctx context.Context, conn store.Conn, key string, token uint64, serial, attrs []byte) (uint64, error) {
	args := [][]byte{tokenArg(token), serial}
	if attrs != nil {
		args = append(args, attrs)
	}
	keys := []string{key}
	res, err := conn.Eval(ctx, Fingerprint, keys, args)
	if errors.Is(err, sohm_errors.ErrRoutineUnknown) {
		if _, err = conn.LoadRoutine(ctx, Body); err != nil {
			return 0, err
		}
		res, err = conn.Eval(ctx, Fingerprint, keys, args)
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(string(res[0]), 10, 64)
}
