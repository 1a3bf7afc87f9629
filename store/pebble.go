package store

import (
	"context"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/learn-decentralized-systems/toytlv"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/xxuejie/sohm/sohm_errors"
	"github.com/xxuejie/sohm/utils"
)

// Pebble key layout, one section letter per data shape:
//
//	'H' + key + NUL + field  -> hash field value
//	'S' + key + NUL + member -> empty (set membership)
//	'L' + key                -> TLV-encoded list blob
//	'K' + key                -> scalar (decimal integers for Incr)
var ErrBadListBlob = errors.New("sohm: corrupt list blob")

const (
	secHash   byte = 'H'
	secSet    byte = 'S'
	secList   byte = 'L'
	secScalar byte = 'K'

	sep byte = 0
)

type Options struct {
	Logger           utils.Logger
	LoadedRoutineCap int
	Pebble           pebble.Options
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelError)
	}
	if o.LoadedRoutineCap == 0 {
		o.LoadedRoutineCap = 128
	}
}

// PebbleStore is the reference Conn implementation. One mutex is the
// single serialization point: every command, flush, and routine call
// holds it for its whole duration.
type PebbleStore struct {
	db   *pebble.DB
	wo   *pebble.WriteOptions
	lock sync.Mutex
	log  utils.Logger

	known  *xsync.MapOf[string, Routine]
	loaded *lru.Cache[string, struct{}]
}

func Open(dir string, opts Options) (*PebbleStore, error) {
	opts.SetDefaults()
	db, err := pebble.Open(dir, &opts.Pebble)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open pebble store at %s", dir)
	}
	loaded, _ := lru.New[string, struct{}](opts.LoadedRoutineCap)
	return &PebbleStore{
		db:     db,
		wo:     pebble.NoSync,
		log:    opts.Logger,
		known:  xsync.NewMapOf[string, Routine](),
		loaded: loaded,
	}, nil
}

func (s *PebbleStore) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.db == nil {
		return sohm_errors.ErrClosed
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *PebbleStore) Pipeline() *Pipeline {
	return newPipeline(s)
}

// Database exposes the underlying pebble handle for metrics collection.
func (s *PebbleStore) Database() *pebble.DB {
	return s.db
}

func subKey(section byte, key, sub string) []byte {
	out := make([]byte, 0, 2+len(key)+len(sub))
	out = append(out, section)
	out = append(out, key...)
	out = append(out, sep)
	out = append(out, sub...)
	return out
}

func plainKey(section byte, key string) []byte {
	out := make([]byte, 0, 1+len(key))
	out = append(out, section)
	out = append(out, key...)
	return out
}

// subRange covers every sub-entry of one logical key. The separator is
// NUL, so 0x01 right after the key bounds the range.
func subRange(section byte, key string) (lo, hi []byte) {
	lo = append(plainKey(section, key), sep)
	hi = append(plainKey(section, key), sep+1)
	return
}

func prefixEnd(b []byte) []byte {
	end := append([]byte(nil), b...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

type kvWriter interface {
	Set(key, value []byte, o *pebble.WriteOptions) error
	Delete(key []byte, o *pebble.WriteOptions) error
	DeleteRange(start, end []byte, o *pebble.WriteOptions) error
}

func get(r pebble.Reader, key []byte) ([]byte, bool, error) {
	val, closer, err := r.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out := append([]byte(nil), val...)
	_ = closer.Close()
	return out, true, nil
}

func (s *PebbleStore) hashGetAll(r pebble.Reader, key string) (map[string][]byte, error) {
	lo, hi := subRange(secHash, key)
	it, err := r.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	fields := make(map[string][]byte)
	for valid := it.First(); valid; valid = it.Next() {
		field := string(it.Key()[len(lo):])
		fields[field] = append([]byte(nil), it.Value()...)
	}
	return fields, it.Error()
}

func (s *PebbleStore) hashSet(w kvWriter, key string, fields map[string][]byte) error {
	for field, value := range fields {
		if err := w.Set(subKey(secHash, key, field), value, s.wo); err != nil {
			return err
		}
	}
	return nil
}

func (s *PebbleStore) hashDel(w kvWriter, key string, fields []string) error {
	for _, field := range fields {
		if err := w.Delete(subKey(secHash, key, field), s.wo); err != nil {
			return err
		}
	}
	return nil
}

func (s *PebbleStore) numIncr(r pebble.Reader, w kvWriter, key []byte, delta int64) (int64, error) {
	raw, ok, err := get(r, key)
	if err != nil {
		return 0, err
	}
	var cur int64
	if ok {
		cur, err = strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, err
		}
	}
	cur += delta
	return cur, w.Set(key, []byte(strconv.FormatInt(cur, 10)), s.wo)
}

func (s *PebbleStore) setAdd(w kvWriter, key string, members []string) error {
	for _, m := range members {
		if err := w.Set(subKey(secSet, key, m), nil, s.wo); err != nil {
			return err
		}
	}
	return nil
}

func (s *PebbleStore) setRem(w kvWriter, key string, members []string) error {
	for _, m := range members {
		if err := w.Delete(subKey(secSet, key, m), s.wo); err != nil {
			return err
		}
	}
	return nil
}

func (s *PebbleStore) setMembers(r pebble.Reader, key string) ([]string, error) {
	lo, hi := subRange(secSet, key)
	it, err := r.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var members []string
	for valid := it.First(); valid; valid = it.Next() {
		members = append(members, string(it.Key()[len(lo):]))
	}
	return members, it.Error()
}

// setReplace makes dst hold exactly members, dropping whatever was
// there before.
func (s *PebbleStore) setReplace(w kvWriter, dst string, members []string) error {
	lo, hi := subRange(secSet, dst)
	if err := w.DeleteRange(lo, hi, s.wo); err != nil {
		return err
	}
	return s.setAdd(w, dst, members)
}

func (s *PebbleStore) listGet(r pebble.Reader, key string) ([][]byte, error) {
	blob, ok, err := get(r, plainKey(secList, key))
	if err != nil || !ok {
		return nil, err
	}
	var elems [][]byte
	for len(blob) > 0 {
		body, rest := toytlv.Take('E', blob)
		if body == nil {
			return nil, ErrBadListBlob
		}
		elems = append(elems, body)
		blob = rest
	}
	return elems, nil
}

func (s *PebbleStore) listSet(w kvWriter, key string, elems [][]byte) error {
	k := plainKey(secList, key)
	if len(elems) == 0 {
		return w.Delete(k, s.wo)
	}
	var blob []byte
	for _, e := range elems {
		blob = append(blob, toytlv.Record('E', e)...)
	}
	return w.Set(k, blob, s.wo)
}

func (s *PebbleStore) delKey(w kvWriter, key string) error {
	for _, section := range []byte{secHash, secSet} {
		lo, hi := subRange(section, key)
		if err := w.DeleteRange(lo, hi, s.wo); err != nil {
			return err
		}
	}
	if err := w.Delete(plainKey(secList, key), s.wo); err != nil {
		return err
	}
	return w.Delete(plainKey(secScalar, key), s.wo)
}

func (s *PebbleStore) existsKey(r pebble.Reader, key string) (bool, error) {
	for _, section := range []byte{secList, secScalar} {
		if _, ok, err := get(r, plainKey(section, key)); err != nil || ok {
			return ok, err
		}
	}
	for _, section := range []byte{secHash, secSet} {
		lo, hi := subRange(section, key)
		it, err := r.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
		if err != nil {
			return false, err
		}
		found := it.First()
		err = it.Error()
		_ = it.Close()
		if err != nil || found {
			return found, err
		}
	}
	return false, nil
}

func (s *PebbleStore) scanKeys(r pebble.Reader, prefix string, into map[string]struct{}) error {
	for _, section := range []byte{secHash, secSet, secList, secScalar} {
		lo := plainKey(section, prefix)
		it, err := r.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: prefixEnd(lo)})
		if err != nil {
			return err
		}
		for valid := it.First(); valid; valid = it.Next() {
			k := it.Key()
			if len(k) == 0 || k[0] != section {
				break
			}
			logical := k[1:]
			if section == secHash || section == secSet {
				for i := 0; i < len(logical); i++ {
					if logical[i] == sep {
						logical = logical[:i]
						break
					}
				}
			}
			if len(logical) >= len(prefix) && string(logical[:len(prefix)]) == prefix {
				into[string(logical)] = struct{}{}
			}
		}
		err = it.Error()
		_ = it.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *PebbleStore) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	CommandCount.WithLabelValues("hgetall").Inc()
	return s.hashGetAll(s.db, key)
}

func (s *PebbleStore) HSet(ctx context.Context, key string, fields map[string][]byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	CommandCount.WithLabelValues("hset").Inc()
	return s.hashSet(s.db, key, fields)
}

func (s *PebbleStore) HDel(ctx context.Context, key string, fields ...string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	CommandCount.WithLabelValues("hdel").Inc()
	return s.hashDel(s.db, key, fields)
}

func (s *PebbleStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	CommandCount.WithLabelValues("hincrby").Inc()
	return s.numIncr(s.db, s.db, subKey(secHash, key, field), delta)
}

func (s *PebbleStore) Incr(ctx context.Context, key string) (int64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	CommandCount.WithLabelValues("incr").Inc()
	return s.numIncr(s.db, s.db, plainKey(secScalar, key), 1)
}

func (s *PebbleStore) SAdd(ctx context.Context, key string, members ...string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	CommandCount.WithLabelValues("sadd").Inc()
	return s.setAdd(s.db, key, members)
}

func (s *PebbleStore) SRem(ctx context.Context, key string, members ...string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	CommandCount.WithLabelValues("srem").Inc()
	return s.setRem(s.db, key, members)
}

func (s *PebbleStore) SMembers(ctx context.Context, key string) ([]string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	CommandCount.WithLabelValues("smembers").Inc()
	return s.setMembers(s.db, key)
}

func (s *PebbleStore) SCard(ctx context.Context, key string) (int64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	CommandCount.WithLabelValues("scard").Inc()
	members, err := s.setMembers(s.db, key)
	return int64(len(members)), err
}

func (s *PebbleStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	CommandCount.WithLabelValues("sismember").Inc()
	_, ok, err := get(s.db, subKey(secSet, key, member))
	return ok, err
}

func (s *PebbleStore) SRandMember(ctx context.Context, key string) (string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	CommandCount.WithLabelValues("srandmember").Inc()
	members, err := s.setMembers(s.db, key)
	if err != nil || len(members) == 0 {
		return "", err
	}
	return members[rand.Intn(len(members))], nil
}

func (s *PebbleStore) storeSetOp(dst string, srcs []string, combine func(acc map[string]struct{}, next []string) map[string]struct{}) (int64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	var acc map[string]struct{}
	for _, src := range srcs {
		members, err := s.setMembers(s.db, src)
		if err != nil {
			return 0, err
		}
		acc = combine(acc, members)
	}
	out := make([]string, 0, len(acc))
	for m := range acc {
		out = append(out, m)
	}
	batch := s.db.NewBatch()
	if err := s.setReplace(batch, dst, out); err != nil {
		_ = batch.Close()
		return 0, err
	}
	if err := batch.Commit(s.wo); err != nil {
		return 0, err
	}
	return int64(len(out)), nil
}

func asSet(members []string) map[string]struct{} {
	out := make(map[string]struct{}, len(members))
	for _, m := range members {
		out[m] = struct{}{}
	}
	return out
}

func (s *PebbleStore) SInterStore(ctx context.Context, dst string, srcs ...string) (int64, error) {
	CommandCount.WithLabelValues("sinterstore").Inc()
	return s.storeSetOp(dst, srcs, func(acc map[string]struct{}, next []string) map[string]struct{} {
		if acc == nil {
			return asSet(next)
		}
		keep := make(map[string]struct{})
		for _, m := range next {
			if _, ok := acc[m]; ok {
				keep[m] = struct{}{}
			}
		}
		return keep
	})
}

func (s *PebbleStore) SUnionStore(ctx context.Context, dst string, srcs ...string) (int64, error) {
	CommandCount.WithLabelValues("sunionstore").Inc()
	return s.storeSetOp(dst, srcs, func(acc map[string]struct{}, next []string) map[string]struct{} {
		if acc == nil {
			acc = make(map[string]struct{})
		}
		for _, m := range next {
			acc[m] = struct{}{}
		}
		return acc
	})
}

func (s *PebbleStore) SDiffStore(ctx context.Context, dst string, srcs ...string) (int64, error) {
	CommandCount.WithLabelValues("sdiffstore").Inc()
	return s.storeSetOp(dst, srcs, func(acc map[string]struct{}, next []string) map[string]struct{} {
		if acc == nil {
			return asSet(next)
		}
		for _, m := range next {
			delete(acc, m)
		}
		return acc
	})
}

func (s *PebbleStore) RPush(ctx context.Context, key string, values ...[]byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	CommandCount.WithLabelValues("rpush").Inc()
	elems, err := s.listGet(s.db, key)
	if err != nil {
		return err
	}
	return s.listSet(s.db, key, append(elems, values...))
}

func (s *PebbleStore) LPop(ctx context.Context, key string) ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	CommandCount.WithLabelValues("lpop").Inc()
	elems, err := s.listGet(s.db, key)
	if err != nil || len(elems) == 0 {
		return nil, err
	}
	head := elems[0]
	if err = s.listSet(s.db, key, elems[1:]); err != nil {
		return nil, err
	}
	return head, nil
}

func (s *PebbleStore) LRange(ctx context.Context, key string) ([][]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	CommandCount.WithLabelValues("lrange").Inc()
	return s.listGet(s.db, key)
}

func (s *PebbleStore) LLen(ctx context.Context, key string) (int64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	CommandCount.WithLabelValues("llen").Inc()
	elems, err := s.listGet(s.db, key)
	return int64(len(elems)), err
}

func (s *PebbleStore) Exists(ctx context.Context, key string) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	CommandCount.WithLabelValues("exists").Inc()
	return s.existsKey(s.db, key)
}

func (s *PebbleStore) Del(ctx context.Context, keys ...string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	CommandCount.WithLabelValues("del").Inc()
	batch := s.db.NewBatch()
	for _, key := range keys {
		if err := s.delKey(batch, key); err != nil {
			_ = batch.Close()
			return err
		}
	}
	return batch.Commit(s.wo)
}

func (s *PebbleStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	CommandCount.WithLabelValues("keys").Inc()
	found := make(map[string]struct{})
	if err := s.scanKeys(s.db, prefix, found); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(found))
	for k := range found {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *PebbleStore) applyBatch(ctx context.Context, ops []*op) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	FlushSize.Observe(float64(len(ops)))
	batch := s.db.NewIndexedBatch()
	err := s.runOps(batch, batch, ops)
	if err != nil {
		_ = batch.Close()
		return err
	}
	return batch.Commit(s.wo)
}

func (s *PebbleStore) runOps(r pebble.Reader, w kvWriter, ops []*op) error {
	for _, o := range ops {
		var err error
		switch o.code {
		case opHGetAll:
			o.hashRes.val, err = s.hashGetAll(r, o.key)
		case opHSet:
			err = s.hashSet(w, o.key, o.fields)
		case opHDel:
			err = s.hashDel(w, o.key, o.names)
		case opSAdd:
			err = s.setAdd(w, o.key, o.names)
		case opSRem:
			err = s.setRem(w, o.key, o.names)
		case opSMembers:
			o.strsRes.val, err = s.setMembers(r, o.key)
		case opDel:
			for _, key := range o.names {
				if err = s.delKey(w, key); err != nil {
					break
				}
			}
		case opIncr:
			o.intRes.val, err = s.numIncr(r, w, plainKey(secScalar, o.key), 1)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
