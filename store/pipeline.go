package store

import (
	"context"
	"sync"
)

// The batched command channel. Commands queue locally and hit the
// store in one flush; the backend serializes flushes on its single
// shared mutex, so two callers' queued commands never interleave
// within a flush. One flush is all-or-nothing: a mid-flush failure
// leaves none of its commands applied.

type opCode byte

const (
	opHGetAll opCode = iota
	opHSet
	opHDel
	opSAdd
	opSRem
	opSMembers
	opDel
	opIncr
)

type op struct {
	code    opCode
	key     string
	fields  map[string][]byte
	names   []string
	hashRes *HashResult
	strsRes *StringsResult
	intRes  *IntResult
}

// HashResult holds a queued hash read; Val is set after Flush.
type HashResult struct{ val map[string][]byte }

func (r *HashResult) Val() map[string][]byte { return r.val }

type StringsResult struct{ val []string }

func (r *StringsResult) Val() []string { return r.val }

type IntResult struct{ val int64 }

func (r *IntResult) Val() int64 { return r.val }

type batcher interface {
	applyBatch(ctx context.Context, ops []*op) error
}

type Pipeline struct {
	b    batcher
	lock sync.Mutex
	ops  []*op
}

func newPipeline(b batcher) *Pipeline {
	return &Pipeline{b: b}
}

func (p *Pipeline) enqueue(o *op) {
	p.lock.Lock()
	p.ops = append(p.ops, o)
	p.lock.Unlock()
}

func (p *Pipeline) HGetAll(key string) *HashResult {
	res := &HashResult{}
	p.enqueue(&op{code: opHGetAll, key: key, hashRes: res})
	return res
}

func (p *Pipeline) HSet(key string, fields map[string][]byte) {
	p.enqueue(&op{code: opHSet, key: key, fields: fields})
}

func (p *Pipeline) HDel(key string, fields ...string) {
	p.enqueue(&op{code: opHDel, key: key, names: fields})
}

func (p *Pipeline) SAdd(key string, members ...string) {
	p.enqueue(&op{code: opSAdd, key: key, names: members})
}

func (p *Pipeline) SRem(key string, members ...string) {
	p.enqueue(&op{code: opSRem, key: key, names: members})
}

func (p *Pipeline) SMembers(key string) *StringsResult {
	res := &StringsResult{}
	p.enqueue(&op{code: opSMembers, key: key, strsRes: res})
	return res
}

func (p *Pipeline) Del(keys ...string) {
	p.enqueue(&op{code: opDel, names: keys})
}

func (p *Pipeline) Incr(key string) *IntResult {
	res := &IntResult{}
	p.enqueue(&op{code: opIncr, key: key, intRes: res})
	return res
}

// Flush executes the queued commands and fills their results. The
// queue is consumed whether or not the flush succeeds.
func (p *Pipeline) Flush(ctx context.Context) error {
	p.lock.Lock()
	ops := p.ops
	p.ops = nil
	p.lock.Unlock()
	if len(ops) == 0 {
		return nil
	}
	return p.b.applyBatch(ctx, ops)
}

// Len reports the number of queued, not yet flushed commands.
func (p *Pipeline) Len() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.ops)
}
