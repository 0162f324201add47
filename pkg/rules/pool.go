package rules

import (
	"sync"
	"sync/atomic"
)

// Pool hands out Evaluators so that each goroutine works with its own VM and caches.
// Evaluators are built lazily on first demand. There is no shared lock on the evaluation path.
type Pool struct {
	pool    sync.Pool
	created atomic.Int64
}

// NewPool creates a pool whose evaluators all share opts
func NewPool(opts Options) *Pool {
	p := &Pool{}
	p.pool.New = func() any {
		p.created.Add(1)
		return NewEvaluator(opts)
	}
	return p
}

// Acquire returns an evaluator owned exclusively by the caller until Release
func (p *Pool) Acquire() *Evaluator {
	return p.pool.Get().(*Evaluator)
}

// Release returns ev to the pool. The caller must not use ev afterwards.
func (p *Pool) Release(ev *Evaluator) {
	if ev != nil {
		p.pool.Put(ev)
	}
}

// Created returns how many evaluators have been constructed so far
func (p *Pool) Created() int64 {
	return p.created.Load()
}
