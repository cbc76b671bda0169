// Package pool provides a generic object pool for backend-native buffers.
package pool

import (
	"runtime"
	"sync"

	"go.uber.org/atomic"
)

// Pool recycles objects; anything dropped without Put is freed by a finalizer.
type Pool[T any] struct {
	pool        sync.Pool
	resetFunc   func(*T)
	outstanding atomic.Int64
}

func NewPool[T any](
	allocFunc func() *T,
	resetFunc func(*T),
	freeFunc func(*T),
) *Pool[T] {
	return &Pool[T]{
		pool: sync.Pool{
			New: func() any {
				v := allocFunc()
				runtime.SetFinalizer(v, func(v *T) {
					freeFunc(v)
				})
				return v
			},
		},
		resetFunc: resetFunc,
	}
}

func (p *Pool[T]) Get() *T {
	p.outstanding.Inc()
	return p.pool.Get().(*T)
}

func (p *Pool[T]) Put(items ...*T) {
	for _, item := range items {
		if item == nil {
			continue
		}
		p.outstanding.Dec()
		p.resetFunc(item)
		p.pool.Put(item)
	}
}

// Outstanding is the number of objects taken and not returned yet.
func (p *Pool[T]) Outstanding() int64 {
	return p.outstanding.Load()
}
