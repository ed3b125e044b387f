package ar

import (
	"context"
	"sync"
)

// Gate admits one connect sequence at a time, process-wide.
type Gate struct {
	slot chan struct{}
}

func NewGate() *Gate {
	return &Gate{slot: make(chan struct{}, 1)}
}

// Acquire blocks until the gate is free or ctx ends. The returned
// release func is idempotent.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	select {
	case g.slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-g.slot }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
