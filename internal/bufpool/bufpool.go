// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles the buffers outbound packets are encoded into.
package bufpool

import (
	"bytes"
	"sync"
)

// Pool hands out reset buffers. Buffers grown beyond the pool's limit are
// dropped on Put so that one large packet does not pin memory.
type Pool struct {
	pool   sync.Pool
	maxCap int
}

// New creates a pool of buffers preallocated to initialCap bytes that keeps
// buffers of at most maxCap bytes.
func New(initialCap, maxCap int) *Pool {
	p := &Pool{maxCap: maxCap}
	p.pool.New = func() any {
		return bytes.NewBuffer(make([]byte, 0, initialCap))
	}
	return p
}

// Get returns an empty buffer.
func (p *Pool) Get() *bytes.Buffer {
	b := p.pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool. b must not be used afterwards.
func (p *Pool) Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > p.maxCap {
		return
	}
	p.pool.Put(b)
}
