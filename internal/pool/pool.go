// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package pool implements the fixed-capacity connection-record arena: an
// array of N slots plus an array-backed LIFO free-list, giving O(1)
// alloc/free and a stable identity (ConnID) for the lifetime of a slot's
// use. The pool never grows.
package pool

// ConnID identifies a slot stably for as long as it is in use. It is the
// "peer" reference Connections hold instead of a raw pointer, eliminating
// the only true reference cycle in the design (see spec.md §9, peer
// back-references).
type ConnID int32

// Pool is a fixed-capacity arena of T records addressed by ConnID. T is the
// Connection type from package conn; Pool is generic only so internal/conn
// can own its own struct definition instead of pool depending on it.
type Pool[T any] struct {
	slots    []T
	inUse    []bool
	freeList []ConnID // LIFO: freeList[len-1] is popped next

	totalConnections  uint64
	activeConnections int
}

// New allocates a pool with exactly capacity slots, all initially free.
func New[T any](capacity int) *Pool[T] {
	p := &Pool[T]{
		slots:    make([]T, capacity),
		inUse:    make([]bool, capacity),
		freeList: make([]ConnID, capacity),
	}
	// Populate the free-list so popping gives slot 0 first; order doesn't
	// matter for correctness, only for determinism in tests.
	for i := 0; i < capacity; i++ {
		p.freeList[i] = ConnID(capacity - 1 - i)
	}
	return p
}

// Capacity returns the fixed number of slots N.
func (p *Pool[T]) Capacity() int { return len(p.slots) }

// ActiveConnections returns the number of slots currently in use.
func (p *Pool[T]) ActiveConnections() int { return p.activeConnections }

// TotalConnections returns the lifetime count of successful Alloc calls.
func (p *Pool[T]) TotalConnections() uint64 { return p.totalConnections }

// Alloc pops a slot from the free-list and returns its id and a pointer to
// its zero-valued record for the caller to initialize. Returns (0, nil,
// false) when the pool is exhausted.
func (p *Pool[T]) Alloc() (ConnID, *T, bool) {
	n := len(p.freeList)
	if n == 0 {
		return 0, nil, false
	}
	id := p.freeList[n-1]
	p.freeList = p.freeList[:n-1]
	p.inUse[id] = true
	p.activeConnections++
	p.totalConnections++

	var zero T
	p.slots[id] = zero
	return id, &p.slots[id], true
}

// Get returns a pointer to the record for id. The caller must only call
// this for ids currently in use; callers that mispair an id with a freed
// slot are treated as a programming error upstream, so Get does not itself
// validate in-use-ness on the hot path.
func (p *Pool[T]) Get(id ConnID) *T {
	return &p.slots[id]
}

// InUse reports whether id is currently allocated.
func (p *Pool[T]) InUse(id ConnID) bool {
	return int(id) >= 0 && int(id) < len(p.inUse) && p.inUse[id]
}

// Free returns id to the free-list. Double-free is a fatal invariant
// violation per spec.md §4.4; Free reports it via the bool return rather
// than panicking so the caller (which owns logging) can decide how loudly
// to fail.
func (p *Pool[T]) Free(id ConnID) (ok bool) {
	if !p.InUse(id) {
		return false
	}
	p.inUse[id] = false
	p.activeConnections--
	p.freeList = append(p.freeList, id)
	return true
}
