package ccat

import "math/bits"

// allocator hands out byte buffers from per-size-class freelists and can
// drop everything it ever produced in one call. Each codec half owns one
// instance, which keeps the halves free of shared mutable state.
//
// Buffers are rounded up to a power-of-two capacity. The budget bounds
// outstanding (allocated and not yet freed) bytes; exceeding it makes
// alloc return nil, which callers surface as ErrOutOfMemory.
type allocator struct {
	budget      int
	outstanding int
	freelists   map[int][][]byte
}

const defaultAllocBudget = 64 << 20

func newAllocator(budget int) *allocator {
	if budget <= 0 {
		budget = defaultAllocBudget
	}
	return &allocator{
		budget:    budget,
		freelists: make(map[int][][]byte),
	}
}

func sizeClass(n int) int {
	if n <= 64 {
		return 64
	}
	return 1 << bits.Len(uint(n-1))
}

// alloc returns a zeroed buffer of length n, or nil when the budget is
// exhausted.
func (a *allocator) alloc(n int) []byte {
	if n <= 0 {
		return nil
	}
	class := sizeClass(n)
	if a.outstanding+class > a.budget {
		return nil
	}
	a.outstanding += class
	if list := a.freelists[class]; len(list) > 0 {
		buf := list[len(list)-1]
		a.freelists[class] = list[:len(list)-1]
		buf = buf[:n]
		for i := range buf {
			buf[i] = 0
		}
		return buf
	}
	return make([]byte, n, class)
}

// free returns a buffer obtained from alloc to its freelist.
func (a *allocator) free(buf []byte) {
	if buf == nil {
		return
	}
	class := cap(buf)
	a.outstanding -= class
	if a.outstanding < 0 {
		a.outstanding = 0
	}
	a.freelists[class] = append(a.freelists[class], buf[:0])
}

// releaseAll drops every freelist and forgets outstanding buffers. Used
// on session teardown; the garbage collector reclaims the memory.
func (a *allocator) releaseAll() {
	a.freelists = make(map[int][][]byte)
	a.outstanding = 0
}
