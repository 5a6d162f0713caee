// Package arena stores weak references behind generation-checked IDs.
//
// The arena never keeps its values alive. A slot whose value was collected
// reads as empty and is reclaimed by the next Sweep. Reusing a slot bumps its
// generation, so IDs handed out for the previous occupant stay invalid.
package arena

import (
	"fmt"
	"sync"
	"weak"
)

// ID names one arena slot at one generation. The zero ID is never valid.
type ID struct {
	index uint32
	gen   uint32
}

// IsZero reports whether id is the zero ID.
func (id ID) IsZero() bool {
	return id.gen == 0
}

func (id ID) String() string {
	return fmt.Sprintf("%d.%d", id.index, id.gen)
}

type slot[T any] struct {
	ref  weak.Pointer[T]
	gen  uint32
	used bool
}

// Arena is safe for concurrent use.
type Arena[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	free  []uint32
	live  int
}

// Insert stores a weak reference to v and returns its ID.
func (a *Arena[T]) Insert(v *T) ID {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, slot[T]{})
	}
	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.ref = weak.Make(v)
	s.used = true
	a.live++
	return ID{index: idx, gen: s.gen}
}

// Get returns the value behind id, or nil when id is stale or the value
// has been collected.
func (a *Arena[T]) Get(id ID) *T {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.slot(id)
	if !ok {
		return nil
	}
	return s.ref.Value()
}

// Remove frees the slot of id. It reports whether id was live.
func (a *Arena[T]) Remove(id ID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.slot(id); !ok {
		return false
	}
	a.release(id.index)
	return true
}

// Sweep calls fn for every live value and reclaims slots whose value was
// collected, returning their IDs. fn is never called for a reclaimed slot;
// it runs without the arena lock held and may call back into the arena.
func (a *Arena[T]) Sweep(fn func(ID, *T)) []ID {
	type entry struct {
		id ID
		v  *T
	}

	a.mu.Lock()
	entries := make([]entry, 0, a.live)
	var pruned []ID
	for i := range a.slots {
		s := &a.slots[i]
		if !s.used {
			continue
		}
		v := s.ref.Value()
		if v == nil {
			pruned = append(pruned, ID{index: uint32(i), gen: s.gen})
			a.release(uint32(i))
			continue
		}
		entries = append(entries, entry{ID{index: uint32(i), gen: s.gen}, v})
	}
	a.mu.Unlock()

	if fn != nil {
		for _, e := range entries {
			fn(e.id, e.v)
		}
	}
	return pruned
}

// Reset drops every slot. IDs handed out before stay invalid.
func (a *Arena[T]) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.slots {
		if a.slots[i].used {
			a.release(uint32(i))
		}
	}
}

// Len returns the number of occupied slots, including ones whose value was
// collected but not yet swept.
func (a *Arena[T]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

// slot expects a.mu held.
func (a *Arena[T]) slot(id ID) (*slot[T], bool) {
	if id.gen == 0 || int(id.index) >= len(a.slots) {
		return nil, false
	}
	s := &a.slots[id.index]
	if !s.used || s.gen != id.gen {
		return nil, false
	}
	return s, true
}

// release expects a.mu held.
func (a *Arena[T]) release(idx uint32) {
	s := &a.slots[idx]
	s.used = false
	s.ref = weak.Pointer[T]{}
	a.free = append(a.free, idx)
	a.live--
}
