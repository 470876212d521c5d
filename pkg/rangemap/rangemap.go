// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rangemap implements ConcurrentRangeMap: an ordered,
// non-overlapping map from hostarch.AddrRange to a value type, supporting
// concurrent lock-free-style lookup and span-exclusive mutation,
// integrated with pkg/epoch for safe deferred destruction of replaced
// values.
//
// Grounded on the original kernel's crange.hh (cr.search, cr.search_lock,
// span.replace — see vm.cc's vmap::insert/remove/lookup/copy for call-
// site usage) and on google-gvisor's own go.mod dependency on
// github.com/google/btree, which we use as the ordered structure instead
// of hand-rolling a balanced tree.
//
// Simplification from the original's truly lock-free crange: structural
// mutation of the underlying btree is guarded by a sync.RWMutex
// (structMu). This is weaker than the spec's "lock-free lookup", but the
// two properties the spec actually requires — (1) many concurrent
// readers are never blocked by other readers, and (2) only overlapping
// writers serialize against each other, never against disjoint ones — are
// preserved: structMu.RLock is held only while the tree itself is read,
// never while a caller's callback runs, and the real writer-exclusivity
// mechanism is the span lock below, which only blocks SearchLock calls
// whose ranges overlap.
package rangemap

import (
	"sync"

	"github.com/google/btree"

	"vmkern.dev/vm/pkg/epoch"
	"vmkern.dev/vm/pkg/hostarch"
)

// Deletable is implemented by values stored in a Map so that SpanHandle
// can mark a replaced entry logically removed before it becomes
// unreachable through the map, letting readers that already hold a
// reference detect the race (see spec §3.1's VmArea.deleted).
type Deletable interface {
	MarkDeleted()
}

type item[V Deletable] struct {
	rng   hostarch.AddrRange
	value V
}

func less[V Deletable](a, b *item[V]) bool {
	return a.rng.Start < b.rng.Start
}

// Map is a ConcurrentRangeMap[V].
type Map[V Deletable] struct {
	structMu sync.RWMutex
	tree     *btree.BTreeG[*item[V]]

	spanMu   sync.Mutex
	spanCond *sync.Cond
	locked   []hostarch.AddrRange

	reclaim *epoch.Reclaimer
}

// New returns an empty Map.
func New[V Deletable]() *Map[V] {
	m := &Map[V]{
		tree:    btree.NewG[*item[V]](32, less[V]),
		reclaim: epoch.NewReclaimer(),
	}
	m.spanCond = sync.NewCond(&m.spanMu)
	return m
}

// Search returns the value of an entry overlapping ar, if any. The
// returned value remains safely dereferenceable only until do's critical
// section ends — callers that don't already hold one should use
// Map.Do instead of calling Search directly.
func (m *Map[V]) Search(ar hostarch.AddrRange) (value V, ok bool) {
	m.structMu.RLock()
	defer m.structMu.RUnlock()
	it := m.floorLocked(ar.Start)
	if it != nil && it.rng.Overlaps(ar) {
		return it.value, true
	}
	// The floor entry (if any) starts at or before ar.Start but doesn't
	// reach it; check the next entry in ascending order instead.
	var next *item[V]
	m.tree.AscendGreaterOrEqual(&item[V]{rng: hostarch.AddrRange{Start: ar.Start}}, func(x *item[V]) bool {
		next = x
		return false
	})
	if next != nil && next.rng.Overlaps(ar) {
		return next.value, true
	}
	var zero V
	return zero, false
}

// Do runs f inside an epoch critical section, making any value returned
// by Search within f safely dereferenceable for the duration of f.
func (m *Map[V]) Do(f func()) {
	m.reclaim.Do(f)
}

// Enter begins an epoch critical section explicitly, for callers whose
// critical section spans multiple steps with early-exit branches (e.g.
// AddressSpace.PageFault's retry loop), where a single Do closure would
// be awkward. The caller must call CriticalSection.Exit exactly once.
func (m *Map[V]) Enter() *epoch.CriticalSection {
	return m.reclaim.Enter()
}

// floorLocked returns the entry with the greatest Start <= addr, or nil.
// structMu must be held for reading or writing.
func (m *Map[V]) floorLocked(addr hostarch.Addr) *item[V] {
	var found *item[V]
	m.tree.DescendLessOrEqual(&item[V]{rng: hostarch.AddrRange{Start: addr}}, func(x *item[V]) bool {
		found = x
		return false
	})
	return found
}

// Ascend calls f for every entry in the map, in increasing order of
// Start, until f returns false. Used by AddressSpace.Copy to duplicate
// an entire range map. f runs on a snapshot of the entries taken under
// structMu, with structMu released, so f may itself mutate the map.
func (m *Map[V]) Ascend(f func(rng hostarch.AddrRange, value V) bool) {
	m.structMu.RLock()
	var items []*item[V]
	m.tree.Ascend(func(it *item[V]) bool {
		items = append(items, it)
		return true
	})
	m.structMu.RUnlock()
	for _, it := range items {
		if !f(it.rng, it.value) {
			return
		}
	}
}

// SpanHandle holds exclusive write access over a span of the map,
// acquired by SearchLock. Exactly one of Replace or Abort must be called
// to release it.
type SpanHandle[V Deletable] struct {
	m        *Map[V]
	span     hostarch.AddrRange
	items    []*item[V]
	resolved bool
}

// SearchLock acquires a write-lock over ar, blocking other SearchLock
// callers whose span overlaps ar (but never blocking Search). The
// returned handle's Entries method iterates every value currently within
// the span.
func (m *Map[V]) SearchLock(ar hostarch.AddrRange) *SpanHandle[V] {
	m.spanMu.Lock()
	for m.overlapsLockedLocked(ar) {
		m.spanCond.Wait()
	}
	m.locked = append(m.locked, ar)
	m.spanMu.Unlock()

	m.structMu.RLock()
	var items []*item[V]
	if floor := m.floorLocked(ar.Start); floor != nil && floor.rng.Overlaps(ar) {
		items = append(items, floor)
	}
	m.tree.AscendGreaterOrEqual(&item[V]{rng: hostarch.AddrRange{Start: ar.Start}}, func(it *item[V]) bool {
		if it.rng.Start >= ar.End {
			return false
		}
		if len(items) > 0 && items[0] == it {
			return true
		}
		items = append(items, it)
		return true
	})
	m.structMu.RUnlock()

	return &SpanHandle[V]{m: m, span: ar, items: items}
}

func (m *Map[V]) overlapsLockedLocked(ar hostarch.AddrRange) bool {
	for _, r := range m.locked {
		if r.Overlaps(ar) {
			return true
		}
	}
	return false
}

// Entries returns the values currently within the span, in increasing
// address order.
func (h *SpanHandle[V]) Entries() []V {
	vs := make([]V, len(h.items))
	for i, it := range h.items {
		vs[i] = it.value
	}
	return vs
}

// Len returns the number of entries currently within the span.
func (h *SpanHandle[V]) Len() int { return len(h.items) }

// Range returns the span this handle holds exclusive access to.
func (h *SpanHandle[V]) Range() hostarch.AddrRange { return h.span }

// Replace atomically marks every value in the span as deleted, installs
// newValue over the whole span if hasNew is true (or leaves the span
// empty otherwise), and schedules the removed values for epoch-deferred
// destruction via onReclaim (which may be nil). It always releases the
// span lock.
func (h *SpanHandle[V]) Replace(newValue V, hasNew bool, onReclaim func(old V)) {
	if h.resolved {
		panic("rangemap: SpanHandle resolved twice")
	}
	h.resolved = true
	m := h.m

	m.structMu.Lock()
	for _, it := range h.items {
		it.value.MarkDeleted()
		m.tree.Delete(it)
	}
	if hasNew {
		m.tree.ReplaceOrInsert(&item[V]{rng: h.span, value: newValue})
	}
	m.structMu.Unlock()

	if onReclaim != nil {
		old := h.items
		m.reclaim.Defer(func() {
			for _, it := range old {
				onReclaim(it.value)
			}
		})
	}
	h.release()
}

// Abort releases the span lock without modifying the map, for callers
// that acquired a span only to validate it (e.g. an overlap check that
// failed, or a replace_vma race detected after acquiring the lock).
func (h *SpanHandle[V]) Abort() {
	if h.resolved {
		panic("rangemap: SpanHandle resolved twice")
	}
	h.resolved = true
	h.release()
}

func (h *SpanHandle[V]) release() {
	m := h.m
	m.spanMu.Lock()
	for i, r := range m.locked {
		if r == h.span {
			last := len(m.locked) - 1
			m.locked[i] = m.locked[last]
			m.locked = m.locked[:last]
			break
		}
	}
	m.spanCond.Broadcast()
	m.spanMu.Unlock()
}
