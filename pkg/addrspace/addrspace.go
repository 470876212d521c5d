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

// Package addrspace implements AddressSpace (§3.1/§4.4) and the fault
// handler state machine of §4.6: the top-level object owning a range
// map, a page-table root, and a per-address-space kernel-shared region,
// with Insert/Remove/Copy/Lookup/Probe/PageFault/CopyOut as its public
// operations.
//
// Grounded throughout on original_source/kernel/vm.cc's vmap class
// (insert, remove, lookup, copy, pagefault, pagefault_wcow, copyout,
// replace_vma), adapted from its scoped_gc_epoch/crange-based locking to
// pkg/rangemap/pkg/epoch, and from its raw cmpxch-on-pme_t loops to
// pkg/ptable's CAS/UpdatePages.
package addrspace

import (
	"time"
	"unsafe"

	"vmkern.dev/vm/pkg/atomicbitops"
	"vmkern.dev/vm/pkg/hostarch"
	"vmkern.dev/vm/pkg/kernelerr"
	"vmkern.dev/vm/pkg/log"
	"vmkern.dev/vm/pkg/pagealloc"
	"vmkern.dev/vm/pkg/ptable"
	"vmkern.dev/vm/pkg/rangemap"
	"vmkern.dev/vm/pkg/slaballoc"
	"vmkern.dev/vm/pkg/vmarea"
	"vmkern.dev/vm/pkg/vmconfig"
	"vmkern.dev/vm/pkg/vmnode"
)

// ksharedSlab is the slab class used to back each address space's
// kshared region.
const ksharedSlab slaballoc.SlabID = 0

// Result is the outcome of PageFault, matching §4.6's three named fault
// outcomes. Fatal conditions that §7 says "terminate the kernel" (an
// allocation failure, a missing page after allocation succeeded, or a
// backing read failure, all reached only from the fault path) are raised
// as a FatalFault panic instead of returned as a Result, since a real
// fault handler in this situation has no graceful return. Fatal as a
// Result value is reserved for conditions the original leaves as an
// ordinary negative return (a bad address, no covering VMA, or a lost
// race against a concurrent remove).
type Result int

const (
	// Fixed indicates the fault was resolved and the PTE now reflects a
	// valid mapping.
	Fixed Result = iota
	// AlreadyValid indicates another CPU resolved this fault first.
	AlreadyValid
	// Fatal indicates the fault could not be resolved, for a reason that
	// is the caller's responsibility rather than a kernel invariant
	// violation (see the Result doc for which conditions panic instead).
	Fatal
)

// FatalFault is panicked by the fault path and CopyOut when §7's
// kernel-terminating invariant violations occur: allocation failure,
// a missing page immediately after allocation, or a backing-store read
// failure, all reached from code with no graceful return.
type FatalFault struct{ Err error }

func (f *FatalFault) Error() string { return "vm: fatal fault: " + f.Err.Error() }

// AddressSpace is an AddressSpace.
type AddressSpace struct {
	ranges  *rangemap.Map[*vmarea.Area]
	pml     *ptable.PML
	kshared hostarch.AddrRange
	cfg     vmconfig.Config

	alloc *pagealloc.Allocator
	slabs *slaballoc.Allocator
	kbuf  []byte

	// raceWarn logs the fault handler's deleted-VMA retry at Warning
	// level, rate-limited since a hot race between a fault and a
	// concurrent remove can retry far faster than anything should be
	// logged at full rate.
	raceWarn log.Logger

	ref atomicbitops.Int64
}

// New installs a fresh kernel page table with a per-address-space
// kernel-shared region and returns an AddressSpace with one reference.
// Partial-construction failure releases whatever was already acquired.
func New(cfg vmconfig.Config, alloc *pagealloc.Allocator, slabs *slaballoc.Allocator) (*AddressSpace, error) {
	pml := ptable.NewKernelPML()
	slabs.Register(ksharedSlab, int(cfg.PageSize))
	buf, err := slabs.Alloc(ksharedSlab)
	if err != nil {
		pml.Free()
		return nil, err
	}
	region := hostarch.AddrRange{Start: cfg.UserCeiling, End: cfg.UserCeiling + cfg.PageSize}
	phys := uint64(uintptr(unsafe.Pointer(&buf[0])))
	if err := pml.InstallKshared(region, phys); err != nil {
		slabs.Free(ksharedSlab, buf)
		pml.Free()
		return nil, kernelerr.ErrOutOfMemory
	}
	return &AddressSpace{
		ranges:   rangemap.New[*vmarea.Area](),
		pml:      pml,
		kshared:  region,
		cfg:      cfg,
		alloc:    alloc,
		slabs:    slabs,
		kbuf:     buf,
		raceWarn: log.BasicRateLimitedLogger(100 * time.Millisecond),
		ref:      atomicbitops.FromInt64(1),
	}, nil
}

// IncRef atomically adds a reference (an address space is shared by
// every thread in a process).
func (as *AddressSpace) IncRef() { as.ref.Add(1) }

// DecRef atomically drops a reference, destroying the address space —
// dropping every VMA's node reference, freeing the page table and the
// kshared slab buffer — when it reaches zero.
func (as *AddressSpace) DecRef() {
	if as.ref.Add(-1) != 0 {
		return
	}
	var areas []*vmarea.Area
	as.ranges.Ascend(func(_ hostarch.AddrRange, a *vmarea.Area) bool {
		areas = append(areas, a)
		return true
	})
	for _, a := range areas {
		a.Destroy()
	}
	as.pml.Free()
	as.slabs.Free(ksharedSlab, as.kbuf)
}

// clearRange clears every PTE in [start, end), flushing the TLB if
// doTLB is true and any cleared PTE was non-zero (insert's contract;
// remove and pagefault_wcow always flush when any PTE was present).
func (as *AddressSpace) clearRange(start, end hostarch.Addr, doTLB bool) {
	wasPresent := ptable.UpdatePages(as.pml, start, end, func(uint64) (uint64, bool) {
		return 0, true
	})
	if wasPresent && doTLB {
		as.pml.TLBFlush()
	}
}

// Insert publishes a new PRIVATE VmArea over node at start, failing with
// ErrOverlap if the span is non-empty.
func (as *AddressSpace) Insert(node *vmnode.Node, start hostarch.Addr, doTLB bool) error {
	length := hostarch.Addr(node.NPages()) * as.cfg.PageSize
	end := start + length
	if end <= start || end > as.cfg.UserCeiling {
		return kernelerr.ErrBadAddress
	}
	span := hostarch.AddrRange{Start: start, End: end}
	h := as.ranges.SearchLock(span)
	if h.Len() > 0 {
		h.Abort()
		return kernelerr.ErrOverlap
	}
	log.Debugf("addrspace: insert [%s]", span)
	area := vmarea.New(span, vmarea.Private, node)
	h.Replace(area, true, nil)
	as.clearRange(start, end, doTLB)
	return nil
}

// Remove unmaps the span [start, start+length), requiring every VMA in
// the span to be fully contained within it.
func (as *AddressSpace) Remove(start, length hostarch.Addr) error {
	end := start + length
	span := hostarch.AddrRange{Start: start, End: end}
	h := as.ranges.SearchLock(span)
	for _, a := range h.Entries() {
		if a.Range.Start < span.Start || a.Range.End > span.End {
			h.Abort()
			return kernelerr.ErrPartialUnmap
		}
	}
	log.Debugf("addrspace: remove [%s]", span)
	var zero *vmarea.Area
	h.Replace(zero, false, func(old *vmarea.Area) { old.Destroy() })
	as.clearRange(start, end, true)
	return nil
}

// Lookup returns an overlapping VMA within [start, start+length), if
// any. It rejects address wrap.
func (as *AddressSpace) Lookup(start, length hostarch.Addr) (*vmarea.Area, error) {
	end := start + length
	if end < start {
		return nil, kernelerr.ErrBadAddress
	}
	area, ok := as.ranges.Search(hostarch.AddrRange{Start: start, End: end})
	if !ok {
		return nil, nil
	}
	return area, nil
}

// Probe reports whether va currently resolves to a present, user,
// writable PTE, without entering the fault path — the non-faulting
// syscall-argument check the original overloads onto pagefault's fast
// path (§9's Open Question: exposed here as its own operation instead).
func (as *AddressSpace) Probe(va hostarch.Addr) (bool, error) {
	if va >= as.cfg.UserCeiling {
		return false, kernelerr.ErrBadAddress
	}
	pte, ok := as.pml.Walk(va, false)
	if !ok {
		return false, nil
	}
	v := pte.Load()
	return v&(ptable.P|ptable.U|ptable.W) == ptable.P|ptable.U|ptable.W, nil
}

// replaceVMA takes a span-lock over old's range, verifies the span still
// contains exactly old and old is not already deleted, and replaces it
// with newArea. It reports false if the replacement raced with another
// removal, in which case newArea's node reference is dropped.
func (as *AddressSpace) replaceVMA(old, newArea *vmarea.Area) bool {
	h := as.ranges.SearchLock(old.Range)
	entries := h.Entries()
	if old.Deleted() || len(entries) != 1 || entries[0] != old {
		h.Abort()
		newArea.Destroy()
		return false
	}
	h.Replace(newArea, true, func(o *vmarea.Area) { o.Destroy() })
	return true
}

// pagefaultWCOW unconditionally clones vma's node, publishes a PRIVATE
// VMA with the clone in vma's place, and clears every PTE in the
// replaced range. It always clones, even when the node's ref count is 1,
// because a concurrent fork on another thread may raise it at any
// instant (original_source's comment on pagefault_wcow).
func (as *AddressSpace) pagefaultWCOW(area *vmarea.Area) error {
	clone, err := area.Node.Clone(as.cfg.NodeMaxPages)
	if err != nil {
		return err
	}
	repl := vmarea.New(area.Range, vmarea.Private, clone)
	as.replaceVMA(area, repl)
	ptable.UpdatePages(as.pml, area.Range.Start, area.Range.End, func(uint64) (uint64, bool) {
		return 0, true
	})
	return nil
}

// PageFault resolves a fault at va caused by hardware error code ferr,
// per the state machine of §4.6.
func (as *AddressSpace) PageFault(va hostarch.Addr, ferr ptable.FaultError) (Result, error) {
	if va >= as.cfg.UserCeiling {
		return Fatal, kernelerr.ErrBadAddress
	}
	for {
		pte, _ := as.pml.Walk(va, true)
		ptev := pte.Load()

		if ptev&(ptable.P|ptable.U|ptable.W) == ptable.P|ptable.U|ptable.W {
			return AlreadyValid, nil
		}
		if ptev&ptable.LOCK != 0 {
			continue
		}

		cs := as.ranges.Enter()
		area, ok := as.ranges.Search(hostarch.AddrRange{Start: va, End: va + 1})
		if !ok {
			cs.Exit()
			return Fatal, kernelerr.ErrFatal
		}

		npg := int((va.RoundDown() - area.Range.Start) / as.cfg.PageSize)
		if area.Node.Page(npg) == nil {
			if err := area.Node.AllocPages(); err != nil {
				cs.Exit()
				panic(&FatalFault{err})
			}
		}
		if area.Node.Type() == vmnode.ONDEMAND {
			if err := area.Node.DemandLoad(); err != nil {
				cs.Exit()
				panic(&FatalFault{err})
			}
		}

		if area.Mode == vmarea.COW && ferr.IsWrite() {
			err := as.pagefaultWCOW(area)
			cs.Exit()
			if err != nil {
				panic(&FatalFault{err})
			}
			as.pml.TLBFlush()
			continue
		}

		if !pte.CompareAndSwap(ptev, ptev|ptable.LOCK) {
			cs.Exit()
			continue
		}
		if area.Deleted() {
			pte.Store(ptev)
			cs.Exit()
			as.raceWarn.Warningf("addrspace: fault at %s raced a concurrent remove, retrying", va)
			continue
		}

		page := area.Node.Page(npg)
		var flags uint64
		if area.Mode == vmarea.COW {
			flags = ptable.P | ptable.U | ptable.COW
		} else {
			if area.Node.RefCount() != 1 {
				cs.Exit()
				panic(&FatalFault{kernelerr.ErrFatal})
			}
			flags = ptable.P | ptable.U | ptable.W
		}
		pte.Store(ptable.Encode(ptable.V2P(page.Addr()), flags))
		cs.Exit()
		return Fixed, nil
	}
}

// PageFault is the free-standing form of AddressSpace.PageFault,
// matching original_source's top-level `pagefault(struct vmap *, uptr,
// u32)` wrapper alongside the vmap method of the same name.
func PageFault(as *AddressSpace, va hostarch.Addr, ferr ptable.FaultError) (Result, error) {
	return as.PageFault(va, ferr)
}

// Copy duplicates this address space into a fresh one. When share is
// false each VMA's node is deep-cloned into a PRIVATE child VMA. When
// share is true each VMA becomes a COW VMA in the child referencing the
// same node; if the source VMA wasn't already COW, the parent's VMA is
// atomically replaced with a COW VMA and every present-writable PTE in
// its range is rewritten to present-read-only-COW. The parent's TLB is
// flushed once at the end when share is true.
func (as *AddressSpace) Copy(share bool) (*AddressSpace, error) {
	child, err := New(as.cfg, as.alloc, as.slabs)
	if err != nil {
		return nil, err
	}

	var copyErr error
	as.ranges.Ascend(func(rng hostarch.AddrRange, area *vmarea.Area) bool {
		var childArea *vmarea.Area
		if share {
			childArea = vmarea.New(rng, vmarea.COW, area.Node)
			if area.Mode != vmarea.COW {
				parentCOW := vmarea.New(rng, vmarea.COW, area.Node)
				as.replaceVMA(area, parentCOW)
				ptable.UpdatePages(as.pml, rng.Start, rng.End, func(old uint64) (uint64, bool) {
					if old&(ptable.P|ptable.U|ptable.W) != ptable.P|ptable.U|ptable.W {
						return 0, false
					}
					return ptable.Encode(ptable.Phys(old), ptable.P|ptable.U|ptable.COW), true
				})
			}
		} else {
			clone, cerr := area.Node.Clone(as.cfg.NodeMaxPages)
			if cerr != nil {
				copyErr = cerr
				return false
			}
			childArea = vmarea.New(rng, vmarea.Private, clone)
		}
		h := child.ranges.SearchLock(rng)
		h.Replace(childArea, true, nil)
		return true
	})
	if copyErr != nil {
		child.DecRef()
		return nil, copyErr
	}
	if share {
		as.pml.TLBFlush()
	}
	return child, nil
}

// CopyOut copies len(buf) bytes from buf into the user virtual address
// va, walking VMAs and backing pages directly rather than through the
// installed page table — used when as is not the currently-installed
// address space. Missing pages are allocated on demand; a node whose
// slot is still nil immediately after a successful allocation is a fatal
// invariant violation (original_source's copyout panics identically).
func (as *AddressSpace) CopyOut(va hostarch.Addr, buf []byte) error {
	for len(buf) > 0 {
		va0 := va.RoundDown()

		cs := as.ranges.Enter()
		area, ok := as.ranges.Search(hostarch.AddrRange{Start: va, End: va + 1})
		if !ok {
			cs.Exit()
			return kernelerr.ErrBadAddress
		}
		if err := area.Node.AllocPages(); err != nil {
			cs.Exit()
			return err
		}
		pn := int((va0 - area.Range.Start) / as.cfg.PageSize)
		page := area.Node.Page(pn)
		if page == nil {
			cs.Exit()
			panic(&FatalFault{kernelerr.ErrFatal})
		}

		n := int(as.cfg.PageSize - (va - va0))
		if n > len(buf) {
			n = len(buf)
		}
		off := int(va - va0)
		copy(page.Bytes()[off:off+n], buf[:n])
		cs.Exit()

		buf = buf[n:]
		va = va0 + as.cfg.PageSize
	}
	return nil
}
