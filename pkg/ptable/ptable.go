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

// Package ptable implements the page-table walker and the PTE CAS/LOCK
// protocol of §4.5: every PTE carries the hardware P/U/W bits plus two
// software bits, LOCK and COW. Every update_pages mutator goes through
// the same load/spin-on-LOCK/compare-and-swap loop (CAS); the fault
// handler's publish step instead takes LOCK with its own compare-and-swap
// on the value it loaded and then stores the new entry while holding it.
//
// PML simulates the MMU's page-table root. Because this is a research
// kernel running as an ordinary Go process rather than in ring 0, a PML
// is a map from page-aligned virtual address to a PTE, and TLBFlush is a
// counter rather than an instruction — but the CAS protocol operating on
// each PTE is exactly the one the spec describes, so code written
// against it generalizes to a real page table unchanged.
package ptable

import (
	"sync"

	"vmkern.dev/vm/pkg/atomicbitops"
	"vmkern.dev/vm/pkg/hostarch"
)

// PTE bits. P, U, and W mirror the hardware bits a real MMU would read;
// LOCK and COW are software-reserved bits a real MMU ignores (§9 "PTE
// LOCK bit" caveat). Bits 5-6 hold the entry's hostarch.MemoryType,
// the architectural cacheability a real pgprot would encode alongside
// P/U/W (e.g. x86's PAT bits) — unused by anything this subsystem maps
// today except the kshared region, which is ordinary cacheable memory.
const (
	P    uint64 = 1 << 0 // present
	U    uint64 = 1 << 1 // user-accessible
	W    uint64 = 1 << 2 // writable
	COW  uint64 = 1 << 3 // copy-on-write
	LOCK uint64 = 1 << 4 // exclusive software lock

	flagBits = hostarch.PageShift
	flagMask = uint64(1)<<flagBits - 1
	physMask = ^flagMask

	mtypeShift = 5
	mtypeBits  = 2
	mtypeMask  = uint64(1)<<mtypeBits - 1
)

// FaultError carries the hardware fault-error-code bits relevant to the
// fault handler; FEC_WR is the only one this subsystem inspects.
type FaultError uint32

// FaultWrite is the fault-error-code bit indicating the faulting access
// was a write (FEC_WR in §4.6/§9's MMU interface list).
const FaultWrite FaultError = 1 << 0

// IsWrite reports whether the fault was caused by a write access.
func (e FaultError) IsWrite() bool { return e&FaultWrite != 0 }

// Encode packs a page-aligned physical address and a set of flag bits
// into a single PTE value.
func Encode(phys uint64, flags uint64) uint64 {
	return (phys & physMask) | (flags & flagMask)
}

// Phys extracts the physical address from a PTE value.
func Phys(pte uint64) uint64 { return pte & physMask }

// Flags extracts the software/hardware flag bits from a PTE value.
func Flags(pte uint64) uint64 { return pte & flagMask }

// WithMemType returns pte with its memory type bits set to mt, leaving
// the physical address and every other flag bit untouched.
func WithMemType(pte uint64, mt hostarch.MemoryType) uint64 {
	return (pte &^ (mtypeMask << mtypeShift)) | (uint64(mt)&mtypeMask)<<mtypeShift
}

// MemType extracts the memory type bits from a PTE value.
func MemType(pte uint64) hostarch.MemoryType {
	return hostarch.MemoryType((pte >> mtypeShift) & mtypeMask)
}

// PML is a simulated page-table root: a sparse map from page-aligned
// virtual address to PTE.
type PML struct {
	mu      sync.Mutex
	entries map[hostarch.Addr]*atomicbitops.Uint64
	flushes atomicbitops.Uint64
}

// NewKernelPML returns a new, empty PML (new_kernel_pml in the MMU
// interface of §9).
func NewKernelPML() *PML {
	return &PML{entries: make(map[hostarch.Addr]*atomicbitops.Uint64)}
}

// Free releases the PML's entries (free_pml). The PML must not be used
// afterward.
func (p *PML) Free() {
	p.mu.Lock()
	p.entries = nil
	p.mu.Unlock()
}

// Walk returns the PTE slot for va, creating it (initialized to zero) if
// create is true and it doesn't already exist. It reports false only
// when create is false and no entry exists.
func (p *PML) Walk(va hostarch.Addr, create bool) (*atomicbitops.Uint64, bool) {
	key := va.RoundDown()
	p.mu.Lock()
	defer p.mu.Unlock()
	pte, ok := p.entries[key]
	if !ok {
		if !create {
			return nil, false
		}
		v := atomicbitops.FromUint64(0)
		pte = &v
		p.entries[key] = pte
	}
	return pte, true
}

// InstallKshared maps a contiguous physical region starting at physBase
// into the page-aligned virtual range, present and kernel-only (no U
// bit), tagged as ordinary cacheable memory, for use as the address
// space's shared kernel mapping.
func (p *PML) InstallKshared(region hostarch.AddrRange, physBase uint64) error {
	phys := physBase
	for va := region.Start.RoundDown(); va < region.End; va += hostarch.PageSize {
		pte, _ := p.Walk(va, true)
		pte.Store(WithMemType(Encode(phys, P|W), hostarch.MemoryTypeWriteBack))
		phys += hostarch.PageSize
	}
	return nil
}

// TLBFlush records that software has requested a TLB flush. A real MMU
// would invalidate cached translations here; this simulation only counts
// flushes so tests can assert one happened where the protocol requires.
func (p *PML) TLBFlush() {
	p.flushes.Add(1)
}

// FlushCount returns the number of TLBFlush calls so far, for tests.
func (p *PML) FlushCount() uint64 {
	return p.flushes.Load()
}

// V2P simulates the kernel-pointer-to-physical-address translation the
// real MMU interface exposes; since this subsystem's "physical pages"
// are real host pages obtained via pkg/pagealloc, the kernel pointer and
// the physical address coincide.
func V2P(kernelPtr uintptr) uint64 { return uint64(kernelPtr) }

// CAS implements the shared load/spin-on-LOCK/compare-and-swap loop every
// PTE mutator in §4.5 follows: load the PTE, retry if LOCK is set, ask
// transform for the replacement value, and CAS it in. transform returns
// ok=false to abandon the operation without modifying the PTE (prev is
// still the PTE's current value in that case). On success prev is the
// PTE's value immediately before the winning CAS, which callers use to
// tell whether the entry was present before this mutation (e.g. to decide
// whether a TLB flush is needed).
func CAS(pte *atomicbitops.Uint64, transform func(old uint64) (newVal uint64, ok bool)) (prev uint64, applied bool) {
	for {
		old := pte.Load()
		if old&LOCK != 0 {
			continue
		}
		newVal, ok := transform(old)
		if !ok {
			return old, false
		}
		if pte.CompareAndSwap(old, newVal) {
			return old, true
		}
	}
}

// UpdatePages applies transform to every PTE covering the page-aligned
// span [start, end), materializing entries as needed, and reports
// whether any covered PTE that transform changed was present beforehand
// (the caller uses this to decide whether a TLB flush is required); PTEs
// whose transform declined are not counted.
func UpdatePages(pml *PML, start, end hostarch.Addr, transform func(old uint64) (newVal uint64, ok bool)) bool {
	anyPresent := false
	for va := start.RoundDown(); va < end; va += hostarch.PageSize {
		pte, _ := pml.Walk(va, true)
		prev, applied := CAS(pte, transform)
		if applied && prev&P != 0 {
			anyPresent = true
		}
	}
	return anyPresent
}
