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

package hostarch

import "fmt"

// Addr is a virtual address, page-aligned or not.
type Addr uintptr

const (
	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// HugePageSize is the huge page size.
	HugePageSize = 1 << HugePageShift
)

// RoundDown returns the address rounded down to the nearest page boundary.
func (a Addr) RoundDown() Addr {
	return a &^ (PageSize - 1)
}

// RoundUp returns a rounded up to the nearest page boundary. ok is false if
// rounding up overflows.
func (a Addr) RoundUp() (addr Addr, ok bool) {
	rounded := (a + PageSize - 1).RoundDown()
	return rounded, rounded >= a
}

// IsPageAligned returns true if a is a multiple of PageSize.
func (a Addr) IsPageAligned() bool {
	return a == a.RoundDown()
}

// AddrRange is a non-inclusive range of addresses [Start, End).
type AddrRange struct {
	Start Addr
	End   Addr
}

// Length returns End - Start.
func (ar AddrRange) Length() int64 {
	return int64(ar.End) - int64(ar.Start)
}

// WellFormed returns true iff ar.Start <= ar.End. Most AddrRange methods
// are only well-defined for well-formed ranges, and do not check for
// ill-formed ranges themselves.
func (ar AddrRange) WellFormed() bool {
	return ar.Start <= ar.End
}

// IsPageAligned returns true iff both ar.Start and ar.End are page-aligned.
func (ar AddrRange) IsPageAligned() bool {
	return ar.Start.IsPageAligned() && ar.End.IsPageAligned()
}

// Contains returns true iff ar.Start <= addr < ar.End.
func (ar AddrRange) Contains(addr Addr) bool {
	return ar.Start <= addr && addr < ar.End
}

// Overlaps returns true iff ar and other overlap.
func (ar AddrRange) Overlaps(other AddrRange) bool {
	return ar.Start < other.End && other.Start < ar.End
}

// IsSupersetOf returns true iff ar is a superset of other: every address in
// other is also in ar.
func (ar AddrRange) IsSupersetOf(other AddrRange) bool {
	return ar.Start <= other.Start && ar.End >= other.End
}

// Intersect returns the intersection of ar and other. If ar and other do
// not overlap, Intersect returns a zero-length range.
func (ar AddrRange) Intersect(other AddrRange) AddrRange {
	if ar.Start < other.Start {
		ar.Start = other.Start
	}
	if ar.End > other.End {
		ar.End = other.End
	}
	if ar.End < ar.Start {
		ar.End = ar.Start
	}
	return ar
}

// String implements fmt.Stringer.String.
func (ar AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", ar.Start, ar.End)
}

// PageRoundDown rounds addr down to a page boundary as a plain uint64,
// the convenience form used outside the Addr type family (e.g. for page
// index arithmetic against a VmNode).
func PageRoundDown(addr uint64) uint64 {
	return addr &^ (PageSize - 1)
}
