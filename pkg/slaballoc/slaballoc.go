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

// Package slaballoc implements the small-kernel-object slab allocator §6
// calls out as an external collaborator (slab_alloc/slab_free), used by
// pkg/addrspace to allocate each address space's kshared region from one
// page-sized object class.
package slaballoc

import (
	"fmt"
	"sync"

	"vmkern.dev/vm/pkg/kernelerr"
)

// SlabID identifies a fixed-size object class, analogous to the
// original's slab_id enum.
type SlabID int

// Allocator is a fixed set of free-lists, one per registered SlabID.
type Allocator struct {
	mu     sync.Mutex
	sizes  map[SlabID]int
	free   map[SlabID][][]byte
	issued map[SlabID]int
}

// NewAllocator returns an Allocator with no registered classes.
func NewAllocator() *Allocator {
	return &Allocator{
		sizes:  make(map[SlabID]int),
		free:   make(map[SlabID][][]byte),
		issued: make(map[SlabID]int),
	}
}

// Register declares a slab class of the given object size. Calling
// Register twice for the same id with a different size panics: slab
// classes are fixed at kernel-init time in the original, never resized.
func (a *Allocator) Register(id SlabID, size int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.sizes[id]; ok && existing != size {
		panic(fmt.Sprintf("slaballoc: slab %d re-registered with different size (%d != %d)", id, existing, size))
	}
	a.sizes[id] = size
}

// Alloc returns a zeroed object from slab id's free list, allocating a
// new one if the free list is empty.
func (a *Allocator) Alloc(id SlabID) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	size, ok := a.sizes[id]
	if !ok {
		return nil, kernelerr.ErrBadAddress
	}
	if free := a.free[id]; len(free) > 0 {
		buf := free[len(free)-1]
		a.free[id] = free[:len(free)-1]
		for i := range buf {
			buf[i] = 0
		}
		a.issued[id]++
		return buf, nil
	}
	a.issued[id]++
	return make([]byte, size), nil
}

// Free returns buf to slab id's free list for reuse.
func (a *Allocator) Free(id SlabID, buf []byte) {
	if buf == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free[id] = append(a.free[id], buf)
	a.issued[id]--
}

// Issued returns the number of objects of class id currently allocated
// and not yet freed, for tests.
func (a *Allocator) Issued(id SlabID) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.issued[id]
}
