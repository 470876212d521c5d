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

package vmarea

import (
	"testing"

	"vmkern.dev/vm/pkg/hostarch"
	"vmkern.dev/vm/pkg/pagealloc"
	"vmkern.dev/vm/pkg/vmnode"
)

const maxPages = 512

func newNode(t *testing.T, alloc *pagealloc.Allocator, npages int) *vmnode.Node {
	t.Helper()
	n, err := vmnode.New(alloc, npages, vmnode.EAGER, nil, maxPages)
	if err != nil {
		t.Fatalf("vmnode.New failed: %v", err)
	}
	return n
}

func TestNewTakesNodeReference(t *testing.T) {
	alloc := pagealloc.NewAllocator()
	n := newNode(t, alloc, 1)

	a := New(hostarch.AddrRange{Start: 0x1000, End: 0x2000}, Private, n)
	if got := n.RefCount(); got != 1 {
		t.Fatalf("node RefCount() = %d, want 1 after New", got)
	}
	a.Destroy()
	if got := n.RefCount(); got != 0 {
		t.Errorf("node RefCount() = %d, want 0 after Destroy", got)
	}
}

func TestNewWithNilNode(t *testing.T) {
	a := New(hostarch.AddrRange{Start: 0x1000, End: 0x2000}, Private, nil)
	a.Destroy() // must not panic dereferencing a nil node
}

func TestDeletedDefaultsFalse(t *testing.T) {
	alloc := pagealloc.NewAllocator()
	n := newNode(t, alloc, 1)
	a := New(hostarch.AddrRange{Start: 0, End: hostarch.PageSize}, Private, n)
	defer a.Destroy()

	if a.Deleted() {
		t.Fatalf("Deleted() = true before MarkDeleted")
	}
	a.MarkDeleted()
	if !a.Deleted() {
		t.Errorf("Deleted() = false after MarkDeleted")
	}
}

func TestWithNodeTakesNewReferenceLeavesOriginalArea(t *testing.T) {
	alloc := pagealloc.NewAllocator()
	n1 := newNode(t, alloc, 1)
	n2 := newNode(t, alloc, 1)
	rng := hostarch.AddrRange{Start: 0, End: hostarch.PageSize}

	a := New(rng, Private, n1)
	defer a.Destroy()

	b := a.WithNode(COW, n2)
	defer b.Destroy()

	if a.Node != n1 {
		t.Errorf("original area's node changed")
	}
	if b.Node != n2 {
		t.Errorf("new area does not reference the new node")
	}
	if b.Mode != COW {
		t.Errorf("new area mode = %v, want COW", b.Mode)
	}
	if b.Range != rng {
		t.Errorf("new area range = %v, want %v", b.Range, rng)
	}
	if got := n2.RefCount(); got != 1 {
		t.Errorf("n2 RefCount() = %d, want 1", got)
	}
}
