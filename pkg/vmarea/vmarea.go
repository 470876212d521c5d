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

// Package vmarea implements VmArea (§3.1/§4.2): an immutable (range,
// mode, node) triple carrying one reference to its node, plus a deleted
// flag the range map sets when the area is replaced so readers that
// already hold a pointer to it can detect logical removal before
// physical reclamation.
package vmarea

import (
	"vmkern.dev/vm/pkg/atomicbitops"
	"vmkern.dev/vm/pkg/hostarch"
	"vmkern.dev/vm/pkg/vmnode"
)

// Mode is a VMA's sharing discipline.
type Mode int

const (
	// Private grants the owning address space exclusive write access to
	// the node's pages.
	Private Mode = iota
	// COW shares the node's pages read-only; the first write triggers a
	// clone (pagefault_wcow).
	COW
)

// Area is a VmArea: immutable after publication except for the deleted
// bit.
type Area struct {
	Range hostarch.AddrRange
	Mode  Mode
	Node  *vmnode.Node

	deleted atomicbitops.Bool
}

// New constructs an Area over rng backed by node, taking one reference
// on node (vma's constructor in original_source increments n->ref when
// n is non-nil).
func New(rng hostarch.AddrRange, mode Mode, node *vmnode.Node) *Area {
	if node != nil {
		node.IncRef()
	}
	return &Area{Range: rng, Mode: mode, Node: node}
}

// MarkDeleted implements rangemap.Deletable: it's called by the range
// map the instant this Area is replaced or removed, before the Area
// becomes unreachable through the map.
func (a *Area) MarkDeleted() {
	a.deleted.Store(true)
}

// Deleted reports whether a concurrent replace or remove has superseded
// this Area.
func (a *Area) Deleted() bool {
	return a.deleted.Load()
}

// Destroy drops this Area's reference to its node, destroying the node
// if this was the last reference. Called only after the epoch reclaimer
// is sure no reader can still observe this Area.
func (a *Area) Destroy() {
	if a.Node != nil {
		a.Node.DecRef()
	}
}

// WithNode returns a new Area over the same range with the given mode and
// node, taking a reference on node. The receiver is left unchanged
// (mutation is always done by replacement, per §3.1's VmArea invariant).
func (a *Area) WithNode(mode Mode, node *vmnode.Node) *Area {
	return New(a.Range, mode, node)
}
