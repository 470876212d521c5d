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

// Package kernelerr holds the sentinel error values returned by the virtual
// memory subsystem, in the style of gVisor's pkg/errors/linuxerr: each is a
// distinct, pre-allocated *Error compared by identity, rather than a
// formatted string recreated on every call site.
package kernelerr

import "errors"

// Error is a sentinel kernel error with a fixed, descriptive message.
type Error struct {
	kind    Kind
	message string
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Kind returns the error's classification, for callers that need to
// switch on kind rather than compare by identity (e.g. across a wrap).
func (e *Error) Kind() Kind { return e.kind }

// Kind enumerates the error kinds named in §7 of the specification.
type Kind int

const (
	// KindOutOfMemory indicates an allocator (page or slab) could not
	// satisfy a request.
	KindOutOfMemory Kind = iota
	// KindOverlap indicates an insert targeted a span that already
	// contains a VMA.
	KindOverlap
	// KindPartialUnmap indicates a remove's span cut through an existing
	// VMA (a VMA in the span extends beyond it).
	KindPartialUnmap
	// KindBadAddress indicates an address or range outside the valid
	// user address space, or otherwise malformed.
	KindBadAddress
	// KindIO indicates a backing-store read failed or was short.
	KindIO
	// KindFatal indicates an invariant violation reached from the real
	// kernel fault path, where there is no graceful return.
	KindFatal
)

var (
	// ErrOutOfMemory is returned when the physical or slab allocator is
	// exhausted.
	ErrOutOfMemory = &Error{KindOutOfMemory, "out of memory"}
	// ErrOverlap is returned by AddressSpace.Insert when the target span
	// already contains a VMA.
	ErrOverlap = &Error{KindOverlap, "overlapping mapping"}
	// ErrPartialUnmap is returned by AddressSpace.Remove when a VMA in
	// the target span is not fully contained in it.
	ErrPartialUnmap = &Error{KindPartialUnmap, "partial unmap not supported"}
	// ErrBadAddress is returned for addresses at or beyond the user
	// ceiling, wrapped ranges, or malformed VMA extents.
	ErrBadAddress = &Error{KindBadAddress, "bad address"}
	// ErrIO is returned when demand-loading a node's backing file fails
	// or returns fewer bytes than requested, outside the fault path.
	ErrIO = &Error{KindIO, "backing store i/o error"}
	// ErrFatal indicates an invariant violation that, on the real fault
	// path, terminates the kernel rather than returning to the caller.
	ErrFatal = &Error{KindFatal, "fatal virtual memory invariant violation"}
)

// Is reports whether err is (or wraps, per errors.Is) the given sentinel.
func Is(err error, sentinel *Error) bool {
	return errors.Is(err, sentinel)
}
