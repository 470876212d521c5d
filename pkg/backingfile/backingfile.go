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

// Package backingfile implements the backing-store file abstraction §6
// calls out as an external collaborator: a random-read-at-offset handle
// that ONDEMAND vmnode.Node values read from during demand_load, plus
// dup/put reference counting so a clone shares the same underlying file.
package backingfile

import (
	"io"
	"os"
	"sync"

	"vmkern.dev/vm/pkg/kernelerr"
)

// File is a reference-counted random-access read handle onto a backing
// store (typically a memory-mapped payload or an *os.File).
type File struct {
	mu       sync.Mutex
	readerAt io.ReaderAt
	closer   io.Closer
	refs     int
}

// Open wraps f (an *os.File or any io.ReaderAt) with one reference.
func Open(f io.ReaderAt) *File {
	closer, _ := f.(io.Closer)
	return &File{readerAt: f, closer: closer, refs: 1}
}

// OpenPath opens the file at path for reading.
func OpenPath(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, kernelerr.ErrIO
	}
	return Open(f), nil
}

// ReadAt reads len(buf) bytes starting at offset, returning
// kernelerr.ErrIO on any error, including a short read (demand_load
// treats a short read as fatal per §4.1).
func (f *File) ReadAt(buf []byte, offset int64) error {
	n, err := f.readerAt.ReadAt(buf, offset)
	if n != len(buf) {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return kernelerr.ErrIO
	}
	if err != nil && err != io.EOF {
		return kernelerr.ErrIO
	}
	return nil
}

// Dup increments the reference count and returns f, matching file_dup in
// the §6 external-interface list: a clone of an ONDEMAND node shares one
// File rather than reopening the backing store.
func (f *File) Dup() *File {
	f.mu.Lock()
	f.refs++
	f.mu.Unlock()
	return f
}

// Put decrements the reference count, closing the underlying file once
// it reaches zero (file_put).
func (f *File) Put() {
	f.mu.Lock()
	f.refs--
	closeNow := f.refs == 0
	f.mu.Unlock()
	if closeNow && f.closer != nil {
		f.closer.Close()
	}
}
