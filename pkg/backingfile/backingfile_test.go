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

package backingfile

import (
	"bytes"
	"testing"

	"vmkern.dev/vm/pkg/kernelerr"
)

type closeTracker struct {
	*bytes.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func newTracker(content []byte) *closeTracker {
	return &closeTracker{Reader: bytes.NewReader(content)}
}

func TestReadAtFull(t *testing.T) {
	f := Open(bytes.NewReader([]byte("hello world")))
	buf := make([]byte, 5)
	if err := f.ReadAt(buf, 6); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if string(buf) != "world" {
		t.Errorf("ReadAt = %q, want %q", buf, "world")
	}
}

func TestReadAtShortReadIsIO(t *testing.T) {
	f := Open(bytes.NewReader([]byte("short")))
	buf := make([]byte, 10)
	err := f.ReadAt(buf, 0)
	if !kernelerr.Is(err, kernelerr.ErrIO) {
		t.Fatalf("ReadAt error = %v, want ErrIO", err)
	}
}

func TestDupPutRefcounting(t *testing.T) {
	tr := newTracker([]byte("data"))
	f := Open(tr)

	dup := f.Dup()
	if dup != f {
		t.Fatalf("Dup returned a different handle")
	}

	f.Put()
	if tr.closed {
		t.Fatalf("file closed after first Put, still has a reference")
	}
	dup.Put()
	if !tr.closed {
		t.Fatalf("file not closed after refcount reached zero")
	}
}

func TestOpenPathMissing(t *testing.T) {
	_, err := OpenPath("/nonexistent/path/that/should/not/exist")
	if !kernelerr.Is(err, kernelerr.ErrIO) {
		t.Fatalf("OpenPath error = %v, want ErrIO", err)
	}
}
