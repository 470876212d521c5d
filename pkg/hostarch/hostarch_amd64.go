// Copyright 2019 The gVisor Authors.
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

//go:build amd64

package hostarch

const (
	// PageShift is the binary log of the system page size. amd64 only
	// supports a single page size for PTEs installed by this subsystem
	// (huge pages are not mapped by user VMAs).
	PageShift = 12

	// HugePageShift is the binary log of the amd64 2MB huge page size.
	// Unused by the VMA path but kept for parity with the teacher's
	// per-arch file split.
	HugePageShift = 21
)
