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

// Package vmconfig holds the fixed ceilings the virtual memory subsystem
// is built against, constructed once per simulated machine and shared by
// every AddressSpace it creates — the same role gvisor's
// mm.MemoryManagerOpts plays for sentry/mm, scaled down to this
// subsystem's much smaller parameter set.
package vmconfig

import "vmkern.dev/vm/pkg/hostarch"

// Config holds the compile-time-ish ceilings named throughout the spec.
type Config struct {
	// PageSize is the hardware page size in bytes.
	PageSize hostarch.Addr
	// UserCeiling is the first address not part of the user address
	// space; VMAs must satisfy end <= UserCeiling.
	UserCeiling hostarch.Addr
	// NodeMaxPages bounds a single VmNode's page-frame array.
	NodeMaxPages int
}

// Default returns the configuration matching §8's concrete scenarios.
func Default() Config {
	return Config{
		PageSize:     hostarch.PageSize,
		UserCeiling:  0x7fff_ffff_f000,
		NodeMaxPages: 512,
	}
}
