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

package vmconfig

import (
	"testing"

	"vmkern.dev/vm/pkg/hostarch"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.PageSize != hostarch.PageSize {
		t.Errorf("PageSize = %d, want %d", cfg.PageSize, hostarch.PageSize)
	}
	if !cfg.UserCeiling.IsPageAligned() {
		t.Errorf("UserCeiling %#x is not page-aligned", cfg.UserCeiling)
	}
	if cfg.NodeMaxPages <= 0 {
		t.Errorf("NodeMaxPages = %d, want > 0", cfg.NodeMaxPages)
	}
}
