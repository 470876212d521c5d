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

package ptable

import (
	"sync"
	"testing"

	"vmkern.dev/vm/pkg/atomicbitops"
	"vmkern.dev/vm/pkg/hostarch"
)

func TestEncodePhysFlagsRoundTrip(t *testing.T) {
	phys := uint64(0x1234000)
	flags := P | U | W
	pte := Encode(phys, flags)
	if got := Phys(pte); got != phys {
		t.Errorf("Phys() = %#x, want %#x", got, phys)
	}
	if got := Flags(pte); got != flags {
		t.Errorf("Flags() = %#x, want %#x", got, flags)
	}
}

func TestWalkCreatesOnDemand(t *testing.T) {
	pml := NewKernelPML()
	va := hostarch.Addr(0x10000)

	if _, ok := pml.Walk(va, false); ok {
		t.Fatalf("Walk(create=false) on unmapped address reported ok=true")
	}
	pte, ok := pml.Walk(va, true)
	if !ok {
		t.Fatalf("Walk(create=true) reported ok=false")
	}
	pte.Store(Encode(0x5000, P|U|W))

	again, ok := pml.Walk(va, false)
	if !ok {
		t.Fatalf("Walk(create=false) after creation reported ok=false")
	}
	if again != pte {
		t.Fatalf("Walk returned a different slot for the same address")
	}
}

func TestWalkRoundsDownToPageBoundary(t *testing.T) {
	pml := NewKernelPML()
	base := hostarch.Addr(0x20000)
	pte, _ := pml.Walk(base+17, true)
	same, _ := pml.Walk(base, true)
	if pte != same {
		t.Fatalf("Walk did not round the address down to the page boundary")
	}
}

func TestInstallKsharedMapsContiguousRegion(t *testing.T) {
	pml := NewKernelPML()
	region := hostarch.AddrRange{Start: 0x40000, End: 0x40000 + 3*hostarch.PageSize}
	if err := pml.InstallKshared(region, 0x80000); err != nil {
		t.Fatalf("InstallKshared failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		va := region.Start + hostarch.Addr(i)*hostarch.PageSize
		pte, ok := pml.Walk(va, false)
		if !ok {
			t.Fatalf("page %d not mapped", i)
		}
		v := pte.Load()
		if Flags(v) != P|W {
			t.Errorf("page %d flags = %#x, want P|W (no U bit)", i, Flags(v))
		}
		if want := uint64(0x80000) + uint64(i)*hostarch.PageSize; Phys(v) != want {
			t.Errorf("page %d phys = %#x, want %#x", i, Phys(v), want)
		}
		if got := MemType(v); got != hostarch.MemoryTypeWriteBack {
			t.Errorf("page %d memory type = %v, want WriteBack", i, got)
		}
	}
}

func TestWithMemTypePreservesPhysAndFlags(t *testing.T) {
	pte := Encode(0x7000, P|U|W)
	tagged := WithMemType(pte, hostarch.MemoryTypeUncached)
	if Phys(tagged) != 0x7000 {
		t.Errorf("Phys(tagged) = %#x, want 0x7000", Phys(tagged))
	}
	if Flags(tagged)&(P|U|W) != P|U|W {
		t.Errorf("Flags(tagged) = %#x, lost P|U|W", Flags(tagged))
	}
	if got := MemType(tagged); got != hostarch.MemoryTypeUncached {
		t.Errorf("MemType(tagged) = %v, want Uncached", got)
	}
}

func TestCASRetriesAroundLock(t *testing.T) {
	pte := atomicbitops.FromUint64(Encode(0x1000, P|U|W|LOCK))
	done := make(chan struct{})
	go func() {
		_, applied := CAS(&pte, func(old uint64) (uint64, bool) {
			return Encode(Phys(old), P|U|COW), true
		})
		if !applied {
			t.Errorf("CAS did not apply")
		}
		close(done)
	}()

	// Give the goroutine a chance to spin on the locked PTE before we
	// release it, without making the test depend on exact timing for
	// correctness (only for exercising the spin path at all).
	unlocked := Encode(0x1000, P|U|W)
	pte.Store(unlocked)
	<-done

	if got := Flags(pte.Load()); got != P|U|COW {
		t.Errorf("final flags = %#x, want P|U|COW", got)
	}
}

func TestCASRejectsWhenTransformDeclines(t *testing.T) {
	pte := atomicbitops.FromUint64(Encode(0x2000, P|U|W))
	prev, applied := CAS(&pte, func(old uint64) (uint64, bool) {
		return 0, false
	})
	if applied {
		t.Fatalf("CAS applied despite transform returning ok=false")
	}
	if prev != Encode(0x2000, P|U|W) {
		t.Errorf("prev = %#x, want unchanged PTE", prev)
	}
}

func TestUpdatePagesReportsPresence(t *testing.T) {
	pml := NewKernelPML()
	start := hostarch.Addr(0x50000)
	end := start + 2*hostarch.PageSize

	anyPresent := UpdatePages(pml, start, end, func(old uint64) (uint64, bool) {
		return Encode(0x9000, P|U|W), true
	})
	if anyPresent {
		t.Errorf("anyPresent = true on first installation of fresh entries")
	}

	anyPresent = UpdatePages(pml, start, end, func(old uint64) (uint64, bool) {
		return 0, true
	})
	if !anyPresent {
		t.Errorf("anyPresent = false clearing previously-present entries")
	}
}

func TestConcurrentCASOnlyOneWinnerPerTransition(t *testing.T) {
	pte := atomicbitops.FromUint64(Encode(0x3000, P|U|W))
	var wg sync.WaitGroup
	wins := make([]bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, applied := CAS(&pte, func(old uint64) (uint64, bool) {
				if Flags(old)&COW != 0 {
					return old, false
				}
				return Encode(Phys(old), P|U|COW), true
			})
			wins[i] = applied
		}(i)
	}
	wg.Wait()

	count := 0
	for _, w := range wins {
		if w {
			count++
		}
	}
	if count != 1 {
		t.Errorf("winners = %d, want exactly 1", count)
	}
}
