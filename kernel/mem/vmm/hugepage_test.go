package vmm

import (
	"novaos/kernel/mem"
	"testing"
)

func TestHugePageLevel(t *testing.T) {
	specs := []struct {
		size mem.PageSizeClass
		want uint8
	}{
		{mem.Size4KiB, pageLevels - 1},
		{mem.Size2MiB, pageLevels - 2},
		{mem.Size1GiB, pageLevels - 3},
	}

	for _, spec := range specs {
		if got := hugePageLevel(spec.size); got != spec.want {
			t.Errorf("size %s: expected level %d; got %d", spec.size, spec.want, got)
		}
	}
}

func TestMapHugeRejectsMisalignedPage(t *testing.T) {
	if err := MapHuge(Page(1), 0, mem.Size2MiB, FlagPresent); err != errMisalignedHugePage {
		t.Fatalf("expected errMisalignedHugePage for a misaligned page; got %v", err)
	}
}

func TestMapHugeRejectsMisalignedFrame(t *testing.T) {
	alignedPage := Page(uintptr(mem.Size2MiB.Bytes()) >> mem.PageShift)
	if err := MapHuge(alignedPage, 1, mem.Size2MiB, FlagPresent); err != errMisalignedHugePage {
		t.Fatalf("expected errMisalignedHugePage for a misaligned frame; got %v", err)
	}
}
