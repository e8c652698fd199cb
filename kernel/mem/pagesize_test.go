package mem

import "testing"

func TestPageSizeClassBytes(t *testing.T) {
	specs := []struct {
		class PageSizeClass
		want  Size
	}{
		{Size4KiB, PageSize},
		{Size2MiB, 2 * Mb},
		{Size1GiB, 1 * Gb},
	}

	for _, spec := range specs {
		if got := spec.class.Bytes(); got != spec.want {
			t.Errorf("class %d: expected %d bytes; got %d", spec.class, spec.want, got)
		}
	}
}

func TestPageSizeClassString(t *testing.T) {
	if Size4KiB.String() != "4KiB" || Size2MiB.String() != "2MiB" || Size1GiB.String() != "1GiB" {
		t.Fatal("unexpected PageSizeClass.String() output")
	}
}
