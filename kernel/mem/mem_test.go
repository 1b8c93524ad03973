package mem

import "testing"

func TestSizePages(t *testing.T) {
	specs := []struct {
		size     Size
		expPages uint64
	}{
		{0, 0},
		{1 * Byte, 1},
		{PageSize, 1},
		{PageSize + 1, 2},
		{2 * Mb, 512},
		{1 * Gb, 262144},
	}

	for specIndex, spec := range specs {
		if got := spec.size.Pages(); got != spec.expPages {
			t.Errorf("[spec %d] expected Pages() for size %d to return %d; got %d", specIndex, spec.size, spec.expPages, got)
		}
	}
}

func TestAlignment(t *testing.T) {
	specs := []struct {
		addr, align    uint64
		expDown, expUp uint64
	}{
		{0, 4096, 0, 0},
		{1, 4096, 0, 4096},
		{4096, 4096, 4096, 4096},
		{0x1234, 0x1000, 0x1000, 0x2000},
		{0x201000, 0x200000, 0x200000, 0x400000},
	}

	for specIndex, spec := range specs {
		if got := AlignDown(spec.addr, spec.align); got != spec.expDown {
			t.Errorf("[spec %d] expected AlignDown(0x%x, 0x%x) to return 0x%x; got 0x%x", specIndex, spec.addr, spec.align, spec.expDown, got)
		}
		if got := AlignUp(spec.addr, spec.align); got != spec.expUp {
			t.Errorf("[spec %d] expected AlignUp(0x%x, 0x%x) to return 0x%x; got 0x%x", specIndex, spec.addr, spec.align, spec.expUp, got)
		}
	}

	for _, v := range []uint64{1, 2, 4096, 1 << 40} {
		if !IsPowerOfTwo(v) {
			t.Errorf("expected %d to be a power of two", v)
		}
	}
	for _, v := range []uint64{0, 3, 4095, 0x3000} {
		if IsPowerOfTwo(v) {
			t.Errorf("expected %d not to be a power of two", v)
		}
	}
}

func TestMemset(t *testing.T) {
	// Memset with a 0 size should be a no-op
	Memset(nil, 0x00)

	for pageCount := uint64(1); pageCount <= 10; pageCount++ {
		buf := make([]byte, PageSize<<pageCount)
		for i := 0; i < len(buf); i++ {
			buf[i] = 0xFE
		}

		Memset(buf, 0x00)

		for i := 0; i < len(buf); i++ {
			if got := buf[i]; got != 0x00 {
				t.Errorf("[block with %d pages] expected byte: %d to be 0x00; got 0x%x", pageCount, i, got)
			}
		}
	}
}
