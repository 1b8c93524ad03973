package boot

import (
	"encoding/binary"
	"testing"

	"bootcore/kernel/loader"
	"bootcore/kernel/mem"
	"bootcore/kernel/mem/physmem"
	"bootcore/kernel/mem/vmm"
)

func TestArgsSize(t *testing.T) {
	if exp := mem.Size(17 * 8); ArgsSize != exp {
		t.Fatalf("expected encoded size %d; got %d", exp, ArgsSize)
	}
}

func TestWriteReadArgs(t *testing.T) {
	window, err := physmem.NewRegion(0x10000, make([]byte, 2*mem.PageSize))
	if err != nil {
		t.Fatal(err)
	}

	args := Args{
		Image:             loader.LoadedImage{Base: 0x200000, Pages: 12, EntryPoint: 0xffffffff00001234},
		Framebuffer:       Framebuffer{Base: 0xfd000000, Size: 0x300000, Width: 1024, Height: 768, Stride: 1024, Format: 2},
		FontBase:          0x400000,
		FontSize:          0x8000,
		HeapSize:          0x100000,
		TrackerBase:       0x1000,
		TrackerBlockWords: 511,
		RootTable:         0x2000,
		RootLevel:         vmm.Level5,
	}

	const addr = uintptr(0x10ff8)
	if err = WriteArgs(window, addr, args); err != nil {
		t.Fatal(err)
	}

	// The block is stored as little-endian words starting with the magic.
	raw, _ := window.Slice(addr, ArgsSize)
	if got := binary.LittleEndian.Uint64(raw); got != argsMagic {
		t.Fatalf("expected magic word 0x%x; got 0x%x", argsMagic, got)
	}
	if got := binary.LittleEndian.Uint64(raw[3*8:]); got != 0xffffffff00001234 {
		t.Fatalf("expected entry point word; got 0x%x", got)
	}

	got, err := ReadArgs(window, addr)
	if err != nil {
		t.Fatal(err)
	}

	if got != args {
		t.Fatalf("expected args:\n%+v\ngot:\n%+v", args, got)
	}

	t.Run("bad magic", func(t *testing.T) {
		raw[0] ^= 0xff
		defer func() { raw[0] ^= 0xff }()

		if _, err := ReadArgs(window, addr); err != ErrBadArgs {
			t.Fatalf("expected ErrBadArgs; got %v", err)
		}
	})

	t.Run("empty memory", func(t *testing.T) {
		if _, err := ReadArgs(window, 0x11000); err != ErrBadArgs {
			t.Fatalf("expected ErrBadArgs; got %v", err)
		}
	})

	t.Run("unaligned", func(t *testing.T) {
		if err := WriteArgs(window, addr+4, args); err != errUnalignedArgs {
			t.Fatalf("expected errUnalignedArgs; got %v", err)
		}

		if _, err := ReadArgs(window, addr+4); err != errUnalignedArgs {
			t.Fatalf("expected errUnalignedArgs; got %v", err)
		}
	})

	t.Run("outside window", func(t *testing.T) {
		if err := WriteArgs(window, 0x12000-8, args); err == nil {
			t.Fatal("expected an error")
		}

		if _, err := ReadArgs(window, 0x8000); err == nil {
			t.Fatal("expected an error")
		}
	})
}
