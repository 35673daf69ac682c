//go:build linux

package hw_test

import (
	"errors"
	"os"
	"testing"

	"github.com/c35s/liovf/hw"
)

func TestArena(t *testing.T) {
	a, err := hw.NewArena(os.Getpagesize())
	if err != nil {
		t.Fatal(err)
	}

	defer a.Close()

	b, err := a.Alloc(100, 64)
	if err != nil {
		t.Fatal(err)
	}

	if len(b) != 100 {
		t.Fatalf("len = %d, want 100", len(b))
	}

	// the next allocation starts at the next aligned offset
	b2, err := a.Alloc(64, 64)
	if err != nil {
		t.Fatal(err)
	}

	if &b2[0] == &b[0] {
		t.Fatal("allocations overlap")
	}

	t.Run("full", func(t *testing.T) {
		if _, err := a.Alloc(a.Size(), 64); !errors.Is(err, hw.ErrArenaFull) {
			t.Errorf("err = %v, want ErrArenaFull", err)
		}
	})

	t.Run("bad align", func(t *testing.T) {
		if _, err := a.Alloc(64, 3); !errors.Is(err, hw.ErrBadArenaCfg) {
			t.Errorf("err = %v, want ErrBadArenaCfg", err)
		}
	})
}

func TestNewArenaBadSize(t *testing.T) {
	for _, size := range []int{0, -1, 100} {
		if _, err := hw.NewArena(size); !errors.Is(err, hw.ErrBadArenaCfg) {
			t.Errorf("size %d: err = %v, want ErrBadArenaCfg", size, err)
		}
	}
}

func TestSlabPool(t *testing.T) {
	a, err := hw.NewArena(os.Getpagesize())
	if err != nil {
		t.Fatal(err)
	}

	defer a.Close()

	p, err := hw.NewSlabPool(a, 4, 512)
	if err != nil {
		t.Fatal(err)
	}

	if p.RoomSize() != 512 {
		t.Fatalf("room = %d, want 512", p.RoomSize())
	}

	bufs := make([][]byte, 0, 4)
	for i := 0; i < 4; i++ {
		b, err := p.Get()
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}

		bufs = append(bufs, b)
	}

	if _, err := p.Get(); !errors.Is(err, hw.ErrPoolEmpty) {
		t.Fatalf("err = %v, want ErrPoolEmpty", err)
	}

	p.Put(bufs[0])

	if _, err := p.Get(); err != nil {
		t.Fatalf("get after put: %v", err)
	}
}
