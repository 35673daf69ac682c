package ring_test

import (
	"errors"
	"testing"

	"github.com/c35s/liovf/hw"
	"github.com/c35s/liovf/lio/ring"
)

func TestNewIQBadCounts(t *testing.T) {
	for _, count := range []uint32{0, 16, 33, 100, 65536} {
		if _, err := ring.NewIQ(0, 0, count); !errors.Is(err, ring.ErrBadCount) {
			t.Errorf("count %d: err = %v, want ErrBadCount", count, err)
		}
	}

	if _, err := ring.NewIQ(0, 0, ring.MinDescs); err != nil {
		t.Errorf("count %d: %v", ring.MinDescs, err)
	}
}

func TestIQPostReclaim(t *testing.T) {
	q, err := ring.NewIQ(0, 3, 32)
	if err != nil {
		t.Fatal(err)
	}

	if q.FWNo() != 3 {
		t.Fatalf("fw ring = %d, want 3", q.FWNo())
	}

	// fill the ring
	for i := 0; i < 32; i++ {
		if err := q.Post(hw.Command{Header: [8]uint64{uint64(i)}}); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}

	if err := q.Post(hw.Command{}); !errors.Is(err, ring.ErrFull) {
		t.Fatalf("post on full ring: err = %v, want ErrFull", err)
	}

	// firmware consumed 10, another 10 fit
	if n := q.Reclaim(10); n != 10 {
		t.Fatalf("reclaimed %d, want 10", n)
	}

	for i := 0; i < 10; i++ {
		if err := q.Post(hw.Command{}); err != nil {
			t.Fatalf("post after reclaim: %v", err)
		}
	}

	if p := q.Pending(); p != 32 {
		t.Fatalf("pending = %d, want 32", p)
	}

	// the count register is cumulative: passing it again frees nothing
	if n := q.Reclaim(10); n != 0 {
		t.Fatalf("re-reclaimed %d, want 0", n)
	}

	if n := q.Reclaim(42); n != 32 {
		t.Fatalf("reclaimed %d, want 32", n)
	}
}

func TestNewOQ(t *testing.T) {
	pool := &hw.MemPool{Room: 256, Limit: 64}

	q, err := ring.NewOQ(1, 32, 128, pool)
	if err != nil {
		t.Fatal(err)
	}

	if q.Count() != 32 || q.BufSize() != 128 {
		t.Fatalf("count/bufsize = %d/%d, want 32/128", q.Count(), q.BufSize())
	}

	q.Close()

	// all buffers are back: another full ring fits in the limit
	q2, err := ring.NewOQ(1, 64, 128, pool)
	if err != nil {
		t.Fatal(err)
	}

	q2.Close()
}

func TestNewOQExhaustedPool(t *testing.T) {
	pool := &hw.MemPool{Room: 256, Limit: 16}

	if _, err := ring.NewOQ(0, 32, 128, pool); !errors.Is(err, hw.ErrPoolEmpty) {
		t.Fatalf("err = %v, want ErrPoolEmpty", err)
	}

	// the partial fill was rolled back
	for i := 0; i < 16; i++ {
		if _, err := pool.Get(); err != nil {
			t.Fatalf("pool leaked a buffer: %v", err)
		}
	}
}
