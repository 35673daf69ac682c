package lio

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/c35s/liovf/fwsim"
	"github.com/c35s/liovf/hw"
	"github.com/c35s/liovf/lio/wire"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scTestDevice builds a device with the command channel and bootstrap
// queue up, skipping the handshake.
func scTestDevice(t *testing.T, sim *fwsim.Sim) *Device {
	t.Helper()

	d := &Device{
		plat:  sim,
		alarm: hw.TimerAlarm{},
		log:   discardLog(),
	}

	d.pool = newSCPool()
	d.resp = newResponseList()

	if err := d.setupInstrQueue0(); err != nil {
		t.Fatal(err)
	}

	return d
}

func TestSendRxCtrl(t *testing.T) {
	sim := fwsim.New(fwsim.Config{})
	d := scTestDevice(t, sim)

	if err := d.sendRxCtrl(true); err != nil {
		t.Fatal(err)
	}

	if !sim.RxEnabled() {
		t.Error("rx not enabled")
	}

	if err := d.sendRxCtrl(false); err != nil {
		t.Fatal(err)
	}

	if sim.RxEnabled() {
		t.Error("rx still enabled")
	}

	if n := len(d.pool.free); n != scPoolSize {
		t.Errorf("pool has %d free buffers, want %d", n, scPoolSize)
	}
}

func TestExchangeTimeout(t *testing.T) {
	sim := fwsim.New(fwsim.Config{
		DropSubcodes: []uint32{wire.SubcodeCmd},
	})

	d := scTestDevice(t, sim)

	sc, err := d.allocSoftCommand(16)
	if err != nil {
		t.Fatal(err)
	}

	sc.Opcode = wire.OpcodeNIC
	sc.Subcode = wire.SubcodeCmd
	sc.Wait = 5 * cmdPollInterval

	if err := d.exchange(sc); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	// the buffer belongs to the abandoned command until firmware answers
	if n := len(d.pool.free); n != scPoolSize-1 {
		t.Fatalf("pool has %d free buffers, want %d", n, scPoolSize-1)
	}

	if n := d.resp.pending(); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}

	// the late completion is reclaimed by the next flush
	sim.FlushDropped(fwsim.StatusOK)
	d.flushIQ(0)

	if n := len(d.pool.free); n != scPoolSize {
		t.Fatalf("pool has %d free buffers after flush, want %d", n, scPoolSize)
	}

	if n := d.resp.pending(); n != 0 {
		t.Fatalf("pending after flush = %d, want 0", n)
	}
}

func TestExchangeNeverHangs(t *testing.T) {
	sim := fwsim.New(fwsim.Config{
		DropSubcodes: []uint32{wire.SubcodeCmd},
	})

	d := scTestDevice(t, sim)

	sc, err := d.allocSoftCommand(16)
	if err != nil {
		t.Fatal(err)
	}

	sc.Opcode = wire.OpcodeNIC
	sc.Subcode = wire.SubcodeCmd
	sc.Wait = cmdPollInterval // smallest budget: one tick

	done := make(chan error, 1)
	go func() { done <- d.exchange(sc) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("err = %v, want ErrTimeout", err)
		}

	case <-time.After(10 * time.Second):
		t.Fatal("exchange hung")
	}
}

func TestExchangeProtocolError(t *testing.T) {
	sim := fwsim.New(fwsim.Config{
		FailSubcodes: map[uint32]uint64{wire.SubcodeCmd: 2},
	})

	d := scTestDevice(t, sim)

	if err := d.sendRxCtrl(true); !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}

	// a failed exchange returns its buffer
	if n := len(d.pool.free); n != scPoolSize {
		t.Errorf("pool has %d free buffers, want %d", n, scPoolSize)
	}
}

func TestExchangeMissingQueue(t *testing.T) {
	sim := fwsim.New(fwsim.Config{})
	d := scTestDevice(t, sim)

	sc, err := d.allocSoftCommand(16)
	if err != nil {
		t.Fatal(err)
	}

	sc.Opcode = wire.OpcodeNIC
	sc.Subcode = wire.SubcodeCmd
	sc.IQNo = 5

	if err := d.exchange(sc); !errors.Is(err, ErrSendFailed) {
		t.Fatalf("err = %v, want ErrSendFailed", err)
	}

	if n := len(d.pool.free); n != scPoolSize {
		t.Errorf("pool has %d free buffers, want %d", n, scPoolSize)
	}
}

func TestExchangeFullRing(t *testing.T) {
	sim := fwsim.New(fwsim.Config{})
	d := scTestDevice(t, sim)

	// jam the ring: posted but never rung, so firmware never consumes
	for d.iq[0].Post(hw.Command{}) == nil {
	}

	sc, err := d.allocSoftCommand(16)
	if err != nil {
		t.Fatal(err)
	}

	sc.Opcode = wire.OpcodeNIC
	sc.Subcode = wire.SubcodeCmd

	if err := d.exchange(sc); !errors.Is(err, ErrSendFailed) {
		t.Fatalf("err = %v, want ErrSendFailed", err)
	}
}

func TestAllocExhaustion(t *testing.T) {
	sim := fwsim.New(fwsim.Config{})
	d := scTestDevice(t, sim)

	held := make([]*SoftCommand, 0, scPoolSize)
	for i := 0; i < scPoolSize; i++ {
		sc, err := d.allocSoftCommand(16)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}

		held = append(held, sc)
	}

	if _, err := d.allocSoftCommand(16); !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}

	for _, sc := range held {
		d.freeSoftCommand(sc)
	}

	if _, err := d.allocSoftCommand(16); err != nil {
		t.Fatalf("alloc after free: %v", err)
	}
}

func TestAllocBadSize(t *testing.T) {
	sim := fwsim.New(fwsim.Config{})
	d := scTestDevice(t, sim)

	for _, size := range []int{0, 7, scBufSize + 1} {
		if _, err := d.allocSoftCommand(size); !errors.Is(err, ErrConfig) {
			t.Errorf("size %d: err = %v, want ErrConfig", size, err)
		}
	}
}
