package lio

import (
	"errors"
	"testing"

	"github.com/c35s/liovf/fwsim"
	"github.com/c35s/liovf/hw"
)

// configuredDevice attaches and configures a device against a fresh
// simulated function.
func configuredDevice(t *testing.T, simCfg fwsim.Config, numRx, numTx int) (*Device, *fwsim.Sim) {
	t.Helper()

	sim := fwsim.New(simCfg)

	d, err := Attach(Config{Platform: sim, Log: discardLog()})
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { d.Close() })

	if err := d.Configure(numRx, numTx); err != nil {
		t.Fatal(err)
	}

	return d, sim
}

func TestCreateTxQueue(t *testing.T) {
	d, _ := configuredDevice(t, fwsim.Config{}, 4, 4)

	iq, err := d.CreateTxQueue(0, 512)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("same count returns the queue", func(t *testing.T) {
		again, err := d.CreateTxQueue(0, 512)
		if err != nil {
			t.Fatal(err)
		}

		if again != iq {
			t.Error("got a different queue")
		}
	})

	t.Run("different count is rejected", func(t *testing.T) {
		if _, err := d.CreateTxQueue(0, 1024); !errors.Is(err, ErrReconfigure) {
			t.Errorf("err = %v, want ErrReconfigure", err)
		}
	})

	t.Run("out of range index", func(t *testing.T) {
		if _, err := d.CreateTxQueue(4, 512); !errors.Is(err, ErrBadQueue) {
			t.Errorf("err = %v, want ErrBadQueue", err)
		}
	})
}

func TestCreateTxQueueGatherRollback(t *testing.T) {
	d, _ := configuredDevice(t, fwsim.Config{}, 4, 4)

	// a valid ring size the gather table can't cover
	if _, err := d.CreateTxQueue(1, 32768); !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}

	fwNo := uint32(1) // identity queue map
	if d.iq[fwNo] != nil || d.sg[fwNo] != nil {
		t.Fatal("failed setup left queue state behind")
	}

	// the slot is still usable
	if _, err := d.CreateTxQueue(1, 512); err != nil {
		t.Fatal(err)
	}
}

func TestCreateRxQueue(t *testing.T) {
	d, _ := configuredDevice(t, fwsim.Config{}, 4, 4)

	pool := &hw.MemPool{Room: 2048}

	oq, err := d.CreateRxQueue(0, 256, pool)
	if err != nil {
		t.Fatal(err)
	}

	if oq.BufSize() != 2048-oqHeadroom {
		t.Errorf("bufsize = %d, want %d", oq.BufSize(), 2048-oqHeadroom)
	}

	t.Run("different count is rejected", func(t *testing.T) {
		if _, err := d.CreateRxQueue(0, 512, pool); !errors.Is(err, ErrReconfigure) {
			t.Errorf("err = %v, want ErrReconfigure", err)
		}
	})

	t.Run("pool room too small", func(t *testing.T) {
		small := &hw.MemPool{Room: oqHeadroom}
		if _, err := d.CreateRxQueue(1, 256, small); !errors.Is(err, ErrConfig) {
			t.Errorf("err = %v, want ErrConfig", err)
		}
	})

	t.Run("pool runs dry", func(t *testing.T) {
		tight := &hw.MemPool{Room: 2048, Limit: 16}
		if _, err := d.CreateRxQueue(1, 256, tight); !errors.Is(err, hw.ErrPoolEmpty) {
			t.Errorf("err = %v, want ErrPoolEmpty", err)
		}

		if d.oq[1] != nil {
			t.Error("failed setup left queue state behind")
		}
	})
}

func TestReleaseIsNoOpWhileConfigured(t *testing.T) {
	d, _ := configuredDevice(t, fwsim.Config{}, 4, 4)

	iq, err := d.CreateTxQueue(0, 512)
	if err != nil {
		t.Fatal(err)
	}

	pool := &hw.MemPool{Room: 2048}

	oq, err := d.CreateRxQueue(0, 256, pool)
	if err != nil {
		t.Fatal(err)
	}

	d.ReleaseTxQueue(iq)
	d.ReleaseRxQueue(oq)

	if d.iq[0] == nil || d.oq[0] == nil || d.sg[0] == nil {
		t.Fatal("release freed a queue on a configured port")
	}
}

func TestConfigure(t *testing.T) {
	d, _ := configuredDevice(t, fwsim.Config{}, 4, 4)

	if rx, tx := d.GrantedQueues(); rx != 4 || tx != 4 {
		t.Fatalf("granted = %d rx / %d tx, want 4/4", rx, tx)
	}

	if !d.Configured() || d.State() != StateConfigured {
		t.Fatalf("configured = %t, state = %s", d.Configured(), d.State())
	}

	t.Run("same counts are accepted", func(t *testing.T) {
		if err := d.Configure(4, 4); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("different counts are rejected", func(t *testing.T) {
		if err := d.Configure(2, 2); !errors.Is(err, ErrReconfigure) {
			t.Errorf("err = %v, want ErrReconfigure", err)
		}
	})
}

func TestConfigurePartialGrant(t *testing.T) {
	d, _ := configuredDevice(t, fwsim.Config{IQMask: 0x3, OQMask: 0x1}, 4, 4)

	if rx, tx := d.GrantedQueues(); rx != 1 || tx != 2 {
		t.Fatalf("granted = %d rx / %d tx, want 1/2", rx, tx)
	}
}

func TestConfigureBadCounts(t *testing.T) {
	sim := fwsim.New(fwsim.Config{})

	d, err := Attach(Config{Platform: sim, Log: discardLog()})
	if err != nil {
		t.Fatal(err)
	}

	defer d.Close()

	for _, counts := range [][2]int{{0, 4}, {4, 0}, {-1, 4}, {9, 4}, {4, 9}} {
		if err := d.Configure(counts[0], counts[1]); !errors.Is(err, ErrConfig) {
			t.Errorf("configure %v: err = %v, want ErrConfig", counts, err)
		}
	}
}

func TestConfigureZeroMasks(t *testing.T) {
	sim := fwsim.New(fwsim.Config{ZeroMasks: true})

	d, err := Attach(Config{Platform: sim, Log: discardLog()})
	if err != nil {
		t.Fatal(err)
	}

	defer d.Close()

	if err := d.Configure(4, 4); !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}

	if d.Configured() {
		t.Error("device claims to be configured")
	}
}
