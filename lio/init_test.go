package lio

import (
	"errors"
	"testing"

	"github.com/c35s/liovf/fwsim"
	"github.com/c35s/liovf/hw"
	"github.com/c35s/liovf/lio/cn23xx"
)

// mutePF passes everything through except the mailbox signal, so the
// simulated PF never sees the handshake.
type mutePF struct {
	hw.Platform
}

func (m mutePF) WriteReg(off uint64, v uint64) {
	if off == cn23xx.MboxVFToPFSig {
		return
	}

	m.Platform.WriteReg(off, v)
}

func TestAttachBadChip(t *testing.T) {
	sim := fwsim.New(fwsim.Config{})

	_, err := Attach(Config{Platform: sim, Log: discardLog(), ChipID: 0x1234})
	if !errors.Is(err, ErrChip) {
		t.Fatalf("err = %v, want ErrChip", err)
	}
}

func TestAttachSilentPF(t *testing.T) {
	sim := fwsim.New(fwsim.Config{})

	_, err := Attach(Config{Platform: mutePF{sim}, Log: discardLog()})
	if !errors.Is(err, ErrInit) || !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrInit wrapping ErrTimeout", err)
	}
}

func TestAttachVersionMismatch(t *testing.T) {
	sim := fwsim.New(fwsim.Config{PFMajor: 2})

	_, err := Attach(Config{Platform: sim, Log: discardLog()})
	if !errors.Is(err, ErrInit) || !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrInit wrapping ErrProtocol", err)
	}
}

func TestAttachRefusedEnable(t *testing.T) {
	sim := fwsim.New(fwsim.Config{RefuseEnable: true})

	_, err := Attach(Config{Platform: sim, Log: discardLog()})
	if !errors.Is(err, ErrInit) || !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrInit wrapping ErrProtocol", err)
	}
}

// A failed bring-up must free everything it acquired.
func TestInitFailureCleanup(t *testing.T) {
	sim := fwsim.New(fwsim.Config{})

	d := &Device{
		plat:  mutePF{sim},
		alarm: hw.TimerAlarm{},
		log:   discardLog(),
	}

	if err := d.firstTimeInit(ChipCN23XXVF); !errors.Is(err, ErrInit) {
		t.Fatalf("err = %v, want ErrInit", err)
	}

	if d.pool != nil || d.resp != nil {
		t.Error("command channel left behind")
	}

	if d.mbox != nil || d.hsPoll != nil {
		t.Error("mailbox state left behind")
	}

	if d.iq[0] != nil {
		t.Error("bootstrap queue left behind")
	}
}
