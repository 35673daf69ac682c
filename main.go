// Command liovf drives a simulated LiquidIO CN23XX VF through its whole
// control-plane lifecycle: attach, queue configuration, start, a spell
// of link flapping, then teardown. It is a smoke test for the driver
// core and a worked example of the API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/c35s/liovf/config"
	"github.com/c35s/liovf/fwsim"
	"github.com/c35s/liovf/hw"
	"github.com/c35s/liovf/lio"
	"github.com/c35s/liovf/lio/wire"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

func main() {

	var (
		cfgPath  = flag.String("config", "", "load settings from a YAML file")
		duration = flag.Duration("duration", 3*time.Second, "how long to run before teardown")
		flap     = flag.Duration("flap", 500*time.Millisecond, "interval between simulated link flaps")
	)

	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			slog.Error("load config", "err", err)
			os.Exit(1)
		}
	}

	log := newLogger(cfg.Level())

	sim := fwsim.New(fwsim.Config{})

	dev, err := lio.Attach(lio.Config{
		Platform: sim,
		Log:      log,
	})

	if err != nil {
		log.Error("attach", "err", err)
		os.Exit(1)
	}

	defer dev.Close()

	if err := dev.Configure(cfg.RxQueues, cfg.TxQueues); err != nil {
		log.Error("configure", "err", err)
		os.Exit(1)
	}

	mac := dev.MAC()
	log.Info("configured", "mac", mac[:], "state", dev.State())

	rx, tx := dev.GrantedQueues()

	pool := &hw.MemPool{Room: 2048}
	for q := uint32(0); q < rx; q++ {
		if _, err := dev.CreateRxQueue(q, uint32(cfg.RxDescs), pool); err != nil {
			log.Error("create rx queue", "q", q, "err", err)
			os.Exit(1)
		}
	}

	for q := uint32(0); q < tx; q++ {
		if _, err := dev.CreateTxQueue(q, uint32(cfg.TxDescs)); err != nil {
			log.Error("create tx queue", "q", q, "err", err)
			os.Exit(1)
		}
	}

	if err := dev.Start(); err != nil {
		log.Error("start", "err", err)
		os.Exit(1)
	}

	log.Info("running", "rx_queues", rx, "tx_queues", tx)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	// Flap the simulated link so the monitor has something to report.
	g.Go(func() error {
		up := true
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(*flap):
			}

			up = !up
			sim.SetLink(wire.MakeLinkStatus(1500, wire.Speed10G, wire.DuplexFull, up, true))
		}
	})

	// Watch the published snapshot from the driver's side.
	g.Go(func() error {
		last := dev.Link()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(50 * time.Millisecond):
			}

			if cur := dev.Link(); cur != last {
				log.Info("link", "up", cur.Up, "speed_mbps", cur.SpeedMbps)
				last = cur
			}
		}
	})

	if err := g.Wait(); err != nil {
		log.Error("run", "err", err)
	}

	if err := dev.Stop(); err != nil {
		log.Error("stop", "err", err)
		os.Exit(1)
	}

	log.Info("stopped", "state", dev.State())
}

func newLogger(level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
