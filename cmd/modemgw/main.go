// Command modemgw runs the modem gateway daemon: it owns the serial modem,
// answers whitelisted inbound calls, places outbound calls, handles SIM PIN
// security at startup, and exposes the control protocol on a TCP port.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/jaracil/modemgw/call"
	"github.com/jaracil/modemgw/config"
	"github.com/jaracil/modemgw/event"
	"github.com/jaracil/modemgw/modem"
	"github.com/jaracil/modemgw/secrets"
	"github.com/jaracil/modemgw/server"
	"github.com/jaracil/modemgw/sim"
)

type options struct {
	Device   string `short:"d" long:"device" description:"Serial device of the modem" default:"/dev/ttyUSB2"`
	Baud     int    `short:"b" long:"baud" description:"Serial baud rate" default:"115200"`
	Listen   string `short:"l" long:"listen" description:"Control protocol listen address" default:":5555"`
	Config   string `short:"c" long:"config" description:"Site settings file" default:"/mnt/data/K3_config_settings"`
	Secrets  string `short:"s" long:"secrets" description:"Decrypted site store with SIM pins" default:"/mnt/data/site_info.d"`
	LogLevel string `long:"log-level" description:"Log level" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error"`
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(opts.LogLevel)}))
	slog.SetDefault(log)

	if err := run(opts, log); err != nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(opts options, log *slog.Logger) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return err
	}
	var cfgPtr atomic.Pointer[config.Config]
	cfgPtr.Store(cfg)
	log.Info("configuration loaded", "whitelist", len(cfg.Whitelist),
		"ring_threshold", cfg.RingThreshold, "auto_answer", cfg.AutoAnswer)

	store, err := secrets.Load(opts.Secrets)
	if err != nil {
		log.Warn("site store unavailable, skipping sim unlock", "err", err)
		store = &secrets.Store{}
	}

	bus := event.NewBus(0, log)

	// The reader goroutine can classify a notification before the machine
	// below exists; hold deliveries until wiring is complete.
	var machine *call.Machine
	wired := make(chan struct{})
	ch, err := modem.New(modem.Config{
		Dialer: modem.SerialDialer{Device: opts.Device, Baud: opts.Baud},
		Logger: log,
		Notify: func(n modem.Notification) {
			<-wired
			switch n.Kind {
			case modem.NotifDTMF:
				bus.Publish(event.Event{
					Category: event.DTMF,
					Type:     event.TypeDTMFDigit,
					Fields:   map[string]string{"digit": n.Digit},
					Time:     time.Now(),
				})
			case modem.NotifSimStatus:
				bus.Publish(event.Event{
					Category: event.SimStatus,
					Type:     event.TypeSimStatus,
					Fields:   map[string]string{"state": n.Payload},
					Time:     time.Now(),
				})
			default:
				machine.HandleNotification(n)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("open modem: %w", err)
	}
	defer ch.Close()

	machine = call.New(call.Config{
		Channel:        ch,
		Bus:            bus,
		Whitelisted:    func(n string) bool { return cfgPtr.Load().Whitelisted(n) },
		RingThreshold:  cfg.RingThreshold,
		MaxRings:       cfg.MaxRings,
		AutoAnswer:     cfg.AutoAnswer,
		ConnectTimeout: cfg.ConnectTimeout,
		Logger:         log,
	})
	close(wired)

	simMgr := sim.New(ch, func() bool {
		return machine.StateSync() != call.Idle
	}, bus, log)

	ctx := context.Background()
	if err := unlockSim(ctx, simMgr, store, log); err != nil {
		return err
	}
	machine.Prime(ctx)

	srv := server.New(server.Config{
		Addr:   opts.Listen,
		Call:   machine,
		Sim:    simMgr,
		Bus:    bus,
		Logger: log,
	})
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		select {
		case err := <-errc:
			return err
		case sig := <-sigc:
			if sig == syscall.SIGHUP {
				next, err := config.Load(opts.Config)
				if err != nil {
					log.Error("config reload failed, keeping previous", "err", err)
					continue
				}
				cfgPtr.Store(next)
				// Only the whitelist is re-read live; ring and timeout
				// tunables apply on restart.
				log.Info("configuration reloaded", "whitelist", len(next.Whitelist))
				continue
			}
			log.Info("shutting down", "signal", sig.String())
			srv.Close()
			machine.Hangup()
			return nil
		}
	}
}

// unlockSim brings the SIM to a usable state with the site store
// credentials, rotating the PIN when the store requests it. A SIM left in
// PUK state or out of retries is fatal; a store with no pins is not.
func unlockSim(ctx context.Context, mgr *sim.Manager, store *secrets.Store, log *slog.Logger) error {
	st, err := mgr.CheckStatus(ctx)
	if err != nil {
		return fmt.Errorf("sim status: %w", err)
	}
	log.Info("sim status", "state", st.State.String(), "retries_left", st.RetriesLeft)

	if st.State == sim.PinRequired {
		if len(store.PINCandidates) == 0 {
			return fmt.Errorf("sim requires pin but site store has none")
		}
		st, err = mgr.Unlock(ctx, store.PINCandidates)
		if err != nil {
			return fmt.Errorf("sim unlock: %w", err)
		}
		log.Info("sim unlocked", "state", st.State.String())
	}

	if store.NewPIN != "" && st.AcceptedPIN != "" && st.AcceptedPIN != store.NewPIN {
		if err := mgr.SetPasswordAndLock(ctx, st.AcceptedPIN, store.NewPIN); err != nil {
			log.Error("sim pin rotation failed", "err", err)
		} else {
			log.Info("sim pin rotated")
		}
	}
	return nil
}
