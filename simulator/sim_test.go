package simulator_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/jaracil/modemgw/call"
	"github.com/jaracil/modemgw/event"
	"github.com/jaracil/modemgw/modem"
	"github.com/jaracil/modemgw/sim"
	"github.com/jaracil/modemgw/simulator"
)

// harness wires a full gateway stack to a simulator over a net.Pipe.
type harness struct {
	sim     *simulator.Sim
	channel *modem.Channel
	machine *call.Machine
	simMgr  *sim.Manager
	bus     *event.Bus
}

func newHarness(t *testing.T, simCfg *simulator.Config) *harness {
	t.Helper()
	host, dev := net.Pipe()
	simCfg.TTY = dev
	simCfg.RingInterval = 50 * time.Millisecond
	simCfg.DialDelay = 20 * time.Millisecond

	s, err := simulator.New(simCfg)
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{sim: s, bus: event.NewBus(0, nil)}

	wired := make(chan struct{})
	ch, err := modem.New(modem.Config{
		Dialer: modem.DialerFunc(func() (io.ReadWriteCloser, error) { return host, nil }),
		Notify: func(n modem.Notification) {
			<-wired
			if n.Kind == modem.NotifDTMF {
				h.bus.Publish(event.Event{
					Category: event.DTMF,
					Type:     event.TypeDTMFDigit,
					Fields:   map[string]string{"digit": n.Digit},
				})
				return
			}
			h.machine.HandleNotification(n)
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	h.channel = ch

	h.machine = call.New(call.Config{
		Channel:        ch,
		Bus:            h.bus,
		Whitelisted:    func(n string) bool { return n == "+15551234567" },
		RingThreshold:  2,
		MaxRings:       4,
		AutoAnswer:     true,
		ConnectTimeout: 2 * time.Second,
		RingExpiry:     time.Second,
	})
	close(wired)
	h.simMgr = sim.New(ch, func() bool {
		st := h.machine.StateSync()
		return st != call.Idle
	}, h.bus, nil)

	t.Cleanup(func() {
		ch.Close()
		s.CloseSync()
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestUnlockThenOutboundCall(t *testing.T) {
	h := newHarness(t, &simulator.Config{
		PIN:         "1234",
		PinRequired: true,
	})
	ctx := context.Background()

	st, err := h.simMgr.CheckStatus(ctx)
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if st.State != sim.PinRequired || st.RetriesLeft != 3 {
		t.Fatalf("initial sim status = %+v", st)
	}

	st, err = h.simMgr.Unlock(ctx, []string{"0000", "1234"})
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if st.State != sim.ReadyLocked {
		t.Fatalf("post-unlock status = %+v", st)
	}

	h.machine.Prime(ctx)

	sub := h.bus.Subscribe("test", event.DTMF, event.CallStatus)
	if err := h.machine.PlaceCall(ctx, "+15557654321"); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	if got := h.machine.StateSync(); got != call.Connected {
		t.Fatalf("machine state = %v", got)
	}
	waitFor(t, "sim active", func() bool { return h.sim.StatusSync() == simulator.StatusActive })

	ev := <-sub.C()
	if ev.Type != event.TypeCallConnected {
		t.Fatalf("event = %+v", ev)
	}

	if err := h.sim.DigitSync("5"); err != nil {
		t.Fatalf("Digit: %v", err)
	}
	ev = <-sub.C()
	if ev.Type != event.TypeDTMFDigit || ev.Fields["digit"] != "5" {
		t.Fatalf("dtmf event = %+v", ev)
	}

	h.sim.RemoteHangupSync()
	waitFor(t, "machine idle", func() bool { return h.machine.StateSync() == call.Idle })
	ev = <-sub.C()
	if ev.Type != event.TypeCallEnded {
		t.Fatalf("event = %+v", ev)
	}
	waitFor(t, "sim idle", func() bool { return h.sim.StatusSync() == simulator.StatusIdle })
}

func TestDialOutcomeBusy(t *testing.T) {
	h := newHarness(t, &simulator.Config{
		DialPlan: map[string]simulator.DialOutcome{
			"+15557654321": simulator.DialBusy,
		},
	})
	h.machine.Prime(context.Background())

	err := h.machine.PlaceCall(context.Background(), "+15557654321")
	if err == nil {
		t.Fatal("expected dial failure")
	}
	waitFor(t, "machine idle", func() bool { return h.machine.StateSync() == call.Idle })
}

func TestInboundAutoAnswer(t *testing.T) {
	h := newHarness(t, &simulator.Config{})
	h.machine.Prime(context.Background())

	if err := h.sim.RingSync("+15551234567"); err != nil {
		t.Fatalf("Ring: %v", err)
	}
	waitFor(t, "machine connected", func() bool { return h.machine.StateSync() == call.Connected })
	waitFor(t, "sim active", func() bool { return h.sim.StatusSync() == simulator.StatusActive })

	if err := h.machine.Hangup(); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	waitFor(t, "machine idle", func() bool { return h.machine.StateSync() == call.Idle })
	waitFor(t, "sim idle", func() bool { return h.sim.StatusSync() == simulator.StatusIdle })
}

func TestInboundUnauthorizedRejected(t *testing.T) {
	h := newHarness(t, &simulator.Config{})
	h.machine.Prime(context.Background())

	if err := h.sim.RingSync("+15559999999"); err != nil {
		t.Fatalf("Ring: %v", err)
	}
	// Four rings at 50ms each hit max rings well inside the deadline.
	waitFor(t, "sim idle after reject", func() bool { return h.sim.StatusSync() == simulator.StatusIdle })
	waitFor(t, "machine idle", func() bool { return h.machine.StateSync() == call.Idle })
	if got := h.machine.StatusSync(); got.Connected {
		t.Fatalf("unauthorized call connected: %+v", got)
	}
}

func TestSimGuardDuringCall(t *testing.T) {
	h := newHarness(t, &simulator.Config{})
	h.machine.Prime(context.Background())

	if err := h.machine.PlaceCall(context.Background(), "+15557654321"); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	if _, err := h.simMgr.CheckStatus(context.Background()); err != sim.ErrCallActive {
		t.Fatalf("CheckStatus during call err = %v, want ErrCallActive", err)
	}
	if err := h.machine.Hangup(); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
}
