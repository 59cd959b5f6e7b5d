// Package sim manages SIM PIN security: status queries, candidate PIN
// unlock with a hard retry-budget floor, and PIN rotation with re-lock.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jaracil/modemgw/event"
	"github.com/jaracil/modemgw/modem"
)

var (
	// ErrCallActive is returned when a SIM operation is requested while a
	// call is being handled. PIN traffic and call control share the channel
	// and the SIM operations are never urgent.
	ErrCallActive = errors.New("sim: call active")
	// ErrRetriesExhausted means the PIN retry budget is down to the last
	// attempt. Spending it risks a PUK lock, so the manager refuses.
	ErrRetriesExhausted = errors.New("sim: pin retries exhausted")
	// ErrPukRequired means the SIM wants a PUK, which the manager never
	// submits.
	ErrPukRequired = errors.New("sim: puk required")
	// ErrUnlockFailed means no candidate PIN was accepted.
	ErrUnlockFailed = errors.New("sim: no candidate pin accepted")
)

// State is the SIM security state. String values are the wire-level names
// used in sim_status events.
type State int

const (
	Unknown State = iota
	ReadyUnlocked
	ReadyLocked
	PinRequired
	PukRequired
	Failed
)

func (s State) String() string {
	switch s {
	case ReadyUnlocked:
		return "ready_unlocked"
	case ReadyLocked:
		return "ready_locked"
	case PinRequired:
		return "pin_required"
	case PukRequired:
		return "puk_required"
	case Failed:
		return "error"
	default:
		return "unknown"
	}
}

// Status is the result of a SIM status query. RetriesLeft is -1 when the
// device did not report a budget. AcceptedPIN is set only by Unlock, to the
// candidate the SIM took.
type Status struct {
	State       State
	RetriesLeft int
	AcceptedPIN string
}

// Submitter issues one AT command exchange. *modem.Channel satisfies it.
type Submitter interface {
	Submit(ctx context.Context, cmd modem.Command) modem.Result
}

const cmdTimeout = 5 * time.Second

// queryRetries bounds resubmission of the read-only status queries after a
// device timeout. Commands that spend a PIN attempt are never retried.
const queryRetries = 1

// Manager drives the SIM security commands. Guard, when set, reports
// whether a call is being handled; every operation refuses with
// ErrCallActive while it returns true.
type Manager struct {
	ch    Submitter
	guard func() bool
	bus   *event.Bus
	log   *slog.Logger
}

// New builds a Manager. bus and guard may be nil.
func New(ch Submitter, guard func() bool, bus *event.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{ch: ch, guard: guard, bus: bus, log: logger.With("comp", "sim")}
}

func (m *Manager) busy() bool {
	return m.guard != nil && m.guard()
}

func (m *Manager) publish(st Status) {
	if m.bus == nil {
		return
	}
	fields := map[string]string{"state": st.State.String()}
	if st.RetriesLeft >= 0 {
		fields["retries_left"] = strconv.Itoa(st.RetriesLeft)
	}
	m.bus.Publish(event.Event{
		Category: event.SimStatus,
		Type:     event.TypeSimStatus,
		Fields:   fields,
		Time:     time.Now(),
	})
}

// CheckStatus queries the SIM security state and the remaining PIN retry
// budget.
func (m *Manager) CheckStatus(ctx context.Context) (Status, error) {
	if m.busy() {
		return Status{State: Unknown, RetriesLeft: -1}, ErrCallActive
	}
	return m.checkStatus(ctx)
}

// checkStatus is CheckStatus without the call guard, for internal use
// mid-operation.
func (m *Manager) checkStatus(ctx context.Context) (Status, error) {
	st := Status{State: Unknown, RetriesLeft: -1}

	res := m.ch.Submit(ctx, modem.Command{Text: "AT+CPIN?", Timeout: cmdTimeout, Retries: queryRetries})
	if err := res.Err(); err != nil {
		return st, fmt.Errorf("sim status: %w", err)
	}
	if !res.OK() {
		st.State = Failed
		return st, fmt.Errorf("sim status: %s", res.Final)
	}
	switch pinState(res.Lines) {
	case "READY":
		locked, err := m.lockEnabled(ctx)
		if err != nil {
			m.log.Warn("pin lock query failed", "err", err)
			st.State = ReadyUnlocked
		} else if locked {
			st.State = ReadyLocked
		} else {
			st.State = ReadyUnlocked
		}
	case "SIM PIN":
		st.State = PinRequired
	case "SIM PUK":
		st.State = PukRequired
	default:
		st.State = Failed
	}

	if n, err := m.retries(ctx); err == nil {
		st.RetriesLeft = n
	}
	return st, nil
}

// pinState extracts the value of a "+CPIN: <state>" info line.
func pinState(lines []string) string {
	for _, l := range lines {
		if rest, ok := strings.CutPrefix(l, "+CPIN:"); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}

// lockEnabled queries whether the SIM PIN facility is on.
func (m *Manager) lockEnabled(ctx context.Context) (bool, error) {
	res := m.ch.Submit(ctx, modem.Command{Text: `AT+CLCK="SC",2`, Timeout: cmdTimeout, Retries: queryRetries})
	if !res.OK() {
		if err := res.Err(); err != nil {
			return false, err
		}
		return false, fmt.Errorf("clck: %s", res.Final)
	}
	for _, l := range res.Lines {
		if rest, ok := strings.CutPrefix(l, "+CLCK:"); ok {
			return strings.TrimSpace(rest) == "1", nil
		}
	}
	return false, errors.New("clck: no status line")
}

// retries reads the remaining PIN attempt budget.
func (m *Manager) retries(ctx context.Context) (int, error) {
	res := m.ch.Submit(ctx, modem.Command{Text: "AT#PCT", Timeout: cmdTimeout, Retries: queryRetries})
	if !res.OK() {
		if err := res.Err(); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("pct: %s", res.Final)
	}
	for _, l := range res.Lines {
		if rest, ok := strings.CutPrefix(l, "#PCT:"); ok {
			return strconv.Atoi(strings.TrimSpace(rest))
		}
	}
	return 0, errors.New("pct: no counter line")
}

// Unlock tries the candidate PINs in order until one is accepted. Before
// every attempt the retry budget is re-read and the last attempt is never
// spent; a budget of one or less fails with ErrRetriesExhausted. A PIN is
// submitted at most once even if listed twice.
func (m *Manager) Unlock(ctx context.Context, pins []string) (Status, error) {
	if m.busy() {
		return Status{State: Unknown, RetriesLeft: -1}, ErrCallActive
	}

	st, err := m.checkStatus(ctx)
	if err != nil {
		return st, err
	}
	switch st.State {
	case ReadyUnlocked, ReadyLocked:
		return st, nil
	case PukRequired:
		return st, ErrPukRequired
	case PinRequired:
	default:
		return st, fmt.Errorf("sim unlock: unexpected state %s", st.State)
	}

	tried := make(map[string]bool, len(pins))
	for _, pin := range pins {
		if pin == "" || tried[pin] {
			continue
		}
		tried[pin] = true

		budget, err := m.retries(ctx)
		if err != nil {
			return st, fmt.Errorf("sim unlock: %w", err)
		}
		st.RetriesLeft = budget
		if budget <= 1 {
			m.log.Error("refusing to spend last pin attempt", "retries_left", budget)
			return st, ErrRetriesExhausted
		}

		res := m.ch.Submit(ctx, modem.Command{Text: `AT+CPIN="` + pin + `"`, Timeout: cmdTimeout})
		if err := res.Err(); err != nil {
			return st, fmt.Errorf("sim unlock: %w", err)
		}
		if res.OK() {
			st, err = m.checkStatus(ctx)
			if err != nil {
				return st, err
			}
			st.AcceptedPIN = pin
			m.log.Info("sim unlocked", "retries_left", st.RetriesLeft)
			m.publish(st)
			return st, nil
		}
		m.log.Warn("pin candidate rejected", "final", res.Final)
	}
	return st, ErrUnlockFailed
}

// SetPasswordAndLock changes the SIM PIN and enables the PIN lock with the
// new value. The SIM must already be unlocked.
func (m *Manager) SetPasswordAndLock(ctx context.Context, current, newPin string) error {
	if m.busy() {
		return ErrCallActive
	}
	if current == "" || newPin == "" {
		return errors.New("sim: current and new pin required")
	}

	res := m.ch.Submit(ctx, modem.Command{
		Text:    fmt.Sprintf(`AT+CPWD="SC",%q,%q`, current, newPin),
		Timeout: cmdTimeout,
	})
	if !res.OK() {
		if err := res.Err(); err != nil {
			return fmt.Errorf("sim cpwd: %w", err)
		}
		return fmt.Errorf("sim cpwd: %s", res.Final)
	}

	res = m.ch.Submit(ctx, modem.Command{
		Text:    fmt.Sprintf(`AT+CLCK="SC",1,%q`, newPin),
		Timeout: cmdTimeout,
	})
	if !res.OK() {
		if err := res.Err(); err != nil {
			return fmt.Errorf("sim clck: %w", err)
		}
		return fmt.Errorf("sim clck: %s", res.Final)
	}

	m.log.Info("sim pin rotated and lock enabled")
	m.publish(Status{State: ReadyLocked, RetriesLeft: -1})
	return nil
}
