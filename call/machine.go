// Package call implements the voice call state machine on top of a modem
// command channel. A Machine owns the single call leg the hardware has:
// it places outbound calls, screens and answers inbound ones, and keeps
// the state consistent with the unsolicited notifications coming from the
// device.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jaracil/modemgw/event"
	"github.com/jaracil/modemgw/modem"
)

// Submitter issues one AT command exchange. *modem.Channel satisfies it.
type Submitter interface {
	Submit(ctx context.Context, cmd modem.Command) modem.Result
}

const (
	cmdAnswer = "ATA"
	cmdHangup = "AT+CHUP"

	// DefaultRingThreshold is the ring count a whitelisted caller waits
	// before auto-answer.
	DefaultRingThreshold = 2
	// DefaultMaxRings is the ring count after which an unanswered inbound
	// call is rejected.
	DefaultMaxRings = 8
	// DefaultConnectTimeout bounds the wait for an outbound call to connect.
	DefaultConnectTimeout = 30 * time.Second
	// DefaultRingExpiry is how long after the last ring an inbound attempt
	// is considered abandoned. Ring cadence is roughly one burst every
	// two seconds, so three missed bursts.
	DefaultRingExpiry = 6 * time.Second

	cmdTimeout  = 5 * time.Second
	dialTimeout = 10 * time.Second
)

// voiceSetup is sent before dialing and at startup. Echo off, digital voice
// interface off, DTMF detection on, caller id presentation, verbose errors
// and indicator event reporting. Best effort, failures are logged only.
var voiceSetup = []string{
	"ATE0",
	"AT#DVI=0",
	"AT#DTMF=1",
	"AT+CLIP=1",
	"AT+CMEE=2",
	"AT+CMER=2,0,0,2",
}

// dialTerminators covers every line the device may end an ATD exchange with.
// While the dial is pending these claim NO CARRIER, BUSY and NO ANSWER as
// the command result rather than as unsolicited lines.
var dialTerminators = []string{"OK", "ERROR", "+CME ERROR", "+CMS ERROR", "NO CARRIER", "BUSY", "NO ANSWER"}

// TransitionFunc observes state changes. Called with the machine lock held,
// it must not call back into the machine or submit commands.
type TransitionFunc func(prev, next State)

// Config carries the machine dependencies and tunables.
type Config struct {
	// Channel submits AT commands. Required.
	Channel Submitter
	// Bus receives call_status events. Optional.
	Bus *event.Bus
	// Whitelisted reports whether an inbound caller may be auto-answered.
	// A nil func whitelists nobody.
	Whitelisted func(number string) bool
	// RingThreshold, MaxRings, ConnectTimeout and RingExpiry default to the
	// package constants when zero.
	RingThreshold  int
	MaxRings       int
	ConnectTimeout time.Duration
	RingExpiry     time.Duration
	// AutoAnswer enables answering whitelisted callers without an explicit
	// Answer request.
	AutoAnswer bool
	Logger     *slog.Logger
	// OnTransition, when set, is invoked on every state change.
	OnTransition TransitionFunc
}

type callInfo struct {
	number    string
	direction Direction
	ringCount int
	startedAt time.Time
	connected bool
}

// Machine is the call state machine. The embedded mutex guards all fields;
// methods with a lowercase name and no Sync suffix require it held. AT
// commands are never submitted while the lock is held, the channel reply
// depends on the same reader goroutine that feeds HandleNotification.
type Machine struct {
	sync.Mutex
	cfg Config
	log *slog.Logger

	st          State
	stCtx       context.Context
	stCtxCancel context.CancelFunc
	cur         callInfo
	endReason   string
	// dialConnected survives the Dialing state so a dial waiter woken by
	// a transition can tell a connect from a teardown.
	dialConnected bool
	ringTimer     *time.Timer
}

// New builds an Idle machine.
func New(cfg Config) *Machine {
	if cfg.Channel == nil {
		panic("call: Config.Channel is required")
	}
	if cfg.RingThreshold <= 0 {
		cfg.RingThreshold = DefaultRingThreshold
	}
	if cfg.MaxRings <= 0 {
		cfg.MaxRings = DefaultMaxRings
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.RingExpiry <= 0 {
		cfg.RingExpiry = DefaultRingExpiry
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Machine{
		cfg: cfg,
		log: cfg.Logger.With("comp", "call"),
		st:  Idle,
	}
	m.stCtx, m.stCtxCancel = context.WithCancel(context.Background())
	return m
}

func (m *Machine) checkLock() {
	if m.TryLock() {
		panic("Machine lock not held")
	}
}

// setState moves the machine to a new state, cancelling the previous
// state's context so waiters re-evaluate.
func (m *Machine) setState(next State) {
	m.checkLock()
	prev := m.st
	if prev == next {
		return
	}
	m.stCtxCancel()
	m.stCtx, m.stCtxCancel = context.WithCancel(context.Background())
	m.st = next
	if next != RingingInbound && m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
	m.log.Debug("state transition", "from", prev, "to", next)
	if m.cfg.OnTransition != nil {
		m.cfg.OnTransition(prev, next)
	}
}

// State returns the current state. The machine lock must be held.
// Use StateSync for automatic lock management.
func (m *Machine) State() State {
	m.checkLock()
	return m.st
}

// StateSync returns the current state with automatic lock management.
func (m *Machine) StateSync() State {
	m.Lock()
	defer m.Unlock()
	return m.st
}

// Status returns a snapshot of the machine. The machine lock must be held.
// Use StatusSync for automatic lock management.
func (m *Machine) Status() Snapshot {
	m.checkLock()
	s := Snapshot{
		State:     m.st,
		Number:    m.cur.number,
		Direction: m.cur.direction,
		Connected: m.cur.connected,
		RingCount: m.cur.ringCount,
		StartedAt: m.cur.startedAt,
	}
	if m.cur.connected {
		s.Duration = time.Since(m.cur.startedAt)
	}
	return s
}

// StatusSync returns a snapshot of the machine with automatic lock management.
func (m *Machine) StatusSync() Snapshot {
	m.Lock()
	defer m.Unlock()
	return m.Status()
}

// Prime sends the voice setup commands. Meant for startup; failures are
// logged and skipped, the same commands run again before each dial.
func (m *Machine) Prime(ctx context.Context) {
	m.runSetup(ctx)
}

func (m *Machine) runSetup(ctx context.Context) {
	for _, text := range voiceSetup {
		res := m.cfg.Channel.Submit(ctx, modem.Command{Text: text, Timeout: cmdTimeout, Retries: 1})
		if !res.OK() {
			m.log.Warn("voice setup command failed", "cmd", text, "final", res.Final, "outcome", res.Outcome)
		}
	}
}

func (m *Machine) publish(typ string, fields map[string]string) {
	if m.cfg.Bus == nil {
		return
	}
	m.cfg.Bus.Publish(event.Event{
		Category: event.CallStatus,
		Type:     typ,
		Fields:   fields,
		Time:     time.Now(),
	})
}

// hangupAndIdle issues the hangup command and settles the machine to Idle.
// Must be called without the lock held.
func (m *Machine) hangupAndIdle(reason string, notify bool) {
	res := m.cfg.Channel.Submit(context.Background(), modem.Command{Text: cmdHangup, Timeout: cmdTimeout})
	if err := res.Err(); err != nil {
		m.log.Warn("hangup command failed", "err", err)
	}
	m.Lock()
	m.endReason = reason
	m.setState(Idle)
	m.cur = callInfo{}
	m.Unlock()
	if notify {
		m.publish(event.TypeCallEnded, map[string]string{"reason": reason})
	}
}

// PlaceCall dials an outbound call and blocks until it connects, fails,
// times out or is aborted by a hangup. Only one call may exist; ErrBusy
// otherwise and nothing is sent to the device.
func (m *Machine) PlaceCall(ctx context.Context, number string) error {
	plan, err := ParseDialString(number)
	if err != nil {
		return err
	}

	m.Lock()
	if m.st != Idle {
		m.Unlock()
		return ErrBusy
	}
	m.cur = callInfo{number: plan.Number, direction: Outbound}
	m.endReason = ""
	m.dialConnected = false
	m.setState(Dialing)
	stCtx := m.stCtx
	m.Unlock()

	m.runSetup(ctx)
	if stCtx.Err() != nil {
		// Hung up while the preamble ran.
		return ErrAborted
	}

	res := m.cfg.Channel.Submit(ctx, modem.Command{
		Text:        "ATD" + plan.Number + ";",
		Terminators: dialTerminators,
		Timeout:     dialTimeout,
	})
	switch {
	case res.Outcome == modem.OutcomeTimeout:
		m.hangupAndIdle("dial timeout", false)
		return fmt.Errorf("dial: %w", modem.ErrTimeout)
	case res.Outcome == modem.OutcomeDeviceError:
		m.hangupAndIdle("device error", false)
		return fmt.Errorf("dial: %w", modem.ErrDevice)
	case res.Final != "OK":
		m.hangupAndIdle(res.Final, false)
		return fmt.Errorf("%w: %s", ErrCallFailed, res.Final)
	}

	return m.awaitConnect(ctx, stCtx)
}

// awaitConnect waits for the Dialing state to resolve. The connected
// indicator arrives as an unsolicited line, so the wait is on the state
// context rather than on a command reply.
func (m *Machine) awaitConnect(ctx context.Context, stCtx context.Context) error {
	timer := time.NewTimer(m.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-stCtx.Done():
		m.Lock()
		connected := m.dialConnected
		reason := m.endReason
		m.Unlock()
		if connected {
			return nil
		}
		if reason == "hangup" {
			return ErrAborted
		}
		if reason == "" {
			reason = "call ended"
		}
		return fmt.Errorf("%w: %s", ErrCallFailed, reason)
	case <-timer.C:
		m.abortDial("connect timeout")
		return ErrConnectTimeout
	case <-ctx.Done():
		m.abortDial("cancelled")
		return ctx.Err()
	}
}

// abortDial tears down an in-flight dial. A no-op when the machine already
// left Dialing.
func (m *Machine) abortDial(reason string) {
	m.Lock()
	if m.st != Dialing {
		m.Unlock()
		return
	}
	m.endReason = reason
	m.setState(HangingUp)
	m.Unlock()
	m.hangupAndIdle(reason, false)
}

// Answer accepts the ringing inbound call.
func (m *Machine) Answer() error {
	m.Lock()
	if m.st != RingingInbound {
		m.Unlock()
		return ErrNoRingingCall
	}
	m.setState(Answering)
	number := m.cur.number
	m.Unlock()

	res := m.cfg.Channel.Submit(context.Background(), modem.Command{Text: cmdAnswer, Timeout: dialTimeout})

	m.Lock()
	if m.st != Answering {
		// The connected indicator or a teardown won the race; whatever
		// state we are in now is already correct.
		m.Unlock()
		return nil
	}
	if !res.OK() {
		m.endReason = "answer failed"
		m.setState(HangingUp)
		m.Unlock()
		m.hangupAndIdle("answer failed", true)
		if err := res.Err(); err != nil {
			return fmt.Errorf("answer: %w", err)
		}
		return fmt.Errorf("answer: %w: %s", ErrCallFailed, res.Final)
	}
	m.cur.connected = true
	m.cur.startedAt = time.Now()
	m.setState(Connected)
	m.Unlock()
	m.publish(event.TypeCallConnected, map[string]string{
		"number":    number,
		"direction": Inbound.String(),
	})
	return nil
}

// Hangup terminates whatever call exists and returns the machine to Idle.
// Idempotent; with no call it is a no-op success and nothing is sent to
// the device.
func (m *Machine) Hangup() error {
	m.Lock()
	if m.st == Idle {
		m.Unlock()
		return nil
	}
	if m.st == HangingUp {
		// Another hangup is already in flight.
		m.Unlock()
		return nil
	}
	hadCall := m.cur.connected
	m.endReason = "hangup"
	m.setState(HangingUp)
	m.Unlock()
	m.hangupAndIdle("hangup", hadCall)
	return nil
}

// HandleNotification feeds an unsolicited device notification into the
// machine. Wired as (or from) the channel's Notify callback, so it runs
// on the channel reader goroutine and must not submit commands inline.
func (m *Machine) HandleNotification(n modem.Notification) {
	switch n.Kind {
	case modem.NotifRing:
		m.onRing()
	case modem.NotifCallerID:
		m.onCallerID(n.Number)
	case modem.NotifCallConnected:
		m.onConnected()
	case modem.NotifCallEnded:
		m.onEnded(n.Reason)
	}
}

type ringAction int

const (
	ringWait ringAction = iota
	ringAnswer
	ringReject
)

func (m *Machine) onRing() {
	m.Lock()
	switch m.st {
	case Idle:
		m.cur = callInfo{direction: Inbound, ringCount: 1}
		m.endReason = ""
		m.setState(RingingInbound)
		m.armRingExpiry()
		m.Unlock()
	case RingingInbound:
		m.cur.ringCount++
		m.armRingExpiry()
		action, reason := m.screenRing()
		m.Unlock()
		m.applyRingAction(action, reason)
	default:
		st := m.st
		m.Unlock()
		m.log.Warn("inbound ring while busy, rejecting", "state", st)
		go m.cfg.Channel.Submit(context.Background(), modem.Command{Text: cmdHangup, Timeout: cmdTimeout})
	}
}

func (m *Machine) onCallerID(number string) {
	m.Lock()
	if m.st != RingingInbound {
		m.Unlock()
		return
	}
	first := m.cur.number == ""
	if first {
		m.cur.number = number
	}
	ringCount := m.cur.ringCount
	action, reason := m.screenRing()
	m.Unlock()

	if first {
		m.publish(event.TypeIncomingCall, map[string]string{
			"caller_number": number,
			"ring_count":    fmt.Sprintf("%d", ringCount),
		})
	}
	m.applyRingAction(action, reason)
}

// screenRing decides what to do with the current inbound attempt. The
// machine lock must be held. A caller is auto-answered only when known,
// whitelisted and past the ring threshold; unknown or unauthorized callers
// are left ringing until max rings, then rejected.
func (m *Machine) screenRing() (ringAction, string) {
	m.checkLock()
	number := m.cur.number
	count := m.cur.ringCount
	authorized := number != "" && m.cfg.Whitelisted != nil && m.cfg.Whitelisted(number)

	if m.cfg.AutoAnswer && authorized && count >= m.cfg.RingThreshold {
		return ringAnswer, ""
	}
	if count >= m.cfg.MaxRings {
		if number != "" && !authorized {
			return ringReject, "unauthorized"
		}
		return ringReject, "unanswered"
	}
	return ringWait, ""
}

func (m *Machine) applyRingAction(action ringAction, reason string) {
	switch action {
	case ringAnswer:
		// Off the reader goroutine: Answer submits and waits for ATA.
		go func() {
			if err := m.Answer(); err != nil {
				m.log.Warn("auto-answer failed", "err", err)
			}
		}()
	case ringReject:
		go m.rejectRinging(reason)
	}
}

// rejectRinging hangs up an inbound attempt that never connected.
func (m *Machine) rejectRinging(reason string) {
	m.Lock()
	if m.st != RingingInbound {
		m.Unlock()
		return
	}
	number := m.cur.number
	m.endReason = reason
	m.setState(HangingUp)
	m.Unlock()
	m.log.Info("rejecting inbound call", "number", number, "reason", reason)
	m.hangupAndIdle(reason, true)
}

// armRingExpiry (re)starts the abandoned-ring timer. The machine lock must
// be held.
func (m *Machine) armRingExpiry() {
	m.checkLock()
	if m.ringTimer != nil {
		m.ringTimer.Stop()
	}
	m.ringTimer = time.AfterFunc(m.cfg.RingExpiry, m.ringExpired)
}

// ringExpired fires when the ring cadence stops without an answer. The
// attempt is rejected the same way a max-rings overrun is, hangup command
// included, so the device never keeps a half-open inbound call.
func (m *Machine) ringExpired() {
	m.Lock()
	if m.st != RingingInbound {
		m.Unlock()
		return
	}
	number := m.cur.number
	m.endReason = "abandoned"
	m.setState(HangingUp)
	m.Unlock()
	m.log.Info("inbound call abandoned", "number", number)
	m.hangupAndIdle("abandoned", true)
}

func (m *Machine) onConnected() {
	m.Lock()
	switch m.st {
	case Dialing:
		m.cur.connected = true
		m.cur.startedAt = time.Now()
		m.dialConnected = true
		number := m.cur.number
		m.setState(Connected)
		m.Unlock()
		m.publish(event.TypeCallConnected, map[string]string{
			"number":    number,
			"direction": Outbound.String(),
		})
	case Answering:
		m.cur.connected = true
		m.cur.startedAt = time.Now()
		number := m.cur.number
		m.setState(Connected)
		m.Unlock()
		m.publish(event.TypeCallConnected, map[string]string{
			"number":    number,
			"direction": Inbound.String(),
		})
	default:
		m.Unlock()
	}
}

func (m *Machine) onEnded(reason string) {
	if reason == "" {
		reason = "remote hangup"
	}
	m.Lock()
	switch m.st {
	case Connected:
		m.endReason = reason
		m.setState(HangingUp)
		m.Unlock()
		// Confirm teardown on our side as well.
		m.hangupAndIdle(reason, true)
	case Dialing, RingingInbound, Answering:
		m.endReason = reason
		m.setState(Idle)
		m.cur = callInfo{}
		m.Unlock()
		m.publish(event.TypeCallEnded, map[string]string{"reason": reason})
	default:
		// Indicators repeat after our own hangup command; nothing to do.
		m.Unlock()
	}
}
