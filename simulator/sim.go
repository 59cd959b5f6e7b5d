// Package simulator provides a device-side cellular voice modem simulator.
// It speaks the Telit-flavored AT surface the gateway drives, over any
// io.ReadWriteCloser: a net.Pipe end in tests, a PTY for running the daemon
// against fake hardware.
//
// The core component is the Sim struct which implements a state machine
// with the following states: Idle, Dialing, Ringing, Active and Closed.
//
// Example usage:
//
//	sim, err := simulator.New(&simulator.Config{TTY: ttyDevice})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer sim.CloseSync()
//	sim.RingSync("+15551234567")
package simulator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrConfigRequired is returned when a required configuration parameter is missing
	ErrConfigRequired = errors.New("config required")
	// ErrSimBusy is returned when an incoming call is started while a call exists
	ErrSimBusy = errors.New("simulator busy")
	// ErrInvalidStateTransition is returned when an invalid state transition is attempted
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrNotActive is returned for operations that need an established call
	ErrNotActive = errors.New("no active call")
)

// CallStatus represents the call state of the simulated device.
type CallStatus int

const (
	// StatusIdle means no call exists and the device accepts commands
	StatusIdle CallStatus = iota
	// StatusDialing means an outbound voice call is being attempted
	StatusDialing
	// StatusRinging means an incoming call is being signalled
	StatusRinging
	// StatusActive means a voice call is established
	StatusActive
	// StatusClosed is the terminal state
	StatusClosed
)

// String returns a human-readable string representation of the call status.
func (cs CallStatus) String() string {
	switch cs {
	case StatusIdle:
		return "Idle"
	case StatusDialing:
		return "Dialing"
	case StatusRinging:
		return "Ringing"
	case StatusActive:
		return "Active"
	case StatusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// DialOutcome scripts what happens to an outbound call.
type DialOutcome int

const (
	// DialAnswer connects the call after the dial delay
	DialAnswer DialOutcome = iota
	// DialNoCarrier fails the call with NO CARRIER
	DialNoCarrier
	// DialBusy fails the call with BUSY
	DialBusy
	// DialNoAnswer fails the call with NO ANSWER
	DialNoAnswer
)

const defaultRetries = 3

// Config holds the simulator configuration.
type Config struct {
	// TTY is the device side of the serial link. Required.
	TTY io.ReadWriteCloser
	// DialPlan scripts outcomes per dialed number; unlisted numbers answer.
	DialPlan map[string]DialOutcome
	// DialDelay is the time between ATD and the scripted outcome.
	DialDelay time.Duration
	// RingInterval is the period between RING bursts.
	RingInterval time.Duration
	// RingMax stops signalling an unanswered incoming call after this many
	// rings. Zero rings forever.
	RingMax int
	// PIN is the SIM PIN. Empty disables the PIN lock entirely.
	PIN string
	// PinRequired starts the SIM locked, wanting PIN before call commands.
	PinRequired bool
	// Retries is the initial PIN attempt budget.
	Retries int
}

// Sim is the simulated device. It is thread-safe; methods with a Sync
// suffix acquire the lock themselves, the rest require it held.
type Sim struct {
	sync.Mutex
	st          CallStatus
	stCtx       context.Context
	stCtxCancel context.CancelFunc
	tty         io.ReadWriteCloser
	dialPlan    map[string]DialOutcome
	dialDelay   time.Duration
	ringEvery   time.Duration
	ringMax     int
	ringCount   int
	ringNumber  string

	echo          bool
	clipEnabled   bool
	dtmfReporting bool
	cmee          int

	pin         string
	pinRequired bool
	pukRequired bool
	lockEnabled bool
	retries     int
}

// New creates a simulator and starts its TTY read task.
func New(config *Config) (*Sim, error) {
	if config == nil || config.TTY == nil {
		return nil, ErrConfigRequired
	}
	s := &Sim{
		st:          StatusIdle,
		tty:         config.TTY,
		dialPlan:    config.DialPlan,
		dialDelay:   config.DialDelay,
		ringEvery:   config.RingInterval,
		ringMax:     config.RingMax,
		echo:        true,
		pin:         config.PIN,
		pinRequired: config.PinRequired && config.PIN != "",
		lockEnabled: config.PIN != "",
		retries:     config.Retries,
	}
	if s.dialDelay <= 0 {
		s.dialDelay = 200 * time.Millisecond
	}
	if s.ringEvery <= 0 {
		s.ringEvery = 2 * time.Second
	}
	if s.retries <= 0 {
		s.retries = defaultRetries
	}
	s.stCtx, s.stCtxCancel = context.WithCancel(context.Background())
	go s.ttyReadTask()
	return s, nil
}

func (s *Sim) checkLock() {
	if s.TryLock() {
		panic("Sim lock not held")
	}
}

func (s *Sim) ttyWriteStr(str string) {
	if _, err := s.tty.Write([]byte(str)); err != nil {
		s.setStatus(StatusClosed)
	}
}

// writeLine emits one verbose-form result or report line.
func (s *Sim) writeLine(line string) {
	s.ttyWriteStr("\r\n" + line + "\r\n")
}

func (s *Sim) setStatus(status CallStatus) {
	prevStatus := s.st
	if prevStatus == status {
		return
	}
	if prevStatus == StatusClosed {
		panic(ErrInvalidStateTransition)
	}
	s.stCtxCancel()
	s.stCtx, s.stCtxCancel = context.WithCancel(context.Background())
	s.st = status
	switch s.st {
	case StatusIdle:
		s.ringCount = 0
		s.ringNumber = ""
	case StatusDialing:
		if prevStatus != StatusIdle {
			panic(ErrInvalidStateTransition)
		}
	case StatusRinging:
		if prevStatus != StatusIdle {
			panic(ErrInvalidStateTransition)
		}
		go s.ringer(s.stCtx)
	case StatusActive:
		if prevStatus != StatusDialing && prevStatus != StatusRinging {
			panic(ErrInvalidStateTransition)
		}
		s.writeLine("+CIEV: call,1")
	case StatusClosed:
		s.tty.Close()
	}
}

func (s *Sim) status() CallStatus {
	return s.st
}

// Status returns the current call status. The simulator lock must be held.
// Use StatusSync for automatic lock management.
func (s *Sim) Status() CallStatus {
	s.checkLock()
	return s.status()
}

// StatusSync returns the current call status with automatic lock management.
func (s *Sim) StatusSync() CallStatus {
	s.Lock()
	defer s.Unlock()
	return s.status()
}

func (s *Sim) close() {
	s.setStatus(StatusClosed)
}

// Close terminates the simulator and closes the TTY.
// The simulator lock must be held; use CloseSync otherwise.
func (s *Sim) Close() {
	s.checkLock()
	s.close()
}

// CloseSync terminates the simulator with automatic lock management.
func (s *Sim) CloseSync() {
	s.Lock()
	defer s.Unlock()
	s.close()
}

func (s *Sim) ringer(ctx context.Context) {
	s.Lock()
	for s.status() == StatusRinging {
		if ctx.Err() != nil {
			break
		}
		s.ringCount++
		s.writeLine("RING")
		if s.clipEnabled && s.ringNumber != "" {
			s.writeLine(fmt.Sprintf("+CLIP: %q,145,\"\",0,\"\",0", s.ringNumber))
		}
		if s.ringMax > 0 && s.ringCount >= s.ringMax {
			s.setStatus(StatusIdle)
			break
		}
		s.Unlock()
		select {
		case <-ctx.Done():
		case <-time.After(s.ringEvery):
		}
		s.Lock()
	}
	s.Unlock()
}

func (s *Sim) ring(number string) error {
	if s.status() != StatusIdle {
		return ErrSimBusy
	}
	s.ringNumber = number
	s.setStatus(StatusRinging)
	return nil
}

// Ring starts signalling an incoming call from number.
// The simulator lock must be held; use RingSync otherwise.
func (s *Sim) Ring(number string) error {
	s.checkLock()
	return s.ring(number)
}

// RingSync starts signalling an incoming call with automatic lock management.
func (s *Sim) RingSync(number string) error {
	s.Lock()
	defer s.Unlock()
	return s.ring(number)
}

func (s *Sim) digit(d string) error {
	if s.status() != StatusActive {
		return ErrNotActive
	}
	if s.dtmfReporting {
		s.writeLine("#DTMFEV: " + d + ",1")
	}
	return nil
}

// Digit reports an in-call DTMF digit from the remote side.
// The simulator lock must be held; use DigitSync otherwise.
func (s *Sim) Digit(d string) error {
	s.checkLock()
	return s.digit(d)
}

// DigitSync reports a DTMF digit with automatic lock management.
func (s *Sim) DigitSync(d string) error {
	s.Lock()
	defer s.Unlock()
	return s.digit(d)
}

func (s *Sim) remoteHangup() {
	switch s.status() {
	case StatusActive:
		s.setStatus(StatusIdle)
		s.writeLine("NO CARRIER")
		s.writeLine("+CIEV: call,0")
	case StatusRinging, StatusDialing:
		s.setStatus(StatusIdle)
		s.writeLine("NO CARRIER")
	}
}

// RemoteHangup ends the call from the remote side.
// The simulator lock must be held; use RemoteHangupSync otherwise.
func (s *Sim) RemoteHangup() {
	s.checkLock()
	s.remoteHangup()
}

// RemoteHangupSync ends the call from the remote side with automatic lock
// management.
func (s *Sim) RemoteHangupSync() {
	s.Lock()
	defer s.Unlock()
	s.remoteHangup()
}

func (s *Sim) processDialing(ctx context.Context, number string) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(s.dialDelay):
	}
	s.Lock()
	defer s.Unlock()
	if ctx.Err() != nil || s.status() != StatusDialing {
		return
	}
	outcome := DialAnswer
	if s.dialPlan != nil {
		outcome = s.dialPlan[number]
	}
	switch outcome {
	case DialAnswer:
		s.setStatus(StatusActive)
	case DialBusy:
		s.setStatus(StatusIdle)
		s.writeLine("BUSY")
	case DialNoAnswer:
		s.setStatus(StatusIdle)
		s.writeLine("NO ANSWER")
	default:
		s.setStatus(StatusIdle)
		s.writeLine("NO CARRIER")
	}
}

func (s *Sim) cmeError(msg string) string {
	if s.cmee == 0 {
		return "ERROR"
	}
	return "+CME ERROR: " + msg
}

// processAtCommand handles one command line (the text after "AT") and
// returns the final result line, or "" when the command already produced
// its own final response.
func (s *Sim) processAtCommand(cmd string) string {
	cmd = strings.TrimSpace(cmd)
	upper := strings.ToUpper(cmd)

	switch {
	case cmd == "":
		return "OK"

	case upper == "E0":
		s.echo = false
		return "OK"
	case upper == "E1":
		s.echo = true
		return "OK"

	case strings.HasPrefix(upper, "D") && strings.HasSuffix(cmd, ";"):
		if s.pinRequired || s.pukRequired {
			return s.cmeError("SIM PIN required")
		}
		if s.status() != StatusIdle {
			return s.cmeError("operation not allowed")
		}
		number := strings.TrimSpace(strings.TrimSuffix(cmd[1:], ";"))
		if number == "" {
			return "ERROR"
		}
		s.setStatus(StatusDialing)
		go s.processDialing(s.stCtx, number)
		return "OK"

	case upper == "A":
		if s.status() != StatusRinging {
			return "NO CARRIER"
		}
		s.setStatus(StatusActive)
		return "OK"

	case upper == "+CHUP":
		switch s.status() {
		case StatusActive:
			s.setStatus(StatusIdle)
			s.writeLine("+CIEV: call,0")
		case StatusDialing, StatusRinging:
			s.setStatus(StatusIdle)
		}
		return "OK"

	case strings.HasPrefix(upper, "+CLIP="):
		s.clipEnabled = strings.TrimPrefix(upper, "+CLIP=") == "1"
		return "OK"

	case strings.HasPrefix(upper, "+CMEE="):
		n, err := strconv.Atoi(strings.TrimPrefix(upper, "+CMEE="))
		if err != nil || n < 0 || n > 2 {
			return "ERROR"
		}
		s.cmee = n
		return "OK"

	case strings.HasPrefix(upper, "#DTMF="):
		s.dtmfReporting = strings.TrimPrefix(upper, "#DTMF=") == "1"
		return "OK"

	case upper == "+CPIN?":
		switch {
		case s.pukRequired:
			s.writeLine("+CPIN: SIM PUK")
		case s.pinRequired:
			s.writeLine("+CPIN: SIM PIN")
		default:
			s.writeLine("+CPIN: READY")
		}
		return "OK"

	case strings.HasPrefix(upper, "+CPIN="):
		return s.enterPin(unquote(cmd[len("+CPIN="):]))

	case upper == "#PCT":
		s.writeLine("#PCT: " + strconv.Itoa(s.retries))
		return "OK"

	case strings.HasPrefix(upper, "+CLCK="):
		return s.facilityLock(cmd[len("+CLCK="):])

	case strings.HasPrefix(upper, "+CPWD="):
		return s.changePin(cmd[len("+CPWD="):])

	case strings.HasPrefix(upper, "+CMER="), strings.HasPrefix(upper, "#DVI="):
		return "OK"

	case strings.HasPrefix(upper, "#"):
		// Remaining Telit configuration commands are accepted and ignored.
		return "OK"
	}
	return "ERROR"
}

func (s *Sim) enterPin(pin string) string {
	if s.pukRequired {
		return s.cmeError("SIM PUK required")
	}
	if !s.pinRequired {
		return s.cmeError("operation not allowed")
	}
	if pin == s.pin {
		s.pinRequired = false
		s.retries = defaultRetries
		return "OK"
	}
	s.retries--
	if s.retries <= 0 {
		s.pukRequired = true
		s.pinRequired = false
	}
	return s.cmeError("incorrect password")
}

// facilityLock handles +CLCK="SC",<mode>[,"pin"].
func (s *Sim) facilityLock(args string) string {
	parts := splitArgs(args)
	if len(parts) < 2 || unquote(parts[0]) != "SC" {
		return "ERROR"
	}
	switch parts[1] {
	case "2":
		if s.lockEnabled {
			s.writeLine("+CLCK: 1")
		} else {
			s.writeLine("+CLCK: 0")
		}
		return "OK"
	case "1", "0":
		if len(parts) < 3 || unquote(parts[2]) != s.pin {
			return s.cmeError("incorrect password")
		}
		s.lockEnabled = parts[1] == "1"
		return "OK"
	}
	return "ERROR"
}

// changePin handles +CPWD="SC","old","new".
func (s *Sim) changePin(args string) string {
	parts := splitArgs(args)
	if len(parts) != 3 || unquote(parts[0]) != "SC" {
		return "ERROR"
	}
	if unquote(parts[1]) != s.pin {
		return s.cmeError("incorrect password")
	}
	s.pin = unquote(parts[2])
	return "OK"
}

func splitArgs(args string) []string {
	parts := strings.Split(args, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func unquote(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"`)
}

func (s *Sim) ttyReadTask() {
	aFlag := false
	atFlag := false
	buffer := *bytes.NewBuffer(nil)
	byteBuff := make([]byte, 1)

	s.Lock()
	for s.status() != StatusClosed {
		s.Unlock()
		n, err := s.tty.Read(byteBuff)
		s.Lock()
		if s.status() == StatusClosed {
			break
		}
		if err != nil || n == 0 {
			s.setStatus(StatusClosed)
			break
		}

		if !atFlag {
			if s.echo {
				s.ttyWriteStr(string(byteBuff))
			}
			if bytes.ToUpper(byteBuff)[0] == 'A' {
				aFlag = true
				continue
			}
			if aFlag && bytes.ToUpper(byteBuff)[0] == 'T' {
				atFlag = true
				aFlag = false
				continue
			}
			aFlag = false
			continue
		}

		if byteBuff[0] == '\r' {
			atFlag = false
			cmd := buffer.String()
			buffer.Reset()
			if s.echo {
				s.ttyWriteStr("\r")
			}
			if final := s.processAtCommand(cmd); final != "" {
				s.writeLine(final)
			}
			continue
		}
		if buffer.Len() < 100 && strconv.IsPrint(rune(byteBuff[0])) {
			buffer.Write(byteBuff)
			if s.echo {
				s.ttyWriteStr(string(byteBuff))
			}
		}
	}
	s.Unlock()
}
