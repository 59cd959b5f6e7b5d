// Package modem implements the serial command channel to a cellular voice
// modem. A Channel is the exclusive owner of the device: it serializes AT
// commands so that at most one is in flight, matches reply lines against the
// command's terminator set, and classifies everything else on the stream as
// unsolicited notifications (ring, caller id, DTMF, call status, SIM status)
// which are handed to the configured Notify callback immediately, independent
// of any pending command.
//
// A command never raises an asynchronous failure: Submit always returns a
// Result whose Outcome is Reply, Timeout or DeviceError. After three
// consecutive device I/O failures (or a broken read stream) the channel goes
// down, fails pending callers fast, and reconnects in the background with
// exponential backoff.
package modem

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	// ErrClosed is returned for operations on a closed channel.
	ErrClosed = errors.New("channel closed")
	// ErrTimeout indicates a command exceeded its deadline.
	ErrTimeout = errors.New("command timeout")
	// ErrDevice indicates a device level I/O failure.
	ErrDevice = errors.New("device error")
)

// Outcome is the terminal disposition of a submitted command.
type Outcome int

const (
	// OutcomeReply means the device answered with a terminal line.
	OutcomeReply Outcome = iota
	// OutcomeTimeout means no terminal line arrived within the deadline.
	OutcomeTimeout
	// OutcomeDeviceError means the channel is down or the write failed.
	OutcomeDeviceError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReply:
		return "Reply"
	case OutcomeTimeout:
		return "Timeout"
	case OutcomeDeviceError:
		return "DeviceError"
	default:
		return "Unknown"
	}
}

// Command is a single AT exchange. Text is written followed by CR. The reply
// is complete when a line matches one of Terminators (prefix match); when
// Terminators is nil the standard set (OK, ERROR, +CME ERROR, +CMS ERROR) is
// used. A zero Timeout uses DefaultTimeout. Retries is the number of extra
// attempts made after a timeout; only safe for idempotent commands. Replies
// (including ERROR finals), device errors and context cancellation are never
// retried.
type Command struct {
	Text        string
	Terminators []string
	Timeout     time.Duration
	Retries     int
}

// Result is the reply to one Command. Lines holds the informational lines
// received between the command and the terminal line; Final is the terminal
// line itself (empty unless Outcome is OutcomeReply).
type Result struct {
	Outcome Outcome
	Lines   []string
	Final   string
}

// OK reports whether the device answered the command with OK.
func (r Result) OK() bool {
	return r.Outcome == OutcomeReply && r.Final == "OK"
}

// Err maps the result to a sentinel error, nil for any reply (including
// ERROR finals, which are protocol answers rather than channel failures).
func (r Result) Err() error {
	switch r.Outcome {
	case OutcomeReply:
		return nil
	case OutcomeTimeout:
		return ErrTimeout
	default:
		return ErrDevice
	}
}

// DefaultTimeout bounds commands that do not set their own deadline.
const DefaultTimeout = 5 * time.Second

var defaultTerminators = []string{"OK", "ERROR", "+CME ERROR", "+CMS ERROR"}

// Config configures a Channel.
type Config struct {
	// Dialer opens the underlying device (required).
	Dialer Dialer
	// Notify receives classified unsolicited notifications. Called from the
	// reader goroutine; it must not block on the channel itself.
	Notify func(Notification)
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// ReconnectMin/ReconnectMax bound the backoff between reconnect attempts
	// (defaults 1s and 30s).
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// MaxIOErrors is the number of consecutive write failures tolerated
	// before the channel goes down (default 3).
	MaxIOErrors int
}

type pending struct {
	text  string
	id    string
	terms []string
	lines []string
	done  chan Result
}

// Channel owns the serial device. All writes go through Submit; a background
// reader drains the device for the channel's whole lifetime.
type Channel struct {
	cfg Config
	log *slog.Logger

	submitMu sync.Mutex // serializes submitters; held for the whole exchange

	mu      sync.Mutex // guards the fields below
	port    io.ReadWriteCloser
	pending *pending
	gen     int // bumped on every (re)connect; stale readers detect it
	down    bool
	closed  bool
	ioErrs  int
}

// New dials the device and starts the reader. The first connection is made
// synchronously so a misconfigured device path fails at startup.
func New(cfg Config) (*Channel, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("modem: dialer required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.MaxIOErrors <= 0 {
		cfg.MaxIOErrors = 3
	}
	port, err := cfg.Dialer.Dial()
	if err != nil {
		return nil, err
	}
	c := &Channel{
		cfg:  cfg,
		log:  cfg.Logger.With("comp", "modem"),
		port: port,
	}
	go c.readLoop(port, c.gen)
	return c, nil
}

// Submit writes the command and waits for its terminal line, a timeout, or a
// device failure. Only one command is in flight at a time; concurrent callers
// block until the channel is free. Cancelling ctx abandons the command and is
// reported as OutcomeTimeout. A command with Retries > 0 is resubmitted after
// a timeout until an answer arrives or the attempt budget runs out.
func (c *Channel) Submit(ctx context.Context, cmd Command) Result {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	for attempt := 0; ; attempt++ {
		res := c.submitOnce(ctx, cmd)
		if res.Outcome != OutcomeTimeout || ctx.Err() != nil || attempt >= cmd.Retries {
			return res
		}
		c.log.Warn("command timed out, retrying", "cmd", cmd.Text, "attempt", attempt+1)
	}
}

func (c *Channel) submitOnce(ctx context.Context, cmd Command) Result {
	c.mu.Lock()
	if c.closed || c.down {
		c.mu.Unlock()
		return Result{Outcome: OutcomeDeviceError}
	}
	port := c.port
	gen := c.gen
	p := &pending{
		text:  cmd.Text,
		id:    commandID(cmd.Text),
		terms: cmd.Terminators,
		done:  make(chan Result, 1),
	}
	if p.terms == nil {
		p.terms = defaultTerminators
	}
	c.pending = p
	c.mu.Unlock()

	c.log.Debug("submit", "cmd", cmd.Text)
	if _, err := port.Write([]byte(cmd.Text + "\r")); err != nil {
		c.clearPending(p)
		c.writeFailed(gen, err)
		return Result{Outcome: OutcomeDeviceError}
	}
	c.writeSucceeded(gen)

	timeout := cmd.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.done:
		return r
	case <-timer.C:
		c.clearPending(p)
		c.log.Warn("command timeout", "cmd", cmd.Text, "timeout", timeout)
		return Result{Outcome: OutcomeTimeout}
	case <-ctx.Done():
		c.clearPending(p)
		return Result{Outcome: OutcomeTimeout}
	}
}

// Down reports whether the channel is currently disconnected from the device.
func (c *Channel) Down() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.down
}

// Close shuts the channel down permanently.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	port := c.port
	c.port = nil
	p := c.pending
	c.pending = nil
	c.mu.Unlock()

	if p != nil {
		p.done <- Result{Outcome: OutcomeDeviceError}
	}
	if port != nil {
		return port.Close()
	}
	return nil
}

func (c *Channel) clearPending(p *pending) {
	c.mu.Lock()
	if c.pending == p {
		c.pending = nil
	}
	c.mu.Unlock()
}

func (c *Channel) readLoop(port io.Reader, gen int) {
	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.mu.Lock()
		if c.closed || c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.handleLine(line)
	}
	c.streamFailed(gen, scanner.Err())
}

// handleLine implements the reply/notification classification. Order matters:
// the pending command's echo and terminator set claim a line first, then its
// own info prefix, then the unsolicited patterns, then any remaining line is
// treated as reply info. Lines arriving with no pending command and no URC
// match are dropped.
func (c *Channel) handleLine(line string) {
	c.mu.Lock()
	p := c.pending

	if p != nil {
		if line == strings.TrimSpace(p.text) { // command echo
			c.mu.Unlock()
			return
		}
		if matchesAny(line, p.terms) {
			c.pending = nil
			lines := p.lines
			c.mu.Unlock()
			c.log.Debug("reply", "cmd", p.text, "final", line)
			p.done <- Result{Outcome: OutcomeReply, Lines: lines, Final: line}
			return
		}
		if p.id != "" && strings.HasPrefix(line, p.id+":") {
			p.lines = append(p.lines, line)
			c.mu.Unlock()
			return
		}
	}
	c.mu.Unlock()

	if n, ok := classify(line); ok {
		c.log.Debug("urc", "line", line)
		if c.cfg.Notify != nil {
			c.cfg.Notify(n)
		}
		return
	}

	c.mu.Lock()
	if c.pending == p && p != nil {
		p.lines = append(p.lines, line)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.log.Debug("unclaimed line", "line", line)
}

// writeSucceeded resets the error streak; only consecutive failures count
// toward taking the channel down.
func (c *Channel) writeSucceeded(gen int) {
	c.mu.Lock()
	if c.gen == gen {
		c.ioErrs = 0
	}
	c.mu.Unlock()
}

func (c *Channel) writeFailed(gen int, err error) {
	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.ioErrs++
	errs := c.ioErrs
	c.mu.Unlock()
	c.log.Warn("device write failed", "err", err, "consecutive", errs)
	if errs >= c.cfg.MaxIOErrors {
		c.goDown(gen, err)
	}
}

func (c *Channel) streamFailed(gen int, err error) {
	c.log.Warn("device stream broken", "err", err)
	c.goDown(gen, err)
}

func (c *Channel) goDown(gen int, err error) {
	c.mu.Lock()
	if c.closed || c.down || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.down = true
	c.gen++
	next := c.gen
	port := c.port
	c.port = nil
	p := c.pending
	c.pending = nil
	c.mu.Unlock()

	if port != nil {
		port.Close()
	}
	if p != nil {
		p.done <- Result{Outcome: OutcomeDeviceError}
	}
	c.log.Error("channel down, reconnecting", "err", err)
	go c.reconnectLoop(next)
}

func (c *Channel) reconnectLoop(gen int) {
	backoff := c.cfg.ReconnectMin
	for {
		c.mu.Lock()
		if c.closed || c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		port, err := c.cfg.Dialer.Dial()
		if err == nil {
			c.mu.Lock()
			if c.closed || c.gen != gen {
				c.mu.Unlock()
				port.Close()
				return
			}
			c.port = port
			c.down = false
			c.ioErrs = 0
			c.mu.Unlock()
			c.log.Info("channel reconnected")
			go c.readLoop(port, gen)
			return
		}
		c.log.Warn("reconnect failed", "err", err, "retry_in", backoff)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
	}
}

func matchesAny(line string, pats []string) bool {
	for _, p := range pats {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

// commandID extracts the info-line prefix of a command: "AT+CPIN?" replies
// with "+CPIN: ..." lines, "AT#PCT" with "#PCT: ...".
func commandID(text string) string {
	s := strings.TrimPrefix(strings.TrimSpace(text), "AT")
	if idx := strings.IndexAny(s, "=?"); idx >= 0 {
		s = s[:idx]
	}
	if strings.HasPrefix(s, "+") || strings.HasPrefix(s, "#") {
		return s
	}
	return ""
}
