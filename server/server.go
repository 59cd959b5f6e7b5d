// Package server exposes the control protocol over TCP. Each accepted
// connection is an independent session: a line-oriented request/response
// loop plus, after a subscribe, an event pusher sharing the same socket.
package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jaracil/modemgw/call"
	"github.com/jaracil/modemgw/event"
	"github.com/jaracil/modemgw/modem"
	"github.com/jaracil/modemgw/proto"
	"github.com/jaracil/modemgw/sim"
)

// DefaultAddr is the control port the provisioning tooling expects.
const DefaultAddr = ":5555"

// maxLineBytes bounds a single request line.
const maxLineBytes = 64 * 1024

// CallAPI is the call machine surface the server needs. *call.Machine
// satisfies it.
type CallAPI interface {
	PlaceCall(ctx context.Context, number string) error
	Answer() error
	Hangup() error
	StatusSync() call.Snapshot
}

// SimAPI is the SIM manager surface the server needs. *sim.Manager
// satisfies it.
type SimAPI interface {
	CheckStatus(ctx context.Context) (sim.Status, error)
}

// Config carries the server dependencies.
type Config struct {
	// Addr defaults to DefaultAddr.
	Addr string
	// Call is required.
	Call CallAPI
	// Sim is optional; sim_status fails with device_error when nil.
	Sim SimAPI
	// Bus is optional; subscribe fails with device_error when nil.
	Bus    *event.Bus
	Logger *slog.Logger
}

// Server accepts control connections and runs one session per connection.
type Server struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// New builds a Server.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Call == nil {
		panic("server: Config.Call is required")
	}
	return &Server{
		cfg:   cfg,
		log:   cfg.Logger.With("comp", "server"),
		conns: make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on the configured address and serves until Close.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close or a fatal accept error.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	s.ln = ln
	s.mu.Unlock()

	s.log.Info("control server listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.handleConn(conn)
	}
}

// Close stops the listener, closes every session and waits for them.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) dropConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
	s.wg.Done()
}

type session struct {
	id   string
	srv  *Server
	conn net.Conn

	wmu sync.Mutex // serializes response and push writes
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.dropConn(conn)

	sess := &session{id: uuid.NewString(), srv: s, conn: conn}
	s.log.Info("session opened", "session", sess.id, "remote", conn.RemoteAddr().String())
	defer func() {
		if s.cfg.Bus != nil {
			s.cfg.Bus.Unsubscribe(sess.id)
		}
		s.log.Info("session closed", "session", sess.id)
	}()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var req proto.Request
		if err := json.Unmarshal(line, &req); err != nil {
			sess.send(proto.Response{
				Status:    proto.StatusError,
				ErrorCode: proto.CodeMalformed,
				Message:   "invalid JSON",
			})
			continue
		}
		resp := s.dispatch(sess, req)
		resp.RequestID = req.RequestID
		if !sess.send(resp) {
			return
		}
	}
	if err := sc.Err(); err != nil {
		s.log.Debug("session read error", "session", sess.id, "err", err)
	}
}

func (sess *session) send(resp proto.Response) bool {
	b, err := json.Marshal(resp)
	if err != nil {
		sess.srv.log.Error("response marshal failed", "err", err)
		return false
	}
	return sess.writeLine(b)
}

func (sess *session) writeLine(b []byte) bool {
	sess.wmu.Lock()
	defer sess.wmu.Unlock()
	if _, err := sess.conn.Write(append(b, '\n')); err != nil {
		return false
	}
	return true
}

// pushEvents forwards bus events to the session socket until the
// subscription channel closes (unsubscribe, replacement or disconnect).
func (sess *session) pushEvents(sub *event.Subscription) {
	for ev := range sub.C() {
		p := proto.Push{
			Type:      ev.Type,
			Timestamp: ev.Time.Format(time.RFC3339),
			Fields:    ev.Fields,
		}
		b, err := json.Marshal(p)
		if err != nil {
			sess.srv.log.Error("event marshal failed", "err", err)
			continue
		}
		if !sess.writeLine(b) {
			return
		}
	}
}

func (s *Server) dispatch(sess *session, req proto.Request) proto.Response {
	switch req.Command {
	case proto.CmdPing:
		return success("pong", nil)
	case proto.CmdStatus:
		return s.doStatus()
	case proto.CmdPlaceCall:
		return s.doPlaceCall(req)
	case proto.CmdAnswer:
		return s.doAnswer()
	case proto.CmdHangup:
		return s.doHangup()
	case proto.CmdSubscribe:
		return s.doSubscribe(sess, req)
	case proto.CmdSimStatus:
		return s.doSimStatus()
	default:
		return failure(proto.CodeUnknownCommand, fmt.Sprintf("unknown command %q", req.Command))
	}
}

func (s *Server) doStatus() proto.Response {
	st := s.cfg.Call.StatusSync()
	data := map[string]any{
		"call_state": st.State.String(),
		"connected":  st.Connected,
	}
	if st.Number != "" {
		data["number"] = st.Number
	}
	if st.Direction != call.DirectionNone {
		data["direction"] = st.Direction.String()
	}
	if st.RingCount > 0 {
		data["ring_count"] = st.RingCount
	}
	if st.Connected {
		data["duration_seconds"] = int(st.Duration.Seconds())
	}
	return success("", data)
}

func (s *Server) doPlaceCall(req proto.Request) proto.Response {
	var params proto.PlaceCallParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return failure(proto.CodeMalformed, "invalid place_call params")
		}
	}
	if params.Number == "" {
		return failure(proto.CodeMalformed, "number is required")
	}
	if err := s.cfg.Call.PlaceCall(context.Background(), params.Number); err != nil {
		return errorResponse("place_call", err)
	}
	return success("call connected", map[string]any{"number": params.Number})
}

func (s *Server) doAnswer() proto.Response {
	if err := s.cfg.Call.Answer(); err != nil {
		return errorResponse("answer", err)
	}
	return success("call answered", nil)
}

func (s *Server) doHangup() proto.Response {
	if err := s.cfg.Call.Hangup(); err != nil {
		return errorResponse("hangup", err)
	}
	return success("call ended", nil)
}

func (s *Server) doSubscribe(sess *session, req proto.Request) proto.Response {
	if s.cfg.Bus == nil {
		return failure(proto.CodeDeviceError, "event distribution unavailable")
	}
	var params proto.SubscribeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return failure(proto.CodeMalformed, "invalid subscribe params")
		}
	}
	var cats []event.Category
	for _, name := range params.Events {
		c, ok := parseCategory(name)
		if !ok {
			return failure(proto.CodeMalformed, fmt.Sprintf("unknown event category %q", name))
		}
		cats = append(cats, c)
	}

	sub := s.cfg.Bus.Subscribe(sess.id, cats...)
	go sess.pushEvents(sub)

	names := params.Events
	if len(names) == 0 {
		for _, c := range event.Categories() {
			names = append(names, string(c))
		}
	}
	return success("subscribed", map[string]any{"events": names})
}

func (s *Server) doSimStatus() proto.Response {
	if s.cfg.Sim == nil {
		return failure(proto.CodeDeviceError, "sim manager unavailable")
	}
	st, err := s.cfg.Sim.CheckStatus(context.Background())
	if err != nil {
		return errorResponse("sim_status", err)
	}
	data := map[string]any{"state": st.State.String()}
	if st.RetriesLeft >= 0 {
		data["retries_left"] = strconv.Itoa(st.RetriesLeft)
	}
	return success("", data)
}

func parseCategory(name string) (event.Category, bool) {
	for _, c := range event.Categories() {
		if string(c) == name {
			return c, true
		}
	}
	return "", false
}

func success(msg string, data map[string]any) proto.Response {
	return proto.Response{Status: proto.StatusSuccess, Message: msg, Data: data}
}

func failure(code, msg string) proto.Response {
	return proto.Response{Status: proto.StatusError, ErrorCode: code, Message: msg}
}

// errorResponse maps domain errors to protocol error codes.
func errorResponse(op string, err error) proto.Response {
	code := proto.CodeDeviceError
	switch {
	case errors.Is(err, call.ErrBusy), errors.Is(err, sim.ErrCallActive):
		code = proto.CodeBusy
	case errors.Is(err, call.ErrNoRingingCall):
		code = proto.CodeNoRingingCall
	case errors.Is(err, call.ErrInvalidNumber):
		code = proto.CodeMalformed
	case errors.Is(err, call.ErrAborted):
		code = proto.CodeAborted
	case errors.Is(err, call.ErrConnectTimeout), errors.Is(err, call.ErrCallFailed):
		code = proto.CodeCallFailed
	case errors.Is(err, modem.ErrTimeout):
		code = proto.CodeDeviceTimeout
	case errors.Is(err, modem.ErrDevice), errors.Is(err, modem.ErrClosed):
		code = proto.CodeDeviceError
	case errors.Is(err, sim.ErrRetriesExhausted):
		code = proto.CodeSimRetriesExhaust
	case errors.Is(err, sim.ErrPukRequired), errors.Is(err, sim.ErrUnlockFailed):
		code = proto.CodeSimLocked
	}
	return failure(code, fmt.Sprintf("%s: %v", op, err))
}
