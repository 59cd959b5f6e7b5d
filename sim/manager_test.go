package sim

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jaracil/modemgw/modem"
)

func ok(lines ...string) modem.Result {
	return modem.Result{Outcome: modem.OutcomeReply, Lines: lines, Final: "OK"}
}

func cme(msg string) modem.Result {
	return modem.Result{Outcome: modem.OutcomeReply, Final: "+CME ERROR: " + msg}
}

// scriptChannel answers each command from a per-command reply queue; the
// last reply repeats once the queue drains.
type scriptChannel struct {
	mu      sync.Mutex
	cmds    []string
	retries map[string]int
	replies map[string][]modem.Result
}

func newScript() *scriptChannel {
	return &scriptChannel{
		retries: map[string]int{},
		replies: map[string][]modem.Result{},
	}
}

func (s *scriptChannel) on(cmd string, rs ...modem.Result) {
	s.replies[cmd] = append(s.replies[cmd], rs...)
}

func (s *scriptChannel) Submit(ctx context.Context, cmd modem.Command) modem.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds = append(s.cmds, cmd.Text)
	s.retries[cmd.Text] = cmd.Retries
	q := s.replies[cmd.Text]
	if len(q) == 0 {
		return modem.Result{Outcome: modem.OutcomeReply, Final: "ERROR"}
	}
	r := q[0]
	if len(q) > 1 {
		s.replies[cmd.Text] = q[1:]
	}
	return r
}

func (s *scriptChannel) retriesFor(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries[cmd]
}

func (s *scriptChannel) count(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.cmds {
		if c == cmd {
			n++
		}
	}
	return n
}

func TestCheckStatus(t *testing.T) {
	tests := []struct {
		name    string
		cpin    modem.Result
		clck    modem.Result
		pct     modem.Result
		want    State
		retries int
	}{
		{
			name: "ready locked",
			cpin: ok("+CPIN: READY"), clck: ok("+CLCK: 1"), pct: ok("#PCT: 3"),
			want: ReadyLocked, retries: 3,
		},
		{
			name: "ready unlocked",
			cpin: ok("+CPIN: READY"), clck: ok("+CLCK: 0"), pct: ok("#PCT: 3"),
			want: ReadyUnlocked, retries: 3,
		},
		{
			name: "pin required",
			cpin: ok("+CPIN: SIM PIN"), clck: ok("+CLCK: 1"), pct: ok("#PCT: 2"),
			want: PinRequired, retries: 2,
		},
		{
			name: "puk required",
			cpin: ok("+CPIN: SIM PUK"), clck: ok("+CLCK: 1"), pct: cme("operation not allowed"),
			want: PukRequired, retries: -1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := newScript()
			ch.on("AT+CPIN?", tt.cpin)
			ch.on(`AT+CLCK="SC",2`, tt.clck)
			ch.on("AT#PCT", tt.pct)

			st, err := New(ch, nil, nil, nil).CheckStatus(context.Background())
			if err != nil {
				t.Fatalf("CheckStatus: %v", err)
			}
			if st.State != tt.want || st.RetriesLeft != tt.retries {
				t.Fatalf("status = %+v, want state=%s retries=%d", st, tt.want, tt.retries)
			}
		})
	}
}

func TestUnlockWrongThenRight(t *testing.T) {
	ch := newScript()
	ch.on("AT+CPIN?", ok("+CPIN: SIM PIN"), ok("+CPIN: READY"))
	ch.on(`AT+CLCK="SC",2`, ok("+CLCK: 1"))
	ch.on("AT#PCT", ok("#PCT: 3"), ok("#PCT: 3"), ok("#PCT: 2"), ok("#PCT: 2"))
	ch.on(`AT+CPIN="1111"`, cme("incorrect password"))
	ch.on(`AT+CPIN="2222"`, ok())

	st, err := New(ch, nil, nil, nil).Unlock(context.Background(), []string{"1111", "2222", "3333"})
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if st.State != ReadyLocked {
		t.Fatalf("state = %s, want ready_locked", st.State)
	}
	if n := ch.count(`AT+CPIN="1111"`); n != 1 {
		t.Fatalf("first candidate submitted %d times", n)
	}
	if n := ch.count(`AT+CPIN="2222"`); n != 1 {
		t.Fatalf("second candidate submitted %d times", n)
	}
	if n := ch.count(`AT+CPIN="3333"`); n != 0 {
		t.Fatal("unlock must stop at the first accepted pin")
	}
}

func TestUnlockNeverSpendsLastAttempt(t *testing.T) {
	ch := newScript()
	ch.on("AT+CPIN?", ok("+CPIN: SIM PIN"))
	ch.on("AT#PCT", ok("#PCT: 1"))

	_, err := New(ch, nil, nil, nil).Unlock(context.Background(), []string{"1111"})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("err = %v, want ErrRetriesExhausted", err)
	}
	if n := ch.count(`AT+CPIN="1111"`); n != 0 {
		t.Fatal("no pin may be submitted with one attempt left")
	}
}

func TestUnlockDuplicateCandidateOnce(t *testing.T) {
	ch := newScript()
	ch.on("AT+CPIN?", ok("+CPIN: SIM PIN"))
	ch.on("AT#PCT", ok("#PCT: 5"), ok("#PCT: 4"))
	ch.on(`AT+CPIN="1111"`, cme("incorrect password"), cme("incorrect password"))

	_, err := New(ch, nil, nil, nil).Unlock(context.Background(), []string{"1111", "1111"})
	if !errors.Is(err, ErrUnlockFailed) {
		t.Fatalf("err = %v, want ErrUnlockFailed", err)
	}
	if n := ch.count(`AT+CPIN="1111"`); n != 1 {
		t.Fatalf("duplicate candidate submitted %d times, want 1", n)
	}
}

func TestUnlockAlreadyReady(t *testing.T) {
	ch := newScript()
	ch.on("AT+CPIN?", ok("+CPIN: READY"))
	ch.on(`AT+CLCK="SC",2`, ok("+CLCK: 0"))
	ch.on("AT#PCT", ok("#PCT: 3"))

	st, err := New(ch, nil, nil, nil).Unlock(context.Background(), []string{"1111"})
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if st.State != ReadyUnlocked {
		t.Fatalf("state = %s", st.State)
	}
	if n := ch.count(`AT+CPIN="1111"`); n != 0 {
		t.Fatal("ready sim must not receive a pin")
	}
}

func TestUnlockPukRequired(t *testing.T) {
	ch := newScript()
	ch.on("AT+CPIN?", ok("+CPIN: SIM PUK"))
	ch.on("AT#PCT", ok("#PCT: 0"))

	_, err := New(ch, nil, nil, nil).Unlock(context.Background(), []string{"1111"})
	if !errors.Is(err, ErrPukRequired) {
		t.Fatalf("err = %v, want ErrPukRequired", err)
	}
}

func TestGuardBlocksOperations(t *testing.T) {
	ch := newScript()
	m := New(ch, func() bool { return true }, nil, nil)

	if _, err := m.CheckStatus(context.Background()); !errors.Is(err, ErrCallActive) {
		t.Fatalf("CheckStatus err = %v, want ErrCallActive", err)
	}
	if _, err := m.Unlock(context.Background(), []string{"1111"}); !errors.Is(err, ErrCallActive) {
		t.Fatalf("Unlock err = %v, want ErrCallActive", err)
	}
	if err := m.SetPasswordAndLock(context.Background(), "1111", "2222"); !errors.Is(err, ErrCallActive) {
		t.Fatalf("SetPasswordAndLock err = %v, want ErrCallActive", err)
	}
	if len(ch.cmds) != 0 {
		t.Fatalf("guarded operations sent commands: %v", ch.cmds)
	}
}

func TestStatusQueriesRetryTimeouts(t *testing.T) {
	ch := newScript()
	ch.on("AT+CPIN?", ok("+CPIN: SIM PIN"), ok("+CPIN: READY"))
	ch.on("AT#PCT", ok("#PCT: 3"))
	ch.on(`AT+CPIN="1234"`, ok())
	ch.on(`AT+CLCK="SC",2`, ok("+CLCK: 1"))

	if _, err := New(ch, nil, nil, nil).Unlock(context.Background(), []string{"1234"}); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if ch.retriesFor("AT+CPIN?") == 0 {
		t.Fatal("SIM status query must carry a timeout retry budget")
	}
	if ch.retriesFor("AT#PCT") == 0 {
		t.Fatal("attempt budget query must carry a timeout retry budget")
	}
	if ch.retriesFor(`AT+CPIN="1234"`) != 0 {
		t.Fatal("a PIN submission must never be retried")
	}
}

func TestSetPasswordAndLock(t *testing.T) {
	ch := newScript()
	ch.on(`AT+CPWD="SC","1111","2222"`, ok())
	ch.on(`AT+CLCK="SC",1,"2222"`, ok())

	if err := New(ch, nil, nil, nil).SetPasswordAndLock(context.Background(), "1111", "2222"); err != nil {
		t.Fatalf("SetPasswordAndLock: %v", err)
	}
}
