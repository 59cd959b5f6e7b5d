package modem

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		line   string
		ok     bool
		kind   NotifKind
		number string
		digit  string
		reason string
	}{
		{line: "RING", ok: true, kind: NotifRing},
		{line: `+CLIP: "+15551234567",145,"",0,"",0`, ok: true, kind: NotifCallerID, number: "+15551234567"},
		{line: `+CLIP: "5551234567",129`, ok: true, kind: NotifCallerID, number: "5551234567"},
		{line: "#DTMFEV: 5,1", ok: true, kind: NotifDTMF, digit: "5"},
		{line: "#DTMFEV: *", ok: true, kind: NotifDTMF, digit: "*"},
		{line: "+CIEV: call,1", ok: true, kind: NotifCallConnected},
		{line: "+CIEV: call,0", ok: true, kind: NotifCallEnded},
		{line: "+CIEV: signal,3", ok: false},
		{line: "NO CARRIER", ok: true, kind: NotifCallEnded, reason: "no carrier"},
		{line: "BUSY", ok: true, kind: NotifCallEnded, reason: "busy"},
		{line: "NO ANSWER", ok: true, kind: NotifCallEnded, reason: "no answer"},
		{line: "+CPIN: SIM PIN", ok: true, kind: NotifSimStatus},
		{line: "OK", ok: false},
		{line: "ERROR", ok: false},
		{line: "RINGTONE", ok: false},
		{line: "something else", ok: false},
	}
	for _, tt := range tests {
		n, ok := classify(tt.line)
		if ok != tt.ok {
			t.Errorf("classify(%q) ok = %v, want %v", tt.line, ok, tt.ok)
			continue
		}
		if !ok {
			continue
		}
		if n.Kind != tt.kind {
			t.Errorf("classify(%q) kind = %v, want %v", tt.line, n.Kind, tt.kind)
		}
		if tt.number != "" && n.Number != tt.number {
			t.Errorf("classify(%q) number = %q, want %q", tt.line, n.Number, tt.number)
		}
		if tt.digit != "" && n.Digit != tt.digit {
			t.Errorf("classify(%q) digit = %q, want %q", tt.line, n.Digit, tt.digit)
		}
		if tt.reason != "" && n.Reason != tt.reason {
			t.Errorf("classify(%q) reason = %q, want %q", tt.line, n.Reason, tt.reason)
		}
	}
}
