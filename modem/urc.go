package modem

import "strings"

// NotifKind identifies an unsolicited notification category.
type NotifKind int

const (
	// NotifRing is a RING indication for an inbound call attempt.
	NotifRing NotifKind = iota
	// NotifCallerID carries the caller number from a +CLIP report.
	NotifCallerID
	// NotifCallConnected is the call-established indicator (+CIEV: call,1).
	NotifCallConnected
	// NotifCallEnded is any call-teardown indicator; Reason says which.
	NotifCallEnded
	// NotifDTMF carries one in-call DTMF digit (#DTMFEV).
	NotifDTMF
	// NotifSimStatus is a spontaneous +CPIN report.
	NotifSimStatus
)

func (k NotifKind) String() string {
	switch k {
	case NotifRing:
		return "ring"
	case NotifCallerID:
		return "caller_id"
	case NotifCallConnected:
		return "call_connected"
	case NotifCallEnded:
		return "call_ended"
	case NotifDTMF:
		return "dtmf"
	case NotifSimStatus:
		return "sim_status"
	default:
		return "unknown"
	}
}

// Notification is one classified unsolicited line from the device.
type Notification struct {
	Kind    NotifKind
	Number  string // NotifCallerID
	Digit   string // NotifDTMF
	Reason  string // NotifCallEnded
	Payload string // raw text after the URC prefix
}

// classify recognizes the unsolicited result codes emitted by the modem with
// +CLIP, +CMER and #DTMF reporting enabled.
func classify(line string) (Notification, bool) {
	switch {
	case line == "RING":
		return Notification{Kind: NotifRing}, true
	case strings.HasPrefix(line, "+CLIP:"):
		return Notification{Kind: NotifCallerID, Number: clipNumber(line), Payload: rest(line)}, true
	case strings.HasPrefix(line, "#DTMFEV:"):
		return Notification{Kind: NotifDTMF, Digit: dtmfDigit(line), Payload: rest(line)}, true
	case strings.HasPrefix(line, "+CIEV:"):
		p := rest(line)
		switch {
		case strings.HasPrefix(p, "call,1"):
			return Notification{Kind: NotifCallConnected, Payload: p}, true
		case strings.HasPrefix(p, "call,0"):
			return Notification{Kind: NotifCallEnded, Reason: "call state change", Payload: p}, true
		}
		return Notification{}, false
	case line == "NO CARRIER":
		return Notification{Kind: NotifCallEnded, Reason: "no carrier"}, true
	case line == "BUSY":
		return Notification{Kind: NotifCallEnded, Reason: "busy"}, true
	case line == "NO ANSWER":
		return Notification{Kind: NotifCallEnded, Reason: "no answer"}, true
	case strings.HasPrefix(line, "+CPIN:"):
		return Notification{Kind: NotifSimStatus, Payload: rest(line)}, true
	}
	return Notification{}, false
}

func rest(line string) string {
	if idx := strings.Index(line, ":"); idx >= 0 {
		return strings.TrimSpace(line[idx+1:])
	}
	return ""
}

// clipNumber parses `+CLIP: "+15551234567",145,"",0,"",0`.
func clipNumber(line string) string {
	p := rest(line)
	if idx := strings.Index(p, ","); idx >= 0 {
		p = p[:idx]
	}
	return strings.Trim(strings.TrimSpace(p), `"`)
}

// dtmfDigit parses `#DTMFEV: 5,1` or `#DTMFEV: *`.
func dtmfDigit(line string) string {
	p := rest(line)
	if idx := strings.Index(p, ","); idx >= 0 {
		p = p[:idx]
	}
	return strings.TrimSpace(p)
}
