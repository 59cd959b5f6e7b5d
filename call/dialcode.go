package call

import "strings"

// Service prefixes that may lead a dial string. They select how, and
// whether, the account code is delivered after connect, and are stripped
// before dialing.
const (
	prefixNoAccount   = "*50" // suppress account code entirely
	prefixAccountDC   = "*54" // deliver account code with DC framing
	prefixAccountTone = "*55" // deliver account code as plain DTMF
)

// DialPlan is the per-call account code delivery decision derived from the
// dial string prefix.
type DialPlan struct {
	// Number is the string handed to the dial command, prefix removed.
	Number string
	// SendAccount reports whether the account code is sent after connect.
	SendAccount bool
	// Framed reports whether the account code is wrapped in DC framing
	// digits instead of being sent bare.
	Framed bool
}

// ParseDialString inspects a requested number for a service prefix and
// returns the dial plan for it. Numbers without a recognized prefix send
// the account code bare, same as *55.
func ParseDialString(number string) (DialPlan, error) {
	number = strings.TrimSpace(number)
	plan := DialPlan{Number: number, SendAccount: true}
	switch {
	case strings.HasPrefix(number, prefixNoAccount):
		plan.Number = number[len(prefixNoAccount):]
		plan.SendAccount = false
	case strings.HasPrefix(number, prefixAccountDC):
		plan.Number = number[len(prefixAccountDC):]
		plan.Framed = true
	case strings.HasPrefix(number, prefixAccountTone):
		plan.Number = number[len(prefixAccountTone):]
	}
	if plan.Number == "" {
		return DialPlan{}, ErrInvalidNumber
	}
	return plan, nil
}
