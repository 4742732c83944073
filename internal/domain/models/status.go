package models

import (
	"fmt"
	"strings"
)

// Status is the closed set of ledger states an off-ramp row moves through.
type Status string

const (
	StatusPending       Status = "pending"
	StatusTokenReceived Status = "token_received"
	StatusSwapping      Status = "swapping"
	StatusUSDCReceived  Status = "usdc_received"
	StatusPaying        Status = "paying"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusRefunded      Status = "refunded"
)

// AllStatuses lists every status in pipeline order.
var AllStatuses = []Status{
	StatusPending,
	StatusTokenReceived,
	StatusSwapping,
	StatusUSDCReceived,
	StatusPaying,
	StatusCompleted,
	StatusFailed,
	StatusRefunded,
}

// transitions is the only source of truth for legal edges. swapping -> token_received and
// paying -> usdc_received release a failed attempt for another try.
var transitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusTokenReceived: {},
		StatusFailed:        {},
	},
	StatusTokenReceived: {
		StatusSwapping: {},
		StatusFailed:   {},
		StatusRefunded: {},
	},
	StatusSwapping: {
		StatusUSDCReceived:  {},
		StatusTokenReceived: {},
		StatusFailed:        {},
	},
	StatusUSDCReceived: {
		StatusPaying:   {},
		StatusFailed:   {},
		StatusRefunded: {},
	},
	StatusPaying: {
		StatusCompleted:    {},
		StatusUSDCReceived: {},
		StatusFailed:       {},
	},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusRefunded:  {},
}

// ParseStatus rejects anything outside the enum.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) String() string {
	return string(s)
}

// IsTerminal reports statuses with no outgoing edges.
func (s Status) IsTerminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// NonTerminalStatuses returns the statuses that still have work left.
func NonTerminalStatuses() []Status {
	out := make([]Status, 0, len(AllStatuses))
	for _, s := range AllStatuses {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

// UserFacing is what the customer sees; it is derived from the stored status only.
func (s Status) UserFacing() string {
	switch s {
	case StatusPending:
		return "awaiting deposit"
	case StatusTokenReceived, StatusSwapping, StatusUSDCReceived, StatusPaying:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed - contact support"
	case StatusRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}
