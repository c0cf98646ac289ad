package domain

import (
	"encoding/json"
	"fmt"
)

// TradeStatus is the lifecycle state of a trade record.
// pending is the only initial state; completed and failed are terminal.
type TradeStatus string

const (
	StatusPending   TradeStatus = "pending"
	StatusCompleted TradeStatus = "completed"
	StatusFailed    TradeStatus = "failed"
)

// ParseTradeStatus converts a stored value into a TradeStatus.
func ParseTradeStatus(value string) (TradeStatus, error) {
	switch TradeStatus(value) {
	case StatusPending, StatusCompleted, StatusFailed:
		return TradeStatus(value), nil
	}
	return "", fmt.Errorf("unknown trade status: %q", value)
}

// IsTerminal reports whether no further transition is allowed.
func (s TradeStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether s -> next is a legal one-way transition.
func (s TradeStatus) CanTransitionTo(next TradeStatus) bool {
	return s == StatusPending && next.IsTerminal()
}

func (s TradeStatus) String() string {
	return string(s)
}

// UnmarshalJSON rejects unknown statuses.
func (s *TradeStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseTradeStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
