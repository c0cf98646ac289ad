package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Side is the direction of a trade against the cash ledger.
type Side int

const (
	SideBuy Side = iota + 1
	SideSell
)

// side string constants to avoid magic strings
const (
	sideStringBuy  = "BUY"
	sideStringSell = "SELL"
)

// ParseSide converts a wire value into a Side. Matching is case-insensitive.
func ParseSide(value string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case sideStringBuy:
		return SideBuy, nil
	case sideStringSell:
		return SideSell, nil
	}

	return 0, fmt.Errorf("unknown trade side: %q", value)
}

// String returns the string representation of the side
func (s Side) String() string {
	switch s {
	case SideBuy:
		return sideStringBuy
	case SideSell:
		return sideStringSell
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// CashDirection returns +1 when the side credits cash and -1 when it debits.
func (s Side) CashDirection() int {
	if s == SideSell {
		return 1
	}
	return -1
}

// MarshalJSON implements json.Marshaler
func (s Side) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (s *Side) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseSide(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
