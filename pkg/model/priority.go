package model

import "fmt"

// Priority is a total-order enumeration; lower ordinal is served first.
type Priority uint8

const (
	Critical Priority = iota
	High
	Normal
	Low
)

// BandCount is the number of priority bands the queue maintains.
const BandCount = int(Low) + 1

// String renders the priority the way it is spelled at the config
// boundary (uppercase), matching the spec's enumeration names.
func (p Priority) String() string {
	switch p {
	case Critical:
		return "CRITICAL"
	case High:
		return "HIGH"
	case Normal:
		return "NORMAL"
	case Low:
		return "LOW"
	default:
		return fmt.Sprintf("PRIORITY(%d)", uint8(p))
	}
}

// ParsePriority parses a priority name at the configuration boundary.
// String parsing of priorities happens only here, never inside the core.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "CRITICAL":
		return Critical, nil
	case "HIGH":
		return High, nil
	case "NORMAL":
		return Normal, nil
	case "LOW":
		return Low, nil
	default:
		return 0, fmt.Errorf("model: unknown priority %q", s)
	}
}

// Valid reports whether p is one of the four defined bands.
func (p Priority) Valid() bool {
	return p <= Low
}
