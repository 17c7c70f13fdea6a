package gossip

import "strings"

// HealthResult is the outcome of a service health check.
type HealthResult int

const (
	HealthOk HealthResult = iota
	HealthWarning
	HealthCritical
	HealthUnknown
)

// String returns the string representation of HealthResult.
func (h HealthResult) String() string {
	switch h {
	case HealthOk:
		return "OK"
	case HealthWarning:
		return "WARNING"
	case HealthCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseHealthResult is the inverse of String. Unrecognized input yields
// HealthUnknown.
func ParseHealthResult(s string) HealthResult {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OK":
		return HealthOk
	case "WARNING":
		return HealthWarning
	case "CRITICAL":
		return HealthCritical
	default:
		return HealthUnknown
	}
}
