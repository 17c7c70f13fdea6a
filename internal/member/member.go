package member

import (
	"net"
	"strconv"
	"strings"
)

// Health represents the liveness state of a cluster member.
type Health int

// Health values, in increasing precedence at equal incarnation.
const (
	Alive Health = iota
	Suspect
	Confirmed
	Departed
)

// String returns the string representation of Health.
func (h Health) String() string {
	switch h {
	case Alive:
		return "ALIVE"
	case Suspect:
		return "SUSPECT"
	case Confirmed:
		return "CONFIRMED"
	case Departed:
		return "DEPARTED"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether h is one of the known states.
func (h Health) Valid() bool {
	return h >= Alive && h <= Departed
}

// ParseHealth converts the output of Health.String back to a Health.
func ParseHealth(s string) (Health, bool) {
	switch strings.ToUpper(s) {
	case "ALIVE":
		return Alive, true
	case "SUSPECT":
		return Suspect, true
	case "CONFIRMED":
		return Confirmed, true
	case "DEPARTED":
		return Departed, true
	default:
		return Alive, false
	}
}

// Member represents a cluster member as claimed by a rumor.
type Member struct {
	ID          string
	Address     string
	SwimPort    int
	GossipPort  int
	Incarnation uint64
	Health      Health
}

// SwimAddr returns the host:port the member answers probes on.
func (m Member) SwimAddr() string {
	return net.JoinHostPort(m.Address, strconv.Itoa(m.SwimPort))
}

// GossipAddr returns the host:port the member receives rumor batches on.
func (m Member) GossipAddr() string {
	return net.JoinHostPort(m.Address, strconv.Itoa(m.GossipPort))
}

// IsActive reports whether the member still takes part in the protocol.
func (m Member) IsActive() bool {
	return m.Health == Alive || m.Health == Suspect
}

// Compare orders two claims about the same member. It returns a positive
// number when a supersedes b, a negative number when b supersedes a and 0 when
// they are the same claim.
//
// Precedence: higher incarnation wins; at equal incarnation
// Departed > Confirmed > Suspect > Alive. A graceful leave is therefore only
// superseded by the owner coming back with a higher incarnation. The remaining
// fields only break ties so that every observer keeps the same claim.
func Compare(a, b Member) int {
	if a.Incarnation != b.Incarnation {
		if a.Incarnation > b.Incarnation {
			return 1
		}
		return -1
	}
	if a.Health != b.Health {
		return int(a.Health) - int(b.Health)
	}
	if c := strings.Compare(a.Address, b.Address); c != 0 {
		return c
	}
	if a.SwimPort != b.SwimPort {
		return a.SwimPort - b.SwimPort
	}
	return a.GossipPort - b.GossipPort
}
