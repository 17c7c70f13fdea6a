package rumor

import (
	"bytes"
	"strings"

	"murmur/internal/member"
)

// Kind identifies the type of a rumor.
type Kind int

const (
	KindMembership Kind = iota + 1
	KindService
	KindElection
	KindDeparture
	KindServiceFile
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindMembership:
		return "membership"
	case KindService:
		return "service"
	case KindElection:
		return "election"
	case KindDeparture:
		return "departure"
	case KindServiceFile:
		return "service_file"
	default:
		return "unknown"
	}
}

// Key identifies the slot a rumor occupies in the store.
type Key struct {
	Kind Kind
	ID   string
}

// String returns the string representation of Key.
func (k Key) String() string {
	return k.Kind.String() + ":" + k.ID
}

// Rumor is a versioned fact disseminated by gossip. Rumors are immutable once
// created; callers build a new value instead of modifying one.
type Rumor interface {
	Kind() Kind
	Key() Key
	// Origin returns the id of the member that created the rumor.
	Origin() string
}

// Membership is a claim about the liveness of a member.
type Membership struct {
	From   string
	Member member.Member
}

// Kind implements Rumor.
func (r *Membership) Kind() Kind { return KindMembership }

// Key implements Rumor.
func (r *Membership) Key() Key { return Key{Kind: KindMembership, ID: r.Member.ID} }

// Origin implements Rumor.
func (r *Membership) Origin() string { return r.From }

// Service is a member's announcement of a service it runs in a service group.
// Incarnation is owned by the announcing member.
type Service struct {
	From        string
	Group       string
	Incarnation uint64
	Pkg         string
	Host        string
	Port        int
	Cfg         []byte
	Suitability uint64
	Candidate   bool
}

// Kind implements Rumor.
func (r *Service) Kind() Kind { return KindService }

// Key implements Rumor.
func (r *Service) Key() Key { return Key{Kind: KindService, ID: r.Group + "/" + r.From} }

// Origin implements Rumor.
func (r *Service) Origin() string { return r.From }

// ServiceFile is a file gossiped to every member of a service group.
type ServiceFile struct {
	From        string
	Group       string
	Filename    string
	Incarnation uint64
	Body        []byte
}

// Kind implements Rumor.
func (r *ServiceFile) Kind() Kind { return KindServiceFile }

// Key implements Rumor.
func (r *ServiceFile) Key() Key { return Key{Kind: KindServiceFile, ID: r.Group + "/" + r.Filename} }

// Origin implements Rumor.
func (r *ServiceFile) Origin() string { return r.From }

// ElectionStatus is the state of a service group election.
type ElectionStatus int

const (
	// ElectionNoQuorum means no candidate is alive.
	ElectionNoQuorum ElectionStatus = iota
	// ElectionRunning means the outcome is not settled yet.
	ElectionRunning
	// ElectionFinished means Winner is the leader for Term.
	ElectionFinished
)

// Valid reports whether s is one of the known statuses.
func (s ElectionStatus) Valid() bool {
	return s >= ElectionNoQuorum && s <= ElectionFinished
}

// String returns the string representation of ElectionStatus.
func (s ElectionStatus) String() string {
	switch s {
	case ElectionNoQuorum:
		return "NO_QUORUM"
	case ElectionRunning:
		return "RUNNING"
	case ElectionFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Election announces the winner of a service group election for a term.
type Election struct {
	From        string
	Group       string
	Term        uint64
	Status      ElectionStatus
	Winner      string
	Suitability uint64
}

// Kind implements Rumor.
func (r *Election) Kind() Kind { return KindElection }

// Key implements Rumor.
func (r *Election) Key() Key { return Key{Kind: KindElection, ID: r.Group} }

// Origin implements Rumor.
func (r *Election) Origin() string { return r.From }

// Departure permanently removes a member from the cluster.
type Departure struct {
	From     string
	MemberID string
}

// Kind implements Rumor.
func (r *Departure) Kind() Kind { return KindDeparture }

// Key implements Rumor.
func (r *Departure) Key() Key { return Key{Kind: KindDeparture, ID: r.MemberID} }

// Origin implements Rumor.
func (r *Departure) Origin() string { return r.From }

// Compare orders two rumors occupying the same key. It returns a positive
// number when a supersedes b, negative when b supersedes a and 0 when they are
// the same rumor. Every field takes part so the order is total.
func Compare(a, b Rumor) int {
	if a.Kind() != b.Kind() {
		return int(a.Kind()) - int(b.Kind())
	}
	switch x := a.(type) {
	case *Membership:
		y := b.(*Membership)
		if c := member.Compare(x.Member, y.Member); c != 0 {
			return c
		}
		return preferSmaller(x.From, y.From)
	case *Service:
		y := b.(*Service)
		return compareService(x, y)
	case *ServiceFile:
		y := b.(*ServiceFile)
		if c := compareUint(x.Incarnation, y.Incarnation); c != 0 {
			return c
		}
		if c := preferSmaller(x.From, y.From); c != 0 {
			return c
		}
		return bytes.Compare(x.Body, y.Body)
	case *Election:
		y := b.(*Election)
		return compareElection(x, y)
	case *Departure:
		y := b.(*Departure)
		return preferSmaller(x.From, y.From)
	}
	return 0
}

func compareService(x, y *Service) int {
	if c := compareUint(x.Incarnation, y.Incarnation); c != 0 {
		return c
	}
	if c := compareUint(x.Suitability, y.Suitability); c != 0 {
		return c
	}
	if x.Candidate != y.Candidate {
		if x.Candidate {
			return 1
		}
		return -1
	}
	if c := strings.Compare(x.Pkg, y.Pkg); c != 0 {
		return c
	}
	if c := strings.Compare(x.Host, y.Host); c != 0 {
		return c
	}
	if x.Port != y.Port {
		return x.Port - y.Port
	}
	return bytes.Compare(x.Cfg, y.Cfg)
}

func compareElection(x, y *Election) int {
	if c := compareUint(x.Term, y.Term); c != 0 {
		return c
	}
	if x.Status != y.Status {
		return int(x.Status) - int(y.Status)
	}
	if c := compareUint(x.Suitability, y.Suitability); c != 0 {
		return c
	}
	if c := preferSmaller(x.Winner, y.Winner); c != 0 {
		return c
	}
	return preferSmaller(x.From, y.From)
}

func compareUint(a, b uint64) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}

// preferSmaller ranks the lexicographically smaller string higher.
func preferSmaller(a, b string) int {
	return strings.Compare(b, a)
}
