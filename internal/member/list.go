package member

import (
	"math/rand"
	"sort"
	"time"
)

type entry struct {
	Member
	StateChange time.Time
}

// Transition describes a change applied to the list.
type Transition struct {
	Member Member
	From   Health
	New    bool
}

// Changed reports whether the liveness state moved.
func (t Transition) Changed() bool {
	return t.New || t.From != t.Member.Health
}

// List is the local view of cluster membership keyed by member id.
// Entries are never removed on failure or departure; they stay as tombstones
// until Prune evicts them after a quiescence window.
type List struct {
	localID    string
	entries    map[string]*entry
	order      []string // probe order, shuffled on every wrap
	probeIndex int
}

// NewList creates a list containing only the local member.
func NewList(self Member, now time.Time) *List {
	self.Health = Alive
	l := &List{
		localID: self.ID,
		entries: make(map[string]*entry),
	}
	l.entries[self.ID] = &entry{Member: self, StateChange: now}
	l.order = append(l.order, self.ID)
	return l
}

// LocalID returns the id of the local member.
func (l *List) LocalID() string {
	return l.localID
}

// Self returns the local member.
func (l *List) Self() Member {
	return l.entries[l.localID].Member
}

// Apply merges a claim about a member into the list. The claim only takes
// effect when it supersedes the known one according to Compare.
func (l *List) Apply(m Member, now time.Time) (Transition, bool) {
	cur, exists := l.entries[m.ID]
	if !exists {
		l.entries[m.ID] = &entry{Member: m, StateChange: now}
		// Insert at a random offset so a new member does not always wait a
		// full round before it is probed.
		n := len(l.order)
		l.order = append(l.order, m.ID)
		if n > 0 {
			offset := rand.Intn(n + 1)
			l.order[offset], l.order[n] = l.order[n], l.order[offset]
		}
		return Transition{Member: m, From: m.Health, New: true}, true
	}

	if Compare(m, cur.Member) <= 0 {
		return Transition{}, false
	}

	from := cur.Health
	if from != m.Health || cur.Incarnation != m.Incarnation {
		cur.StateChange = now
	}
	cur.Member = m
	return Transition{Member: m, From: from}, true
}

// Get returns the member with the given id.
func (l *List) Get(id string) (Member, bool) {
	e, ok := l.entries[id]
	if !ok {
		return Member{}, false
	}
	return e.Member, true
}

// StateChange returns when the member last changed liveness state.
func (l *List) StateChange(id string) (time.Time, bool) {
	e, ok := l.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return e.StateChange, true
}

// Len returns the number of entries, tombstones included.
func (l *List) Len() int {
	return len(l.entries)
}

// NumActive returns the number of Alive or Suspect members, self included.
func (l *List) NumActive() int {
	n := 0
	for _, e := range l.entries {
		if e.IsActive() {
			n++
		}
	}
	return n
}

// Members returns a copy of every entry sorted by id.
func (l *List) Members() []Member {
	out := make([]Member, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e.Member)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// KRandom returns up to k Alive members chosen uniformly at random, skipping
// the excluded ids.
func (l *List) KRandom(k int, excludes ...string) []Member {
	if k <= 0 {
		return nil
	}
	candidates := make([]Member, 0, len(l.entries))
	for _, e := range l.entries {
		if e.Health != Alive || contains(excludes, e.ID) {
			continue
		}
		candidates = append(candidates, e.Member)
	}
	// Sort first so the shuffle is the only source of randomness.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

// NextProbeTarget walks the probe order round-robin and returns the next
// member worth probing. Self, Confirmed and Departed entries are skipped. The
// order is reshuffled each time the walk wraps around.
func (l *List) NextProbeTarget() (Member, bool) {
	for checked := 0; checked <= len(l.order); checked++ {
		if l.probeIndex >= len(l.order) {
			l.probeIndex = 0
			rand.Shuffle(len(l.order), func(i, j int) {
				l.order[i], l.order[j] = l.order[j], l.order[i]
			})
		}
		id := l.order[l.probeIndex]
		l.probeIndex++

		e, ok := l.entries[id]
		if !ok || id == l.localID || !e.IsActive() {
			continue
		}
		return e.Member, true
	}
	return Member{}, false
}

// ExpiredSuspects returns the Suspect members whose suspicion started more
// than timeout before now.
func (l *List) ExpiredSuspects(now time.Time, timeout time.Duration) []Member {
	var out []Member
	for _, e := range l.entries {
		if e.Health == Suspect && now.Sub(e.StateChange) >= timeout {
			out = append(out, e.Member)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Prune removes Confirmed and Departed entries that have not changed for
// longer than retention and returns their ids. A zero retention disables
// pruning.
func (l *List) Prune(now time.Time, retention time.Duration) []string {
	if retention <= 0 {
		return nil
	}
	var pruned []string
	for id, e := range l.entries {
		if id == l.localID || e.IsActive() {
			continue
		}
		if now.Sub(e.StateChange) >= retention {
			pruned = append(pruned, id)
			delete(l.entries, id)
		}
	}
	if len(pruned) == 0 {
		return nil
	}

	order := l.order[:0]
	for _, id := range l.order {
		if _, ok := l.entries[id]; ok {
			order = append(order, id)
		}
	}
	l.order = order
	if l.probeIndex > len(l.order) {
		l.probeIndex = len(l.order)
	}
	sort.Strings(pruned)
	return pruned
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
