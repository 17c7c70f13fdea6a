package election

import (
	"sort"

	"murmur/internal/member"
	"murmur/internal/rumor"
)

// Status is the state of a group's election, shared with the Election rumor.
type Status = rumor.ElectionStatus

// Election states.
const (
	// NoQuorum means no candidate of the group is alive.
	NoQuorum = rumor.ElectionNoQuorum
	// Running means a suspect candidate may still win, or a winner was heard
	// but not yet confirmed locally.
	Running = rumor.ElectionRunning
	// Finished means a winner was chosen for the current term.
	Finished = rumor.ElectionFinished
)

// Record is the election state of one service group.
type Record struct {
	Group       string
	Term        uint64
	Status      Status
	Candidates  map[string]uint64
	Winner      string
	Suitability uint64
}

// Liveness reports the known health of a member.
type Liveness func(id string) (member.Health, bool)

type record struct {
	Record
	// latest is the newest Election rumor seen or emitted for the group.
	latest *rumor.Election
}

// Engine holds the election records of every known service group. It is not
// safe for concurrent use.
type Engine struct {
	self    string
	suit    Suitability
	served  map[string]bool
	records map[string]*record
}

// NewEngine creates an engine for the local member self. suit scores the
// local member for the groups it serves.
func NewEngine(self string, suit Suitability) *Engine {
	if suit == nil {
		suit = Fixed(0)
	}
	return &Engine{
		self:    self,
		suit:    suit,
		served:  make(map[string]bool),
		records: make(map[string]*record),
	}
}

func (e *Engine) record(group string) *record {
	rec, ok := e.records[group]
	if !ok {
		rec = &record{Record: Record{
			Group:      group,
			Status:     NoQuorum,
			Candidates: make(map[string]uint64),
		}}
		e.records[group] = rec
	}
	return rec
}

// ServeGroup makes the local member a candidate for group. Its score is
// refreshed from Suitability on every evaluation.
func (e *Engine) ServeGroup(group string) {
	e.served[group] = true
	e.record(group).Candidates[e.self] = e.suit.Get(group)
}

// LocalScore returns the local member's current score for group.
func (e *Engine) LocalScore(group string) uint64 {
	return e.suit.Get(group)
}

// DeclareCandidate records that id is a candidate for group with the given
// score. It reports whether the candidacy changed.
func (e *Engine) DeclareCandidate(group, id string, score uint64) bool {
	rec := e.record(group)
	if cur, ok := rec.Candidates[id]; ok && cur == score {
		return false
	}
	rec.Candidates[id] = score
	return true
}

// Observe merges an Election rumor from a peer. A rumor newer than the latest
// known one is adopted and the record is re-checked by the next Evaluate.
func (e *Engine) Observe(r *rumor.Election) bool {
	rec := e.record(r.Group)
	if rec.latest != nil && rumor.Compare(r, rec.latest) <= 0 {
		return false
	}
	rec.latest = r
	rec.Term = r.Term
	if r.Winner != "" {
		rec.Winner = r.Winner
		rec.Suitability = r.Suitability
		if _, ok := rec.Candidates[r.Winner]; !ok {
			rec.Candidates[r.Winner] = r.Suitability
		}
		rec.Status = Running
	}
	return true
}

// Evaluate recomputes every record against the current liveness view and
// returns the Election rumors to announce, one per group whose winner changed.
func (e *Engine) Evaluate(live Liveness) []*rumor.Election {
	var out []*rumor.Election
	for _, group := range e.groups() {
		rec := e.records[group]
		if e.served[group] {
			rec.Candidates[e.self] = e.suit.Get(group)
		}
		if r := e.evaluate(rec, live); r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (e *Engine) evaluate(rec *record, live Liveness) *rumor.Election {
	alive, aliveScore, okAlive := best(rec.Candidates, live, member.Alive)
	suspect, suspectScore, okSuspect := best(rec.Candidates, live, member.Suspect)

	if !okAlive {
		rec.Status = NoQuorum
		rec.Winner = ""
		rec.Suitability = 0
		return nil
	}
	if okSuspect && outranks(suspect, suspectScore, alive, aliveScore) {
		// Wait for the failure detector to settle the suspect.
		rec.Status = Running
		return nil
	}
	if alive == rec.Winner {
		rec.Status = Finished
		rec.Suitability = aliveScore
		return nil
	}

	rec.Term++
	rec.Status = Finished
	rec.Winner = alive
	rec.Suitability = aliveScore
	r := &rumor.Election{
		From:        e.self,
		Group:       rec.Group,
		Term:        rec.Term,
		Status:      Finished,
		Winner:      alive,
		Suitability: aliveScore,
	}
	rec.latest = r
	return r
}

// best returns the highest ranked candidate in the given health.
func best(candidates map[string]uint64, live Liveness, health member.Health) (string, uint64, bool) {
	var (
		id    string
		score uint64
		found bool
	)
	for cid, s := range candidates {
		h, ok := live(cid)
		if !ok || h != health {
			continue
		}
		if !found || outranks(cid, s, id, score) {
			id, score, found = cid, s, true
		}
	}
	return id, score, found
}

func outranks(aID string, aScore uint64, bID string, bScore uint64) bool {
	if aScore != bScore {
		return aScore > bScore
	}
	return aID < bID
}

// Record returns a copy of the record for group.
func (e *Engine) Record(group string) (Record, bool) {
	rec, ok := e.records[group]
	if !ok {
		return Record{}, false
	}
	return rec.copy(), true
}

// Records returns a copy of every record ordered by group.
func (e *Engine) Records() []Record {
	out := make([]Record, 0, len(e.records))
	for _, g := range e.groups() {
		out = append(out, e.records[g].copy())
	}
	return out
}

func (e *Engine) groups() []string {
	groups := make([]string, 0, len(e.records))
	for g := range e.records {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}

func (r *record) copy() Record {
	out := r.Record
	out.Candidates = make(map[string]uint64, len(r.Candidates))
	for id, s := range r.Candidates {
		out.Candidates[id] = s
	}
	return out
}
