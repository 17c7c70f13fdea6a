package rumor

import (
	"math"
	"math/rand"
	"sort"
)

type storeEntry struct {
	rumor Rumor
	sends int
}

// Store keeps the newest rumor per key together with the number of times it
// has been pushed since it last changed. It is not safe for concurrent use.
type Store struct {
	entries map[Key]*storeEntry
	rng     *rand.Rand
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		entries: make(map[Key]*storeEntry),
		rng:     rand.New(rand.NewSource(rand.Int63())),
	}
}

// Insert merges r into the store. It returns true when r superseded the
// stored rumor (or filled an empty slot); the send counter of a changed entry
// is reset so it is gossiped again.
func (s *Store) Insert(r Rumor) bool {
	key := r.Key()
	cur, ok := s.entries[key]
	if ok && Compare(r, cur.rumor) <= 0 {
		return false
	}
	s.entries[key] = &storeEntry{rumor: r}
	return true
}

// Get returns the rumor stored under key.
func (s *Store) Get(key Key) (Rumor, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.rumor, true
}

// Remove deletes the rumor stored under key.
func (s *Store) Remove(key Key) {
	delete(s.entries, key)
}

// Len returns the number of stored rumors.
func (s *Store) Len() int {
	return len(s.entries)
}

// Sends returns how many times the rumor under key has been pushed.
func (s *Store) Sends(key Key) int {
	if e, ok := s.entries[key]; ok {
		return e.sends
	}
	return 0
}

// All returns every stored rumor ordered by key.
func (s *Store) All() []Rumor {
	out := make([]Rumor, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.rumor)
	}
	sortByKey(out)
	return out
}

// ByKind returns the stored rumors of one kind ordered by key.
func (s *Store) ByKind(kind Kind) []Rumor {
	var out []Rumor
	for k, e := range s.entries {
		if k.Kind == kind {
			out = append(out, e.rumor)
		}
	}
	sortByKey(out)
	return out
}

// SelectForGossip picks up to max hot rumors, i.e. rumors pushed fewer than
// limit times. Selection is weighted without replacement: the fewer times a
// rumor has been sent, the more likely it is picked.
func (s *Store) SelectForGossip(max, limit int) []Rumor {
	if max <= 0 || limit <= 0 {
		return nil
	}

	type candidate struct {
		rumor Rumor
		prio  float64
	}
	var hot []candidate
	for _, e := range s.entries {
		if e.sends >= limit {
			continue
		}
		w := float64(limit - e.sends)
		// Efraimidis-Spirakis: keep the max items by u^(1/w).
		u := s.rng.Float64()
		hot = append(hot, candidate{rumor: e.rumor, prio: math.Pow(u, 1/w)})
	}
	sort.Slice(hot, func(i, j int) bool { return hot[i].prio > hot[j].prio })
	if len(hot) > max {
		hot = hot[:max]
	}

	out := make([]Rumor, len(hot))
	for i, c := range hot {
		out[i] = c.rumor
	}
	return out
}

// MarkSent increments the send counter of each key still in the store.
func (s *Store) MarkSent(keys ...Key) {
	for _, k := range keys {
		if e, ok := s.entries[k]; ok {
			e.sends++
		}
	}
}

// RetransmitLimit returns how many times a rumor is pushed before it goes
// cold in a cluster of n members.
func RetransmitLimit(mult, n int) int {
	if mult < 1 {
		mult = 1
	}
	if n < 1 {
		n = 1
	}
	return mult * int(math.Ceil(math.Log2(float64(n+1))))
}

func sortByKey(rs []Rumor) {
	sort.Slice(rs, func(i, j int) bool {
		a, b := rs[i].Key(), rs[j].Key()
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.ID < b.ID
	})
}
