package rumor

import (
	"math/rand"
	"testing"

	"murmur/internal/member"
)

func propertyRumors() []Rumor {
	m := func(from, id string, inc uint64, h member.Health) Rumor {
		return &Membership{From: from, Member: member.Member{ID: id, Address: "10.0.0.1", SwimPort: 9638, GossipPort: 9639, Incarnation: inc, Health: h}}
	}
	return []Rumor{
		m("n1", "n1", 1, member.Alive),
		m("n1", "n1", 2, member.Alive),
		m("n2", "n1", 2, member.Suspect),
		m("n3", "n1", 2, member.Confirmed),
		m("n2", "n2", 1, member.Alive),
		m("n2", "n2", 1, member.Departed),
		m("n3", "n2", 5, member.Alive),
		&Service{From: "n1", Group: "redis.default", Incarnation: 1, Port: 6379},
		&Service{From: "n1", Group: "redis.default", Incarnation: 2, Port: 6380},
		&Service{From: "n2", Group: "redis.default", Incarnation: 1, Suitability: 5, Candidate: true},
		&ServiceFile{From: "n1", Group: "redis.default", Filename: "redis.conf", Incarnation: 1, Body: []byte("a")},
		&ServiceFile{From: "n2", Group: "redis.default", Filename: "redis.conf", Incarnation: 1, Body: []byte("b")},
		&Election{From: "n1", Group: "redis.default", Term: 1, Status: ElectionFinished, Winner: "n1", Suitability: 5},
		&Election{From: "n2", Group: "redis.default", Term: 1, Status: ElectionRunning, Winner: "n2", Suitability: 7},
		&Election{From: "n3", Group: "redis.default", Term: 2, Status: ElectionFinished, Winner: "n2", Suitability: 7},
		&Departure{From: "op", MemberID: "n3"},
		&Departure{From: "n3", MemberID: "n3"},
	}
}

func storeState(s *Store) map[Key]Rumor {
	out := make(map[Key]Rumor)
	for _, r := range s.All() {
		out[r.Key()] = r
	}
	return out
}

func sameState(a, b map[Key]Rumor) bool {
	if len(a) != len(b) {
		return false
	}
	for k, ra := range a {
		rb, ok := b[k]
		if !ok || Compare(ra, rb) != 0 {
			return false
		}
	}
	return true
}

// TestStore_Property_OrderIndependence tests that any permutation of the same
// rumors yields the same store
func TestStore_Property_OrderIndependence(t *testing.T) {
	rumors := propertyRumors()

	reference := NewStore()
	for _, r := range rumors {
		reference.Insert(r)
	}
	want := storeState(reference)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		perm := rng.Perm(len(rumors))
		s := NewStore()
		for _, idx := range perm {
			s.Insert(rumors[idx])
		}
		if !sameState(want, storeState(s)) {
			t.Fatalf("permutation %v produced a different store", perm)
		}
	}
}

// TestStore_Property_Idempotent tests that inserting duplicates never changes
// the store
func TestStore_Property_Idempotent(t *testing.T) {
	s := NewStore()
	for _, r := range propertyRumors() {
		s.Insert(r)
	}
	before := storeState(s)

	for _, r := range propertyRumors() {
		if s.Insert(r) && Compare(r, before[r.Key()]) != 0 {
			t.Errorf("reinserting %s changed the store", r.Key())
		}
	}
	if !sameState(before, storeState(s)) {
		t.Error("store changed after replaying every rumor")
	}
}

// TestStore_Property_MergeOfSplitsEqualsWhole tests that merging two stores
// fed with disjoint halves equals a store fed with everything
func TestStore_Property_MergeOfSplitsEqualsWhole(t *testing.T) {
	rumors := propertyRumors()
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 50; i++ {
		left, right, whole := NewStore(), NewStore(), NewStore()
		for _, r := range rumors {
			whole.Insert(r)
			if rng.Intn(2) == 0 {
				left.Insert(r)
			} else {
				right.Insert(r)
			}
		}
		for _, r := range right.All() {
			left.Insert(r)
		}
		if !sameState(storeState(whole), storeState(left)) {
			t.Fatalf("merge of split %d differs from whole", i)
		}
	}
}

// TestCompare_Property_Antisymmetric tests that Compare(a,b) and Compare(b,a)
// have opposite signs for rumors sharing a key
func TestCompare_Property_Antisymmetric(t *testing.T) {
	rumors := propertyRumors()
	for _, a := range rumors {
		for _, b := range rumors {
			if a.Key() != b.Key() {
				continue
			}
			ab, ba := Compare(a, b), Compare(b, a)
			if (ab > 0) != (ba < 0) || (ab == 0) != (ba == 0) {
				t.Errorf("Compare not antisymmetric for %s: %d vs %d", a.Key(), ab, ba)
			}
		}
	}
}
