package gossip

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"murmur/internal/election"
	"murmur/internal/member"
	"murmur/internal/rumor"
	"murmur/internal/transport"
)

func aliveView(s *Server) map[string]bool {
	out := make(map[string]bool)
	for _, m := range s.Snapshot().Members {
		if m.Health == member.Alive.String() {
			out[m.ID] = true
		}
	}
	return out
}

func TestServer_EndToEnd_ThreeMembers(t *testing.T) {
	n := transport.NewNetwork(transport.Async)
	cfg := testConfig()
	cfg.ProbeInterval = 50 * time.Millisecond
	cfg.ProbeTimeout = 20 * time.Millisecond

	m1 := newTestServer(t, n, cfg, "m1", nil)
	m2 := newTestServer(t, n, cfg, "m2", nil)
	m3 := newTestServer(t, n, cfg, "m3", nil)
	for _, s := range []*Server{m1, m2, m3} {
		require.NoError(t, s.Start())
	}

	// m1 learns of m2 through a seed rumor.
	inject(m1, membershipRumor("m2", m2.Self()))

	// Five ticks later m1 and m2 know each other, m3 is still unreachable
	// through rumors.
	time.Sleep(5 * cfg.ProbeInterval)
	_, known := m1.Member("m3")
	assert.False(t, known, "m3 must stay unknown to m1 until a rumor path exists")
	require.Eventually(t, func() bool {
		return aliveView(m2)["m1"]
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, m3.Snapshot().Members, 1)

	// m3 joins through m2.
	joined, err := m3.Join(context.Background(), []string{m2.Self().SwimAddr()})
	require.NoError(t, err)
	assert.Equal(t, 1, joined)

	want := map[string]bool{"m1": true, "m2": true, "m3": true}
	require.Eventually(t, func() bool {
		for _, s := range []*Server{m1, m2, m3} {
			if len(aliveView(s)) != 3 {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
	for _, s := range []*Server{m1, m2, m3} {
		assert.Equal(t, want, aliveView(s))
	}
}

func TestServer_TombstoneRejectsStaleAlive(t *testing.T) {
	n := transport.NewNetwork(transport.Sync)
	a := listening(t, newTestServer(t, n, testConfig(), "m1", nil))

	peer := member.Member{ID: "m2", Address: "10.0.0.2", SwimPort: 9638, GossipPort: 9639, Incarnation: 2, Health: member.Alive}
	deliverBatch(t, a, membershipRumor("m2", peer))

	confirmed := peer
	confirmed.Health = member.Confirmed
	deliverBatch(t, a, membershipRumor("m3", confirmed))
	require.Equal(t, member.Confirmed, healthOf(a, "m2"))

	stale := peer
	deliverBatch(t, a, membershipRumor("m2", stale))
	stale.Incarnation = 1
	deliverBatch(t, a, membershipRumor("m2", stale))
	assert.Equal(t, member.Confirmed, healthOf(a, "m2"))

	rejoin := peer
	rejoin.Incarnation = 3
	deliverBatch(t, a, membershipRumor("m2", rejoin))
	got, _ := a.Member("m2")
	assert.Equal(t, member.Alive, got.Health)
	assert.Equal(t, uint64(3), got.Incarnation)
}

func TestServer_DepartureIsPermanent(t *testing.T) {
	n := transport.NewNetwork(transport.Sync)
	a := listening(t, newTestServer(t, n, testConfig(), "m1", nil))
	b := listening(t, newTestServer(t, n, testConfig(), "m2", nil))
	introduce(a, b)

	a.Depart("m2")
	assert.Equal(t, member.Departed, healthOf(a, "m2"))

	for _, inc := range []uint64{1, 2, 99} {
		alive := b.Self()
		alive.Incarnation = inc
		deliverBatch(t, a, membershipRumor("m2", alive))
		assert.Equal(t, member.Departed, healthOf(a, "m2"))
	}

	// m2 learns of its departure from m1's view echoed in the ack to its
	// next ping and stops taking part.
	target, _ := b.Member("m1")
	b.Probe(context.Background(), target)
	assert.True(t, b.Departed())
	assert.Equal(t, member.Departed, b.Self().Health)
	assert.True(t, b.Snapshot().Departed)
}

func TestServer_StopAnnouncesDeparture(t *testing.T) {
	n := transport.NewNetwork(transport.Sync)
	a := listening(t, newTestServer(t, n, testConfig(), "m1", nil))
	b := listening(t, newTestServer(t, n, testConfig(), "m2", nil))
	introduce(a, b)

	require.NoError(t, a.Stop())
	require.NoError(t, a.Stop())
	assert.Equal(t, member.Departed, healthOf(b, "m1"))
}

func TestServer_RestartAfterGracefulStopRejoins(t *testing.T) {
	n := transport.NewNetwork(transport.Sync)
	a := listening(t, newTestServer(t, n, testConfig(), "m1", nil))
	b := listening(t, newTestServer(t, n, testConfig(), "m2", nil))
	introduce(a, b)

	require.NoError(t, b.Stop())
	require.Equal(t, member.Departed, healthOf(a, "m2"))

	// Same id, fresh process: it starts over at incarnation 1.
	restarted := listening(t, newTestServer(t, n, testConfig(), "m2", nil))
	joined, err := restarted.Join(context.Background(), []string{a.Self().SwimAddr()})
	require.NoError(t, err)
	assert.Equal(t, 1, joined)

	// m1 echoed the old departure; the new process refutes it instead of
	// adopting it.
	assert.False(t, restarted.Departed())
	assert.Equal(t, member.Alive, restarted.Self().Health)
	assert.Equal(t, uint64(2), restarted.Self().Incarnation)

	restarted.gossip()
	got, ok := a.Member("m2")
	require.True(t, ok)
	assert.Equal(t, member.Alive, got.Health)
	assert.Equal(t, uint64(2), got.Incarnation)
}

func TestServer_GracefulLeaveYieldsToHigherIncarnation(t *testing.T) {
	n := transport.NewNetwork(transport.Sync)
	a := listening(t, newTestServer(t, n, testConfig(), "m1", nil))
	m := member.Member{ID: "m2", Address: hostFor("m2"), SwimPort: 9638, GossipPort: 9639, Incarnation: 4}

	left := m
	left.Health = member.Departed
	deliverBatch(t, a, membershipRumor("m2", left))
	require.Equal(t, member.Departed, healthOf(a, "m2"))

	// Replays at the same incarnation do not resurrect it.
	deliverBatch(t, a, membershipRumor("m2", m))
	assert.Equal(t, member.Departed, healthOf(a, "m2"))

	back := m
	back.Incarnation = 50
	deliverBatch(t, a, membershipRumor("m2", back))
	assert.Equal(t, member.Alive, healthOf(a, "m2"))
}

func TestServer_JoinSkipsOwnAddress(t *testing.T) {
	n := transport.NewNetwork(transport.Sync)
	cfg := testConfig()
	cfg.ProbeTimeout = 2 * time.Second
	cfg.ProbeInterval = 5 * time.Second
	a := listening(t, newTestServer(t, n, cfg, "m1", nil))
	listening(t, newTestServer(t, n, cfg, "m2", nil))

	start := time.Now()
	joined, err := a.Join(context.Background(), []string{a.Self().SwimAddr(), hostFor("m2") + ":9638"})
	require.NoError(t, err)
	assert.Equal(t, 1, joined)
	assert.Less(t, time.Since(start), cfg.ProbeTimeout, "all pinged seeds answered, no need to wait")
}

func TestServer_JoinPullsState(t *testing.T) {
	n := transport.NewNetwork(transport.Sync)
	a := listening(t, newTestServer(t, n, testConfig(), "m1", nil))
	b := listening(t, newTestServer(t, n, testConfig(), "m2", nil))

	a.PublishService(ServiceInfo{Group: "redis.default", Pkg: "core/redis", Port: 6379})
	a.PublishServiceFile("redis.default", "redis.conf", []byte("maxmemory 1gb"))

	joined, err := b.Join(context.Background(), []string{a.Self().SwimAddr()})
	require.NoError(t, err)
	assert.Equal(t, 1, joined)

	assert.Equal(t, member.Alive, healthOf(a, "m2"))
	assert.Equal(t, member.Alive, healthOf(b, "m1"))

	snap := b.Snapshot()
	group, ok := snap.Services["redis.default"]
	require.True(t, ok)
	require.Len(t, group.Services, 1)
	assert.Equal(t, "m1", group.Services[0].MemberID)
	assert.Equal(t, "10.0.0.1", group.Services[0].Host)
	require.Len(t, group.Files, 1)
	assert.Equal(t, []byte("maxmemory 1gb"), group.Files[0].Body)
}

func TestServer_JoinGivesUp(t *testing.T) {
	n := transport.NewNetwork(transport.Sync)
	cfg := testConfig()
	cfg.JoinTimeout = 200 * time.Millisecond
	a := listening(t, newTestServer(t, n, cfg, "m1", nil))

	_, err := a.Join(context.Background(), []string{"10.0.0.99:9638"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoSeed))

	joined, err := a.Join(context.Background(), nil)
	assert.NoError(t, err)
	assert.Zero(t, joined)
}

func TestServer_PublishIncrementsIncarnation(t *testing.T) {
	n := transport.NewNetwork(transport.Sync)
	a := listening(t, newTestServer(t, n, testConfig(), "m1", nil))

	a.PublishService(ServiceInfo{Group: "web.default", Port: 80})
	a.PublishService(ServiceInfo{Group: "web.default", Port: 8080})
	a.PublishServiceFile("web.default", "nginx.conf", []byte("a"))
	a.PublishServiceFile("web.default", "nginx.conf", []byte("b"))

	group := a.Snapshot().Services["web.default"]
	require.Len(t, group.Services, 1)
	assert.Equal(t, uint64(2), group.Services[0].Incarnation)
	assert.Equal(t, 8080, group.Services[0].Port)
	require.Len(t, group.Files, 1)
	assert.Equal(t, uint64(2), group.Files[0].Incarnation)
	assert.Equal(t, []byte("b"), group.Files[0].Body)
}

func TestServer_ElectionConverges(t *testing.T) {
	n := transport.NewNetwork(transport.Sync)
	cfg := testConfig()
	scores := map[string]uint64{"m1": 5, "m2": 5, "m3": 3}
	var servers []*Server
	for _, id := range []string{"m1", "m2", "m3"} {
		s := listening(t, newTestServer(t, n, cfg, id, election.Fixed(scores[id])))
		servers = append(servers, s)
	}
	introduce(servers...)
	for _, s := range servers {
		s.PublishService(ServiceInfo{Group: "redis.default", Candidate: true})
	}

	for round := 0; round < 10; round++ {
		for _, s := range servers {
			s.gossip()
			s.evaluateElections()
		}
	}

	for _, s := range servers {
		view, ok := s.Snapshot().Elections["redis.default"]
		require.True(t, ok, "member %s has no election", s.LocalID())
		assert.Equal(t, "m1", view.Winner, "member %s", s.LocalID())
		assert.Equal(t, election.Finished.String(), view.Status)
		assert.Equal(t, uint64(5), view.Suitability)
	}
	leaders := 0
	for _, svc := range servers[2].Snapshot().Services["redis.default"].Services {
		if svc.Leader {
			leaders++
			assert.Equal(t, "m1", svc.MemberID)
		}
	}
	assert.Equal(t, 1, leaders)
}

func TestServer_ElectionFollowsSuitability(t *testing.T) {
	n := transport.NewNetwork(transport.Sync)
	score := uint64(1)
	a := listening(t, newTestServer(t, n, testConfig(), "m1", election.SuitabilityFunc(func(string) uint64 { return score })))
	b := listening(t, newTestServer(t, n, testConfig(), "m2", election.Fixed(5)))
	introduce(a, b)
	a.PublishService(ServiceInfo{Group: "db.default", Candidate: true})
	b.PublishService(ServiceInfo{Group: "db.default", Candidate: true})

	converge := func() {
		for i := 0; i < 5; i++ {
			a.evaluateElections()
			b.evaluateElections()
			a.gossip()
			b.gossip()
		}
	}
	converge()
	assert.Equal(t, "m2", a.Snapshot().Elections["db.default"].Winner)
	assert.Equal(t, "m2", b.Snapshot().Elections["db.default"].Winner)

	// m1 becomes more suitable and republishes its candidacy.
	score = 9
	converge()
	assert.Equal(t, "m1", a.Snapshot().Elections["db.default"].Winner)
	assert.Equal(t, "m1", b.Snapshot().Elections["db.default"].Winner)
}

func TestServer_PruneTombstones(t *testing.T) {
	n := transport.NewNetwork(transport.Sync)
	cfg := testConfig()
	clock := &fakeClock{t: epoch}
	a := withClock(listening(t, newTestServer(t, n, cfg, "m1", nil)), clock)

	peer := member.Member{ID: "m2", Address: "10.0.0.2", SwimPort: 9638, GossipPort: 9639, Incarnation: 1}
	inject(a, membershipRumor("m2", peer), &rumor.Service{From: "m2", Group: "redis.default", Incarnation: 1})
	a.Depart("m2")

	clock.Advance(cfg.TombstoneRetention / 2)
	a.prune()
	_, ok := a.Member("m2")
	require.True(t, ok)

	clock.Advance(cfg.TombstoneRetention)
	a.prune()
	_, ok = a.Member("m2")
	assert.False(t, ok)
	_, ok = a.store.Get(rumor.Key{Kind: rumor.KindMembership, ID: "m2"})
	assert.False(t, ok)
	_, ok = a.store.Get(rumor.Key{Kind: rumor.KindDeparture, ID: "m2"})
	assert.False(t, ok)
	assert.Empty(t, a.store.ByKind(rumor.KindService))
}

func TestServer_ReportHealth(t *testing.T) {
	n := transport.NewNetwork(transport.Sync)
	a := listening(t, newTestServer(t, n, testConfig(), "m1", nil))

	a.ReportHealth("redis.default", HealthWarning)
	a.ReportHealth("redis.default", HealthCritical)

	snap := a.Snapshot()
	group, ok := snap.Services["redis.default"]
	require.True(t, ok)
	assert.True(t, group.HasHealth)
	assert.Equal(t, HealthCritical, group.Health)
	assert.Equal(t, "CRITICAL", group.HealthString())
	assert.Equal(t, []string{"redis.default"}, snap.Groups())

	self, ok := snap.Member("m1")
	require.True(t, ok)
	assert.True(t, self.Self)
}

func TestServer_DropsMalformedDatagrams(t *testing.T) {
	n := transport.NewNetwork(transport.Sync)
	a := listening(t, newTestServer(t, n, testConfig(), "m1", nil))

	before := a.store.Len()
	a.handleGossip("10.0.0.9:9639", []byte("garbage"))
	a.handleSwim("10.0.0.9:9638", []byte{'M', 'R', 1})
	assert.Equal(t, before, a.store.Len())
}

func TestServer_IgnoresOutOfRangeHealth(t *testing.T) {
	n := transport.NewNetwork(transport.Sync)
	a := listening(t, newTestServer(t, n, testConfig(), "m1", nil))
	b := listening(t, newTestServer(t, n, testConfig(), "m2", nil))
	introduce(a, b)

	bogus := b.Self()
	bogus.Incarnation = 99
	bogus.Health = member.Health(7)
	m3 := member.Member{ID: "m3", Address: hostFor("m3"), SwimPort: 9638, GossipPort: 9639, Incarnation: 1}
	deliverBatch(t, a, membershipRumor("m9", bogus), membershipRumor("m3", m3))

	got, ok := a.Member("m2")
	require.True(t, ok)
	assert.Equal(t, member.Alive, got.Health)
	assert.Equal(t, uint64(1), got.Incarnation)
	assert.Equal(t, member.Alive, healthOf(a, "m3"), "the rest of the batch still applies")
	assert.Equal(t, OutcomeAlive, a.Probe(context.Background(), got))
}
