package gossip

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"murmur/internal/config"
	"murmur/internal/election"
	"murmur/internal/member"
	"murmur/internal/rumor"
	"murmur/internal/transport"
	"murmur/internal/wire"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.ProbeInterval = 100 * time.Millisecond
	cfg.ProbeTimeout = 30 * time.Millisecond
	cfg.IndirectChecks = 2
	cfg.SuspicionMult = 2
	cfg.GossipFanout = 3
	cfg.RetransmitMult = 4
	cfg.PushPullTicks = 5
	cfg.TombstoneRetention = time.Hour
	cfg.JoinTimeout = 500 * time.Millisecond
	return cfg
}

func hostFor(id string) string {
	return "10.0.0." + id[1:]
}

// newTestServer attaches a server with the given id ("m1", "m2", ...) to the
// network. It receives datagrams but does not tick.
func newTestServer(t *testing.T, n *transport.Network, cfg config.Config, id string, suit election.Suitability) *Server {
	t.Helper()
	host := hostFor(id)
	ep, err := n.Endpoint(host, 9638, 9639)
	require.NoError(t, err)
	s := NewServer(cfg, member.Member{ID: id, Address: host, SwimPort: 9638, GossipPort: 9639}, ep, suit)
	t.Cleanup(func() { s.Stop() })
	return s
}

func listening(t *testing.T, s *Server) *Server {
	t.Helper()
	require.NoError(t, s.listen())
	return s
}

func withClock(s *Server, c *fakeClock) *Server {
	s.now = c.Now
	return s
}

func inject(s *Server, rumors ...rumor.Rumor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rumors {
		s.applyLocked(r)
	}
}

// introduce makes every server know every other one as Alive.
func introduce(servers ...*Server) {
	for _, a := range servers {
		for _, b := range servers {
			if a != b {
				self := b.Self()
				inject(a, &rumor.Membership{From: self.ID, Member: self})
			}
		}
	}
}

func healthOf(s *Server, id string) member.Health {
	m, ok := s.Member(id)
	if !ok {
		return -1
	}
	return m.Health
}

func deliverBatch(t *testing.T, s *Server, rumors ...rumor.Rumor) {
	t.Helper()
	b, err := wire.Encode(&wire.Message{Type: wire.RumorBatch, Sender: "test", Rumors: rumors})
	require.NoError(t, err)
	s.handleGossip("10.0.0.250:9639", b)
}

func membershipRumor(from string, m member.Member) *rumor.Membership {
	return &rumor.Membership{From: from, Member: m}
}
