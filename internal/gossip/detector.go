package gossip

import (
	"context"
	"math"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	log "github.com/sirupsen/logrus"

	"murmur/internal/member"
	"murmur/internal/rumor"
	"murmur/internal/wire"
)

// Outcome is the result of probing a member.
type Outcome int

const (
	// OutcomeSkipped means the probe did not run or was cancelled.
	OutcomeSkipped Outcome = iota
	// OutcomeAlive means the target acked the direct ping.
	OutcomeAlive
	// OutcomeAliveIndirect means the target answered through a helper.
	OutcomeAliveIndirect
	// OutcomeSuspect means no ack arrived and the target is now suspected.
	OutcomeSuspect
)

// String returns the string representation of Outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeAlive:
		return "alive"
	case OutcomeAliveIndirect:
		return "alive_indirect"
	case OutcomeSuspect:
		return "suspect"
	default:
		return "skipped"
	}
}

// probeNext probes the next member in the round-robin probe order.
func (s *Server) probeNext(ctx context.Context) {
	s.mu.Lock()
	target, ok := s.members.NextProbeTarget()
	s.mu.Unlock()
	if !ok {
		return
	}
	outcome := s.Probe(ctx, target)
	s.log.WithFields(log.Fields{"peer": target.ID, "outcome": outcome}).Debug("probe finished")
}

// Probe runs one SWIM probe against target: a direct ping, then ping
// requests through IndirectChecks helpers, then suspicion. It blocks for at
// most ProbeInterval.
func (s *Server) Probe(ctx context.Context, target member.Member) Outcome {
	defer metrics.MeasureSince([]string{"murmur", "probe"}, time.Now())

	s.mu.RLock()
	self := s.members.Self()
	departed := s.departed
	s.mu.RUnlock()
	if departed || target.ID == self.ID {
		return OutcomeSkipped
	}
	if target.SwimAddr() == self.SwimAddr() {
		// Our own socket would answer for it.
		s.log.WithField("peer", target.ID).Debug("skipping member advertising our address")
		return OutcomeSkipped
	}

	// Direct and relayed acks share the sequence number.
	seq := s.nextSeq()
	acked := make(chan struct{})
	var once sync.Once
	s.expectAck(seq, s.cfg.ProbeInterval, func() { once.Do(func() { close(acked) }) })
	s.sendSwim(target.SwimAddr(), &wire.Message{Type: wire.Ping, Seq: seq, From: self, Target: target})

	direct := time.NewTimer(s.cfg.ProbeTimeout)
	defer direct.Stop()
	select {
	case <-acked:
		return OutcomeAlive
	case <-ctx.Done():
		return OutcomeSkipped
	case <-direct.C:
	}

	s.mu.RLock()
	helpers := s.members.KRandom(s.cfg.IndirectChecks, self.ID, target.ID)
	s.mu.RUnlock()
	req := &wire.Message{Type: wire.PingReq, Seq: seq, From: self, Target: target}
	for _, h := range helpers {
		s.sendSwim(h.SwimAddr(), req)
	}

	indirect := time.NewTimer(s.cfg.ProbeInterval - s.cfg.ProbeTimeout)
	defer indirect.Stop()
	select {
	case <-acked:
		return OutcomeAliveIndirect
	case <-ctx.Done():
		return OutcomeSkipped
	case <-indirect.C:
	}

	if s.suspect(target) {
		return OutcomeSuspect
	}
	return OutcomeSkipped
}

// suspect starts suspicion of target unless its incarnation moved on while
// the probe was running.
func (s *Server) suspect(target member.Member) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.members.Get(target.ID)
	if !ok || cur.Health != member.Alive || cur.Incarnation > target.Incarnation {
		return false
	}
	cur.Health = member.Suspect
	return s.applyLocked(&rumor.Membership{From: s.localID, Member: cur})
}

// suspicionTimeout scales the suspicion window with the number of active
// members n.
func (s *Server) suspicionTimeout(n int) time.Duration {
	scale := math.Max(1, math.Log10(float64(n+1)))
	return time.Duration(float64(s.cfg.SuspicionMult) * scale * float64(s.cfg.ProbeInterval))
}

// expireSuspects confirms every member whose suspicion window elapsed
// without a refutation.
func (s *Server) expireSuspects() {
	s.mu.Lock()
	defer s.mu.Unlock()

	timeout := s.suspicionTimeout(s.members.NumActive())
	for _, m := range s.members.ExpiredSuspects(s.now(), timeout) {
		m.Health = member.Confirmed
		s.applyLocked(&rumor.Membership{From: s.localID, Member: m})
	}
}

// learnLocked records the sender of a swim message, which always describes
// itself.
func (s *Server) learnLocked(m member.Member) (member.Transition, bool) {
	if m.ID == "" || m.ID == s.localID || m.Health != member.Alive {
		return member.Transition{}, false
	}
	_, known := s.members.Get(m.ID)
	if !s.applyLocked(&rumor.Membership{From: m.ID, Member: m}) {
		return member.Transition{}, false
	}
	return member.Transition{Member: m, New: !known}, true
}

func (s *Server) handleSwim(from string, payload []byte) {
	msg, err := wire.Decode(payload)
	if err != nil {
		metrics.IncrCounter([]string{"murmur", "swim", "malformed"}, 1)
		s.log.WithError(err).WithField("from", from).Debug("dropping malformed swim datagram")
		return
	}

	s.mu.Lock()
	if s.departed {
		s.mu.Unlock()
		return
	}
	tr, learned := s.learnLocked(msg.From)
	if msg.Target.ID == s.localID {
		// The sender's view of us; refute it if it doubts we are alive.
		s.applySelfLocked(&rumor.Membership{From: msg.From.ID, Member: msg.Target})
	}
	self := s.members.Self()
	view, _ := s.members.Get(msg.From.ID)
	var state []rumor.Rumor
	if learned && tr.New && msg.Type == wire.Ping {
		state = s.store.All()
	}
	if r, ok := s.store.Get(rumor.Key{Kind: rumor.KindDeparture, ID: msg.From.ID}); ok && msg.Type == wire.Ping {
		// A removed member keeps probing until it hears of its removal.
		state = append(state, r)
	}
	s.mu.Unlock()

	switch msg.Type {
	case wire.Ping:
		// Echo our view of the prober so a member we gave up on can refute.
		s.sendSwim(from, &wire.Message{Type: wire.Ack, Seq: msg.Seq, From: self, Target: view})
		if state != nil {
			// Bring a joining member up to date.
			s.push(msg.From, state)
		}
	case wire.Ack, wire.PingReqAck:
		s.invokeAck(msg.Seq)
	case wire.PingReq:
		s.relay(from, msg, self)
	default:
		s.log.WithFields(log.Fields{"from": from, "type": msg.Type}).Debug("unexpected swim message")
	}
}

// relay pings msg.Target on behalf of the requester and forwards the ack.
func (s *Server) relay(requester string, msg *wire.Message, self member.Member) {
	if msg.Target.ID == "" {
		return
	}
	seq := s.nextSeq()
	reply := &wire.Message{Type: wire.PingReqAck, Seq: msg.Seq, From: self, Target: msg.Target}
	s.expectAck(seq, s.cfg.ProbeInterval, func() { s.sendSwim(requester, reply) })
	s.sendSwim(msg.Target.SwimAddr(), &wire.Message{Type: wire.Ping, Seq: seq, From: self, Target: msg.Target})
}

func (s *Server) sendSwim(addr string, msg *wire.Message) {
	b, err := wire.Encode(msg)
	if err != nil {
		s.log.WithError(err).Error("encode swim message")
		return
	}
	if err := s.tr.SendSwim(addr, b); err != nil {
		s.log.WithError(err).WithFields(log.Fields{"to": addr, "type": msg.Type}).Debug("swim send failed")
	}
}
