package gossip

import (
	"time"

	metrics "github.com/armon/go-metrics"
	log "github.com/sirupsen/logrus"

	"murmur/internal/member"
	"murmur/internal/rumor"
	"murmur/internal/wire"
)

// gossip pushes a weighted sample of hot rumors to GossipFanout random
// Alive peers.
func (s *Server) gossip() {
	defer metrics.MeasureSince([]string{"murmur", "gossip"}, time.Now())

	s.mu.Lock()
	if s.departed {
		s.mu.Unlock()
		return
	}
	peers := s.members.KRandom(s.cfg.GossipFanout, s.localID)
	if len(peers) == 0 {
		s.mu.Unlock()
		return
	}
	limit := rumor.RetransmitLimit(s.cfg.RetransmitMult, s.members.NumActive())
	batch := s.store.SelectForGossip(s.cfg.MaxRumorsPerTick, limit)
	keys := make([]rumor.Key, len(batch))
	for i, r := range batch {
		keys[i] = r.Key()
	}
	s.store.MarkSent(keys...)
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	for _, p := range peers {
		s.push(p, batch)
	}
}

// pushPull sends the full rumor store, cold rumors included, to one random
// Alive peer so members that missed a rumor's hot window catch up.
func (s *Server) pushPull() {
	s.mu.RLock()
	peers := s.members.KRandom(1, s.localID)
	all := s.store.All()
	s.mu.RUnlock()

	if len(peers) == 0 {
		return
	}
	s.log.WithFields(log.Fields{"peer": peers[0].ID, "rumors": len(all)}).Debug("full state push")
	s.push(peers[0], all)
}

// push sends rumors to a peer's gossip port, split into datagrams of at
// most MaxPacketSize.
func (s *Server) push(to member.Member, rumors []rumor.Rumor) {
	datagrams, err := wire.EncodeBatch(s.localID, rumors, s.cfg.MaxPacketSize)
	if err != nil {
		s.log.WithError(err).Error("encode rumor batch")
		return
	}
	for _, d := range datagrams {
		if err := s.tr.SendGossip(to.GossipAddr(), d); err != nil {
			s.log.WithError(err).WithField("peer", to.ID).Debug("gossip send failed")
		}
	}
	metrics.IncrCounter([]string{"murmur", "gossip", "sent"}, float32(len(rumors)))
}

func (s *Server) handleGossip(from string, payload []byte) {
	msg, err := wire.Decode(payload)
	if err != nil {
		metrics.IncrCounter([]string{"murmur", "gossip", "malformed"}, 1)
		s.log.WithError(err).WithField("from", from).Debug("dropping malformed gossip datagram")
		return
	}
	if msg.Type != wire.RumorBatch {
		s.log.WithFields(log.Fields{"from": from, "type": msg.Type}).Debug("unexpected gossip message")
		return
	}
	if msg.Dropped > 0 {
		metrics.IncrCounter([]string{"murmur", "gossip", "dropped_rumors"}, float32(msg.Dropped))
		s.log.WithFields(log.Fields{"sender": msg.Sender, "dropped": msg.Dropped}).Debug("skipped undecodable rumors")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.departed {
		return
	}
	applied := 0
	for _, r := range msg.Rumors {
		if s.applyLocked(r) {
			applied++
		}
	}
	if applied > 0 {
		s.log.WithFields(log.Fields{"sender": msg.Sender, "applied": applied, "received": len(msg.Rumors)}).Debug("applied rumors")
	}
}
