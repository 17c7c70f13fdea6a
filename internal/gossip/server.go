package gossip

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"murmur/internal/config"
	"murmur/internal/election"
	"murmur/internal/member"
	"murmur/internal/rumor"
	"murmur/internal/transport"
	"murmur/internal/wire"
)

// ErrNoSeed is returned by Join when no seed answered.
var ErrNoSeed = errors.New("no seed answered")

// ServiceInfo describes a service the local member runs.
type ServiceInfo struct {
	Group string
	Pkg   string
	// Host defaults to the member's address.
	Host string
	Port int
	Cfg  []byte
	// Candidate enters the local member in the group's election.
	Candidate bool
}

// Server is one member of the cluster.
type Server struct {
	cfg     config.Config
	tr      transport.Transport
	localID string
	log     *log.Entry
	now     func() time.Time

	mu        sync.RWMutex
	members   *member.List
	store     *rumor.Store
	elections *election.Engine
	health    map[string]HealthResult
	departed  bool
	stopped   bool
	ticks     uint64

	seq   atomic.Uint64
	ackMu sync.Mutex
	acks  map[uint64]*ackHandler

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

// NewServer creates a server for the local member self. The server owns tr
// from Start on and closes it in Stop.
func NewServer(cfg config.Config, self member.Member, tr transport.Transport, suit election.Suitability) *Server {
	if self.Incarnation == 0 {
		self.Incarnation = 1
	}
	self.Health = member.Alive
	now := time.Now

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:       cfg,
		tr:        tr,
		localID:   self.ID,
		log:       log.WithFields(log.Fields{"package": "gossip", "member": self.ID}),
		now:       now,
		members:   member.NewList(self, now()),
		store:     rumor.NewStore(),
		elections: election.NewEngine(self.ID, suit),
		health:    make(map[string]HealthResult),
		acks:      make(map[uint64]*ackHandler),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.store.Insert(&rumor.Membership{From: self.ID, Member: self})
	return s
}

// LocalID returns the id of the local member.
func (s *Server) LocalID() string {
	return s.localID
}

// Self returns the local member as currently advertised.
func (s *Server) Self() member.Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.members.Self()
}

// Member returns the local view of member id.
func (s *Server) Member(id string) (member.Member, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.members.Get(id)
}

// Departed reports whether the local member has left the cluster.
func (s *Server) Departed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.departed
}

// Start begins receiving datagrams and runs the protocol ticker until Stop.
func (s *Server) Start() error {
	if err := s.listen(); err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.ProbeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
	s.log.WithFields(log.Fields{
		"probe_interval": s.cfg.ProbeInterval,
		"fanout":         s.cfg.GossipFanout,
	}).Info("membership started")
	return nil
}

func (s *Server) listen() error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("server already started")
	}
	return errors.Wrap(s.tr.Start(s.handleSwim, s.handleGossip), "start transport")
}

// Stop announces the local member's departure with one best-effort push,
// stops the loops and closes the transport. No acknowledgement is awaited.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	if !s.departed {
		s.leaveLocked(s.localID)
	}
	peers := s.members.KRandom(s.cfg.GossipFanout, s.localID)
	all := s.store.All()
	s.mu.Unlock()

	for _, p := range peers {
		s.push(p, all)
	}

	s.cancel()
	s.wg.Wait()
	s.ackMu.Lock()
	for seq, h := range s.acks {
		h.timer.Stop()
		delete(s.acks, seq)
	}
	s.ackMu.Unlock()
	s.log.Info("membership stopped")
	return errors.Wrap(s.tr.Close(), "close transport")
}

// tick runs one protocol period.
func (s *Server) tick() {
	s.mu.Lock()
	s.ticks++
	ticks := s.ticks
	departed := s.departed
	s.mu.Unlock()
	if departed {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.probeNext(s.ctx)
	}()

	s.expireSuspects()
	s.gossip()
	if s.cfg.PushPullTicks > 0 && ticks%uint64(s.cfg.PushPullTicks) == 0 {
		s.pushPull()
	}
	s.evaluateElections()
	s.prune()
}

// Join pings the seeds until at least one answers, retrying with
// exponential backoff until JoinTimeout or ctx expires. It returns the number
// of seeds that answered the last attempt.
func (s *Server) Join(ctx context.Context, seeds []string) (int, error) {
	if len(seeds) == 0 {
		return 0, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ProbeInterval
	b.MaxInterval = 10 * s.cfg.ProbeInterval
	b.MaxElapsedTime = s.cfg.JoinTimeout

	var joined int
	err := backoff.Retry(func() error {
		joined = s.joinOnce(ctx, seeds)
		if joined == 0 {
			s.log.WithField("seeds", seeds).Debug("no seed answered, retrying")
			return ErrNoSeed
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return 0, errors.Wrap(err, "join")
	}
	s.log.WithField("answered", joined).Info("joined cluster")
	return joined, nil
}

func (s *Server) joinOnce(ctx context.Context, seeds []string) int {
	s.mu.RLock()
	self := s.members.Self()
	s.mu.RUnlock()

	acked := make(chan struct{}, len(seeds))
	pinged := 0
	for _, seed := range seeds {
		if seed == self.SwimAddr() {
			continue
		}
		pinged++
		seq := s.nextSeq()
		s.expectAck(seq, s.cfg.ProbeTimeout, func() { acked <- struct{}{} })
		s.sendSwim(seed, &wire.Message{Type: wire.Ping, Seq: seq, From: self})
	}

	if pinged == 0 {
		return 0
	}

	timer := time.NewTimer(s.cfg.ProbeTimeout)
	defer timer.Stop()
	n := 0
	for {
		select {
		case <-acked:
			n++
			if n == pinged {
				return n
			}
		case <-timer.C:
			return n
		case <-ctx.Done():
			return n
		}
	}
}

// ReportHealth records the latest health check result of a service group
// run by the local member.
func (s *Server) ReportHealth(group string, result HealthResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.health[group]
	s.health[group] = result
	if !ok || prev != result {
		s.log.WithFields(log.Fields{"group": group, "health": result}).Info("health changed")
	}
}

// DeclareCandidate registers memberID as a candidate for group's election.
func (s *Server) DeclareCandidate(group, memberID string, score uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elections.DeclareCandidate(group, memberID, score)
}

// PublishService announces a service run by the local member. Every call
// supersedes the previous announcement for the same group.
func (s *Server) PublishService(info ServiceInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishServiceLocked(info, s.elections.LocalScore(info.Group))
	if info.Candidate {
		s.elections.ServeGroup(info.Group)
	}
}

func (s *Server) publishServiceLocked(info ServiceInfo, score uint64) {
	var inc uint64 = 1
	key := rumor.Key{Kind: rumor.KindService, ID: info.Group + "/" + s.localID}
	if cur, ok := s.store.Get(key); ok {
		inc = cur.(*rumor.Service).Incarnation + 1
	}
	host := info.Host
	if host == "" {
		host = s.members.Self().Address
	}
	r := &rumor.Service{
		From:        s.localID,
		Group:       info.Group,
		Incarnation: inc,
		Pkg:         info.Pkg,
		Host:        host,
		Port:        info.Port,
		Cfg:         info.Cfg,
		Candidate:   info.Candidate,
	}
	if info.Candidate {
		r.Suitability = score
	}
	s.applyLocked(r)
}

// PublishServiceFile gossips a file to every member of group.
func (s *Server) PublishServiceFile(group, filename string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var inc uint64 = 1
	key := rumor.Key{Kind: rumor.KindServiceFile, ID: group + "/" + filename}
	if cur, ok := s.store.Get(key); ok {
		inc = cur.(*rumor.ServiceFile).Incarnation + 1
	}
	s.applyLocked(&rumor.ServiceFile{
		From:        s.localID,
		Group:       group,
		Filename:    filename,
		Incarnation: inc,
		Body:        body,
	})
}

// Depart permanently removes memberID from the cluster.
func (s *Server) Depart(memberID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(&rumor.Departure{From: s.localID, MemberID: memberID})
}

// applyLocked merges r into the protocol state and reports whether anything
// changed. The caller holds s.mu.
func (s *Server) applyLocked(r rumor.Rumor) bool {
	now := s.now()
	switch x := r.(type) {
	case *rumor.Membership:
		if x.Member.ID == s.localID {
			return s.applySelfLocked(x)
		}
		if x.Member.Health != member.Departed && s.removed(x.Member.ID) {
			return false
		}
		if !s.store.Insert(x) {
			return false
		}
		tr, ok := s.members.Apply(x.Member, now)
		if ok && tr.Changed() {
			s.logTransition(tr, x.From)
		}
	case *rumor.Departure:
		if !s.store.Insert(x) {
			return false
		}
		if x.MemberID == s.localID {
			if !s.departed {
				s.leaveLocked(x.From)
			}
			break
		}
		claim, ok := s.members.Get(x.MemberID)
		if !ok {
			claim = member.Member{ID: x.MemberID}
		}
		claim.Health = member.Departed
		s.applyLocked(&rumor.Membership{From: x.From, Member: claim})
	case *rumor.Election:
		if !s.store.Insert(x) {
			return false
		}
		s.elections.Observe(x)
	case *rumor.Service:
		if !s.store.Insert(x) {
			return false
		}
		if x.Candidate && x.From != s.localID {
			s.elections.DeclareCandidate(x.Group, x.From, x.Suitability)
		}
	default:
		if !s.store.Insert(r) {
			return false
		}
	}
	metrics.IncrCounter([]string{"murmur", "rumors", "applied"}, 1)
	return true
}

// applySelfLocked handles a claim about the local member. Claims that the
// member is not Alive are refuted with a higher incarnation. That includes a
// Departed claim left over from an earlier run under the same id: only a
// Departure rumor removes the local member.
func (s *Server) applySelfLocked(claim *rumor.Membership) bool {
	if s.departed {
		return false
	}
	self := s.members.Self()
	if claim.Member.Incarnation < self.Incarnation {
		return false
	}
	if claim.Member.Incarnation == self.Incarnation && claim.Member.Health == member.Alive {
		return false
	}

	self.Incarnation = claim.Member.Incarnation + 1
	s.members.Apply(self, s.now())
	s.store.Insert(&rumor.Membership{From: s.localID, Member: self})
	metrics.IncrCounter([]string{"murmur", "refute"}, 1)
	s.log.WithFields(log.Fields{
		"claim":       claim.Member.Health,
		"by":          claim.From,
		"incarnation": self.Incarnation,
	}).Warn("refuting claim about self")
	return true
}

// leaveLocked marks the local member Departed at its current incarnation and
// stops it from probing or gossiping.
func (s *Server) leaveLocked(by string) {
	self := s.members.Self()
	self.Health = member.Departed
	s.departed = true
	s.members.Apply(self, s.now())
	s.store.Insert(&rumor.Membership{From: s.localID, Member: self})
	s.log.WithField("by", by).Warn("member departed, no longer probing or gossiping")
}

// removed reports whether an operator Departure exists for id.
func (s *Server) removed(id string) bool {
	_, ok := s.store.Get(rumor.Key{Kind: rumor.KindDeparture, ID: id})
	return ok
}

func (s *Server) logTransition(tr member.Transition, by string) {
	metrics.IncrCounter([]string{"murmur", "member", tr.Member.Health.String()}, 1)
	fields := log.Fields{
		"peer":        tr.Member.ID,
		"incarnation": tr.Member.Incarnation,
		"by":          by,
	}
	if tr.New {
		s.log.WithFields(fields).Infof("discovered member (%s)", tr.Member.Health)
		return
	}
	s.log.WithFields(fields).Infof("member %s -> %s", tr.From, tr.Member.Health)
}

func (s *Server) liveness(id string) (member.Health, bool) {
	m, ok := s.members.Get(id)
	return m.Health, ok
}

// evaluateElections recomputes every group's winner and republishes local
// candidacies whose suitability changed.
func (s *Server) evaluateElections() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.store.ByKind(rumor.KindService) {
		svc := r.(*rumor.Service)
		if svc.From != s.localID || !svc.Candidate {
			continue
		}
		if score := s.elections.LocalScore(svc.Group); score != svc.Suitability {
			s.publishServiceLocked(ServiceInfo{
				Group:     svc.Group,
				Pkg:       svc.Pkg,
				Host:      svc.Host,
				Port:      svc.Port,
				Cfg:       svc.Cfg,
				Candidate: true,
			}, score)
		}
	}

	for _, r := range s.elections.Evaluate(s.liveness) {
		s.store.Insert(r)
		s.log.WithFields(log.Fields{
			"group":  r.Group,
			"term":   r.Term,
			"winner": r.Winner,
		}).Info("election finished")
		metrics.IncrCounter([]string{"murmur", "election", "announced"}, 1)
	}
}

// prune evicts tombstones older than TombstoneRetention together with the
// rumors describing them.
func (s *Server) prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := s.members.Prune(s.now(), s.cfg.TombstoneRetention)
	if len(pruned) == 0 {
		return
	}
	gone := make(map[string]bool, len(pruned))
	for _, id := range pruned {
		gone[id] = true
		s.store.Remove(rumor.Key{Kind: rumor.KindMembership, ID: id})
		s.store.Remove(rumor.Key{Kind: rumor.KindDeparture, ID: id})
	}
	for _, r := range s.store.ByKind(rumor.KindService) {
		if gone[r.Origin()] {
			s.store.Remove(r.Key())
		}
	}
	s.log.WithField("members", pruned).Info("pruned tombstones")
}

func (s *Server) nextSeq() uint64 {
	return s.seq.Add(1)
}

// ackHandler runs fn when the Ack for a sequence number arrives. Handlers
// are reaped by timer when no Ack arrives.
type ackHandler struct {
	fn    func()
	timer *time.Timer
}

func (s *Server) expectAck(seq uint64, ttl time.Duration, fn func()) {
	h := &ackHandler{fn: fn}
	s.ackMu.Lock()
	s.acks[seq] = h
	h.timer = time.AfterFunc(ttl, func() {
		s.ackMu.Lock()
		if s.acks[seq] == h {
			delete(s.acks, seq)
		}
		s.ackMu.Unlock()
	})
	s.ackMu.Unlock()
}

func (s *Server) invokeAck(seq uint64) bool {
	s.ackMu.Lock()
	h, ok := s.acks[seq]
	if ok {
		delete(s.acks, seq)
		h.timer.Stop()
	}
	s.ackMu.Unlock()
	if ok {
		h.fn()
	}
	return ok
}
