package transport

import (
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// ChaosConfig enables deliberate unreliability on a Network.
type ChaosConfig struct {
	Enabled bool

	// DropProb is the probability of dropping any datagram.
	DropProb float64

	// DelayProb is the probability of delaying a datagram by a duration
	// drawn uniformly from [DelayMin, DelayMax).
	DelayProb float64
	DelayMin  time.Duration
	DelayMax  time.Duration
}

// Stats counts what happened to datagrams sent on a Network.
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Delayed   uint64 `json:"delayed"`
}

// DeliveryMode selects how a Network hands datagrams to receivers.
type DeliveryMode int

const (
	// Sync calls the receiver's handler on the sender's goroutine before the
	// send returns. Delayed datagrams are still delivered asynchronously.
	Sync DeliveryMode = iota
	// Async queues datagrams on the receiver and delivers them from a
	// receive loop per port, like a socket.
	Async
)

const inboxSize = 1024

// Network is an in-memory datagram network. Addresses are "host:port".
type Network struct {
	mode DeliveryMode

	mu        sync.Mutex
	endpoints map[string]*endpointPort
	blocked   map[[2]string]bool
	chaos     ChaosConfig
	rng       *rand.Rand

	delivered atomic.Uint64
	dropped   atomic.Uint64
	delayed   atomic.Uint64
}

// NewNetwork creates an empty network.
func NewNetwork(mode DeliveryMode) *Network {
	return &Network{
		mode:      mode,
		endpoints: make(map[string]*endpointPort),
		blocked:   make(map[[2]string]bool),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// EnableChaos replaces the chaos configuration.
func (n *Network) EnableChaos(cfg ChaosConfig) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.chaos = cfg
}

// Block drops every datagram between hosts a and b in both directions.
func (n *Network) Block(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked[hostPair(a, b)] = true
}

// Unblock heals a link broken by Block.
func (n *Network) Unblock(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.blocked, hostPair(a, b))
}

// Isolate blocks host from every other host currently on the network.
func (n *Network) Isolate(host string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.endpoints {
		if p.ep.host != host {
			n.blocked[hostPair(host, p.ep.host)] = true
		}
	}
}

// Heal removes every block.
func (n *Network) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked = make(map[[2]string]bool)
}

// GetStats returns delivery counters.
func (n *Network) GetStats() Stats {
	return Stats{
		Delivered: n.delivered.Load(),
		Dropped:   n.dropped.Load(),
		Delayed:   n.delayed.Load(),
	}
}

// Endpoint attaches a member to the network. The returned Endpoint is a
// Transport whose swim and gossip addresses are host:swimPort and
// host:gossipPort.
func (n *Network) Endpoint(host string, swimPort, gossipPort int) (*Endpoint, error) {
	ep := &Endpoint{
		net:        n,
		host:       host,
		swimAddr:   net.JoinHostPort(host, strconv.Itoa(swimPort)),
		gossipAddr: net.JoinHostPort(host, strconv.Itoa(gossipPort)),
		done:       make(chan struct{}),
	}
	ep.swim = &endpointPort{ep: ep, inbox: make(chan packet, inboxSize)}
	ep.gossip = &endpointPort{ep: ep, inbox: make(chan packet, inboxSize)}

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, addr := range []string{ep.swimAddr, ep.gossipAddr} {
		if _, taken := n.endpoints[addr]; taken {
			return nil, errors.Errorf("address %s already in use", addr)
		}
	}
	n.endpoints[ep.swimAddr] = ep.swim
	n.endpoints[ep.gossipAddr] = ep.gossip
	return ep, nil
}

func (n *Network) send(from, to string, payload []byte) {
	n.mu.Lock()
	dst, ok := n.endpoints[to]
	blocked := n.blocked[hostPair(hostOf(from), hostOf(to))]
	cfg := n.chaos
	var drop bool
	var delay time.Duration
	if cfg.Enabled {
		drop = cfg.DropProb > 0 && n.rng.Float64() < cfg.DropProb
		if !drop && cfg.DelayProb > 0 && cfg.DelayMax > 0 && n.rng.Float64() < cfg.DelayProb {
			delay = cfg.DelayMin
			if jitter := cfg.DelayMax - cfg.DelayMin; jitter > 0 {
				delay += time.Duration(n.rng.Int63n(int64(jitter)))
			}
		}
	}
	n.mu.Unlock()

	if !ok || blocked || drop {
		n.dropped.Add(1)
		return
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	pkt := packet{from: from, payload: buf}

	if delay > 0 {
		n.delayed.Add(1)
		time.AfterFunc(delay, func() { n.deliver(dst, pkt, true) })
		return
	}
	n.deliver(dst, pkt, n.mode == Async)
}

func (n *Network) deliver(dst *endpointPort, pkt packet, queue bool) {
	if !queue {
		h := dst.handler()
		if h == nil {
			n.dropped.Add(1)
			return
		}
		n.delivered.Add(1)
		h(pkt.from, pkt.payload)
		return
	}
	select {
	case <-dst.ep.done:
		n.dropped.Add(1)
	case dst.inbox <- pkt:
		n.delivered.Add(1)
	default:
		n.dropped.Add(1)
	}
}

type packet struct {
	from    string
	payload []byte
}

type endpointPort struct {
	ep    *Endpoint
	inbox chan packet

	mu sync.RWMutex
	h  Handler
}

func (p *endpointPort) handler() Handler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.h
}

func (p *endpointPort) setHandler(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.h = h
}

// Endpoint is one member's attachment to a Network.
type Endpoint struct {
	net        *Network
	host       string
	swimAddr   string
	gossipAddr string

	swim   *endpointPort
	gossip *endpointPort

	wg        sync.WaitGroup
	done      chan struct{}
	started   atomic.Bool
	closeOnce sync.Once
}

// SwimAddr returns the endpoint's swim address.
func (e *Endpoint) SwimAddr() string { return e.swimAddr }

// GossipAddr returns the endpoint's gossip address.
func (e *Endpoint) GossipAddr() string { return e.gossipAddr }

func (e *Endpoint) SendSwim(addr string, payload []byte) error {
	if e.isClosed() {
		return net.ErrClosed
	}
	e.net.send(e.swimAddr, addr, payload)
	return nil
}

func (e *Endpoint) SendGossip(addr string, payload []byte) error {
	if e.isClosed() {
		return net.ErrClosed
	}
	e.net.send(e.gossipAddr, addr, payload)
	return nil
}

func (e *Endpoint) Start(swim, gossip Handler) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("transport already started")
	}
	e.swim.setHandler(swim)
	e.gossip.setHandler(gossip)
	e.wg.Add(2)
	go e.loop(e.swim)
	go e.loop(e.gossip)
	return nil
}

func (e *Endpoint) loop(p *endpointPort) {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case pkt := <-p.inbox:
			if h := p.handler(); h != nil {
				h(pkt.from, pkt.payload)
			}
		}
	}
}

// Close detaches the endpoint from the network.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.net.mu.Lock()
		delete(e.net.endpoints, e.swimAddr)
		delete(e.net.endpoints, e.gossipAddr)
		e.net.mu.Unlock()

		e.swim.setHandler(nil)
		e.gossip.setHandler(nil)
		close(e.done)
		e.wg.Wait()
	})
	return nil
}

func (e *Endpoint) isClosed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func hostPair(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
