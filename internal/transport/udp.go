package transport

import (
	"net"
	"sync"
	"sync/atomic"

	metrics "github.com/armon/go-metrics"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// maxDatagram is the largest UDP payload.
const maxDatagram = 65535

// UDP is a Transport over two UDP sockets.
type UDP struct {
	swim   net.PacketConn
	gossip net.PacketConn

	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
	log     *log.Entry
}

// ListenUDP binds the swim and gossip sockets. Failing to bind either one is
// an error; nothing is left open in that case.
func ListenUDP(swimAddr, gossipAddr string) (*UDP, error) {
	swim, err := net.ListenPacket("udp", swimAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "bind swim port %s", swimAddr)
	}
	gossip, err := net.ListenPacket("udp", gossipAddr)
	if err != nil {
		swim.Close()
		return nil, errors.Wrapf(err, "bind gossip port %s", gossipAddr)
	}
	return &UDP{
		swim:   swim,
		gossip: gossip,
		log: log.WithFields(log.Fields{
			"package": "transport",
			"swim":    swim.LocalAddr().String(),
			"gossip":  gossip.LocalAddr().String(),
		}),
	}, nil
}

// SwimAddr returns the bound swim address.
func (u *UDP) SwimAddr() net.Addr { return u.swim.LocalAddr() }

// GossipAddr returns the bound gossip address.
func (u *UDP) GossipAddr() net.Addr { return u.gossip.LocalAddr() }

// SendSwim sends payload from the swim socket to addr.
func (u *UDP) SendSwim(addr string, payload []byte) error {
	return u.send(u.swim, "swim", addr, payload)
}

// SendGossip sends payload from the gossip socket to addr.
func (u *UDP) SendGossip(addr string, payload []byte) error {
	return u.send(u.gossip, "gossip", addr, payload)
}

func (u *UDP) send(conn net.PacketConn, port, addr string, payload []byte) error {
	if u.closed.Load() {
		return net.ErrClosed
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", addr)
	}
	if _, err := conn.WriteTo(payload, raddr); err != nil {
		metrics.IncrCounter([]string{"murmur", "transport", port, "send_error"}, 1)
		return errors.Wrapf(err, "send %s datagram to %s", port, addr)
	}
	metrics.IncrCounter([]string{"murmur", "transport", port, "sent"}, 1)
	return nil
}

// Start runs one receive loop per socket, handing every datagram to the
// handler of that port.
func (u *UDP) Start(swim, gossip Handler) error {
	if !u.started.CompareAndSwap(false, true) {
		return errors.New("transport already started")
	}
	u.wg.Add(2)
	go u.readLoop(u.swim, "swim", swim)
	go u.readLoop(u.gossip, "gossip", gossip)
	return nil
}

func (u *UDP) readLoop(conn net.PacketConn, port string, h Handler) {
	defer u.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if u.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			u.log.WithError(err).WithField("port", port).Debug("read failed")
			continue
		}
		metrics.IncrCounter([]string{"murmur", "transport", port, "received"}, 1)
		payload := make([]byte, n)
		copy(payload, buf[:n])
		h(from.String(), payload)
	}
}

// Close closes both sockets and waits for the receive loops to exit.
func (u *UDP) Close() error {
	if !u.closed.CompareAndSwap(false, true) {
		return nil
	}
	err1 := u.swim.Close()
	err2 := u.gossip.Close()
	u.wg.Wait()
	if err1 != nil {
		return errors.Wrap(err1, "close swim socket")
	}
	if err2 != nil {
		return errors.Wrap(err2, "close gossip socket")
	}
	return nil
}
