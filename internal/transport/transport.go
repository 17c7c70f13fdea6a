package transport

// Handler receives one datagram. from is the sender's address on the port
// the datagram arrived on. The payload is owned by the handler.
type Handler func(from string, payload []byte)

// Transport sends and receives datagrams on a member's two ports.
// Sends are best effort: a nil error does not imply delivery.
type Transport interface {
	SendSwim(addr string, payload []byte) error
	SendGossip(addr string, payload []byte) error
	// Start begins delivering inbound datagrams to the handlers. Handlers for
	// one port are called sequentially.
	Start(swim, gossip Handler) error
	Close() error
}
