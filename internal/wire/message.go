package wire

import (
	"murmur/internal/member"
	"murmur/internal/rumor"
)

// MessageType identifies the purpose of a datagram.
type MessageType int

const (
	Ping MessageType = iota + 1
	Ack
	PingReq
	PingReqAck
	RumorBatch
)

// String returns the string representation of MessageType.
func (t MessageType) String() string {
	switch t {
	case Ping:
		return "ping"
	case Ack:
		return "ack"
	case PingReq:
		return "ping_req"
	case PingReqAck:
		return "ping_req_ack"
	case RumorBatch:
		return "rumor_batch"
	default:
		return "unknown"
	}
}

// Message is a decoded datagram.
//
// Swim messages (Ping, Ack, PingReq, PingReqAck) use Seq, From and Target.
// From is always the sender's own member record. For Ping, Target is the
// sender's view of the receiver; for PingReq and PingReqAck it is the member
// being probed indirectly.
//
// RumorBatch messages use Sender and Rumors.
type Message struct {
	Type   MessageType
	Seq    uint64
	From   member.Member
	Target member.Member
	Sender string
	Rumors []rumor.Rumor

	// Dropped counts rumor fragments that could not be decoded and were
	// left out of Rumors.
	Dropped int
}
