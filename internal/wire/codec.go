package wire

import (
	"github.com/klauspost/compress/s2"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"murmur/internal/member"
	"murmur/internal/rumor"
)

const (
	magic0 = 'M'
	magic1 = 'R'

	// Version is the protocol version written by this package.
	Version = 1

	// HeaderSize is the length of the fixed datagram header.
	HeaderSize = 4

	flagCompressed = 1 << 0

	// Envelopes at or below this size are never compressed.
	compressThreshold = 256

	// MaxDecodedSize bounds the body of a compressed datagram once
	// decompressed.
	MaxDecodedSize = 64 * 1024
)

var (
	ErrBadMagic           = errors.New("wire: bad magic")
	ErrUnsupportedVersion = errors.New("wire: unsupported version")
	ErrTruncated          = errors.New("wire: truncated datagram")
)

// Envelope field numbers.
const (
	fieldType   protowire.Number = 1
	fieldSeq    protowire.Number = 2
	fieldFrom   protowire.Number = 3
	fieldTarget protowire.Number = 4
	fieldSender protowire.Number = 5
	fieldRumor  protowire.Number = 6
)

// Rumor wrapper field numbers.
const (
	fieldRumorKind protowire.Number = 1
	fieldRumorBody protowire.Number = 2
)

// Encode serializes msg into a single datagram.
func Encode(msg *Message) ([]byte, error) {
	var body []byte
	body = appendVarintField(body, fieldType, uint64(msg.Type))
	if msg.Seq != 0 {
		body = appendVarintField(body, fieldSeq, msg.Seq)
	}
	if msg.From.ID != "" {
		body = protowire.AppendTag(body, fieldFrom, protowire.BytesType)
		body = protowire.AppendBytes(body, appendMember(nil, msg.From))
	}
	if msg.Target.ID != "" {
		body = protowire.AppendTag(body, fieldTarget, protowire.BytesType)
		body = protowire.AppendBytes(body, appendMember(nil, msg.Target))
	}
	body = appendStringField(body, fieldSender, msg.Sender)
	for _, r := range msg.Rumors {
		enc, err := encodeRumorField(r)
		if err != nil {
			return nil, err
		}
		body = append(body, enc...)
	}
	return frame(body), nil
}

// EncodeBatch serializes rumors into one or more RumorBatch datagrams whose
// uncompressed size stays within maxSize. A rumor that alone exceeds maxSize
// is sent in a datagram of its own.
func EncodeBatch(sender string, rumors []rumor.Rumor, maxSize int) ([][]byte, error) {
	var prefix []byte
	prefix = appendVarintField(prefix, fieldType, uint64(RumorBatch))
	prefix = appendStringField(prefix, fieldSender, sender)

	var (
		out  [][]byte
		body = append([]byte(nil), prefix...)
		n    int
	)
	for _, r := range rumors {
		enc, err := encodeRumorField(r)
		if err != nil {
			return nil, err
		}
		if n > 0 && HeaderSize+len(body)+len(enc) > maxSize {
			out = append(out, frame(body))
			body = append([]byte(nil), prefix...)
			n = 0
		}
		body = append(body, enc...)
		n++
	}
	if n > 0 {
		out = append(out, frame(body))
	}
	return out, nil
}

// Decode parses a datagram produced by Encode or EncodeBatch.
func Decode(b []byte) (*Message, error) {
	if len(b) < HeaderSize {
		return nil, ErrTruncated
	}
	if b[0] != magic0 || b[1] != magic1 {
		return nil, ErrBadMagic
	}
	if b[2] != Version {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "version %d", b[2])
	}
	body := b[HeaderSize:]
	if b[3]&flagCompressed != 0 {
		size, err := s2.DecodedLen(body)
		if err != nil {
			return nil, errors.Wrap(ErrTruncated, err.Error())
		}
		if size > MaxDecodedSize {
			return nil, errors.Wrapf(ErrTruncated, "decoded size %d exceeds %d", size, MaxDecodedSize)
		}
		body, err = s2.Decode(nil, body)
		if err != nil {
			return nil, errors.Wrap(err, "wire: decompress")
		}
	}

	msg := &Message{}
	err := walkFields(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			msg.Type = MessageType(v)
			return n, nil
		case num == fieldSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			msg.Seq = v
			return n, nil
		case num == fieldFrom && typ == protowire.BytesType:
			return consumeMember(b, &msg.From)
		case num == fieldTarget && typ == protowire.BytesType:
			return consumeMember(b, &msg.Target)
		case num == fieldSender && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			msg.Sender = v
			return n, nil
		case num == fieldRumor && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			r, err := decodeRumor(v)
			if err != nil {
				msg.Dropped++
				return n, nil
			}
			if r != nil {
				msg.Rumors = append(msg.Rumors, r)
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func frame(body []byte) []byte {
	flags := byte(0)
	if len(body) > compressThreshold {
		if c := s2.Encode(nil, body); len(c) < len(body) {
			body = c
			flags |= flagCompressed
		}
	}
	out := make([]byte, 0, HeaderSize+len(body))
	out = append(out, magic0, magic1, Version, flags)
	return append(out, body...)
}

// walkFields calls fn for every field in b. fn consumes the field value and
// returns the number of bytes read, negative on a malformed value.
func walkFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(ErrTruncated, protowire.ParseError(n).Error())
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return errors.Wrap(ErrTruncated, protowire.ParseError(m).Error())
		}
		b = b[m:]
	}
	return nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// Member field numbers.
const (
	fieldMemberID          protowire.Number = 1
	fieldMemberAddress     protowire.Number = 2
	fieldMemberSwimPort    protowire.Number = 3
	fieldMemberGossipPort  protowire.Number = 4
	fieldMemberIncarnation protowire.Number = 5
	fieldMemberHealth      protowire.Number = 6
)

func appendMember(b []byte, m member.Member) []byte {
	b = appendStringField(b, fieldMemberID, m.ID)
	b = appendStringField(b, fieldMemberAddress, m.Address)
	b = appendVarintField(b, fieldMemberSwimPort, uint64(m.SwimPort))
	b = appendVarintField(b, fieldMemberGossipPort, uint64(m.GossipPort))
	b = appendVarintField(b, fieldMemberIncarnation, m.Incarnation)
	b = appendVarintField(b, fieldMemberHealth, uint64(m.Health))
	return b
}

func consumeMember(b []byte, m *member.Member) (int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	err := walkFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.BytesType {
			s, n := protowire.ConsumeString(b)
			switch num {
			case fieldMemberID:
				m.ID = s
			case fieldMemberAddress:
				m.Address = s
			}
			return n, nil
		}
		if typ != protowire.VarintType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		x, n := protowire.ConsumeVarint(b)
		switch num {
		case fieldMemberSwimPort:
			m.SwimPort = int(x)
		case fieldMemberGossipPort:
			m.GossipPort = int(x)
		case fieldMemberIncarnation:
			m.Incarnation = x
		case fieldMemberHealth:
			m.Health = member.Health(x)
			if !m.Health.Valid() {
				return 0, errors.Errorf("wire: member health %d out of range", x)
			}
		}
		return n, nil
	})
	return n, err
}
