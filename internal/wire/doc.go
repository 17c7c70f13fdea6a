// Package wire encodes datagrams exchanged between members.
//
// Every datagram starts with a 4-byte header: the magic bytes 'M' 'R', the
// protocol version and a flags byte. The remainder is a protobuf envelope
// written with protowire. Flag bit 0 marks an s2-compressed envelope. Decoders
// skip unknown fields and unknown rumor kinds so newer peers can add both
// without breaking older ones.
package wire
