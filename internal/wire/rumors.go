package wire

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"murmur/internal/rumor"
)

// Rumor body field numbers. Every body starts with the originating member.
const (
	fieldOrigin protowire.Number = 1

	// Membership
	fieldMembershipMember protowire.Number = 2

	// Service
	fieldServiceGroup       protowire.Number = 2
	fieldServiceIncarnation protowire.Number = 3
	fieldServicePkg         protowire.Number = 4
	fieldServiceHost        protowire.Number = 5
	fieldServicePort        protowire.Number = 6
	fieldServiceCfg         protowire.Number = 7
	fieldServiceSuitability protowire.Number = 8
	fieldServiceCandidate   protowire.Number = 9

	// ServiceFile
	fieldFileGroup       protowire.Number = 2
	fieldFileName        protowire.Number = 3
	fieldFileIncarnation protowire.Number = 4
	fieldFileBody        protowire.Number = 5

	// Election
	fieldElectionGroup       protowire.Number = 2
	fieldElectionTerm        protowire.Number = 3
	fieldElectionStatus      protowire.Number = 4
	fieldElectionWinner      protowire.Number = 5
	fieldElectionSuitability protowire.Number = 6

	// Departure
	fieldDepartureMember protowire.Number = 2
)

func encodeRumorField(r rumor.Rumor) ([]byte, error) {
	body, err := encodeRumorBody(r)
	if err != nil {
		return nil, err
	}
	var inner []byte
	inner = appendVarintField(inner, fieldRumorKind, uint64(r.Kind()))
	inner = protowire.AppendTag(inner, fieldRumorBody, protowire.BytesType)
	inner = protowire.AppendBytes(inner, body)

	out := protowire.AppendTag(nil, fieldRumor, protowire.BytesType)
	return protowire.AppendBytes(out, inner), nil
}

func encodeRumorBody(r rumor.Rumor) ([]byte, error) {
	b := appendStringField(nil, fieldOrigin, r.Origin())
	switch x := r.(type) {
	case *rumor.Membership:
		b = protowire.AppendTag(b, fieldMembershipMember, protowire.BytesType)
		b = protowire.AppendBytes(b, appendMember(nil, x.Member))
	case *rumor.Service:
		b = appendStringField(b, fieldServiceGroup, x.Group)
		b = appendVarintField(b, fieldServiceIncarnation, x.Incarnation)
		b = appendStringField(b, fieldServicePkg, x.Pkg)
		b = appendStringField(b, fieldServiceHost, x.Host)
		b = appendVarintField(b, fieldServicePort, uint64(x.Port))
		b = appendBytesField(b, fieldServiceCfg, x.Cfg)
		b = appendVarintField(b, fieldServiceSuitability, x.Suitability)
		b = appendVarintField(b, fieldServiceCandidate, protowire.EncodeBool(x.Candidate))
	case *rumor.ServiceFile:
		b = appendStringField(b, fieldFileGroup, x.Group)
		b = appendStringField(b, fieldFileName, x.Filename)
		b = appendVarintField(b, fieldFileIncarnation, x.Incarnation)
		b = appendBytesField(b, fieldFileBody, x.Body)
	case *rumor.Election:
		b = appendStringField(b, fieldElectionGroup, x.Group)
		b = appendVarintField(b, fieldElectionTerm, x.Term)
		b = appendVarintField(b, fieldElectionStatus, uint64(x.Status))
		b = appendStringField(b, fieldElectionWinner, x.Winner)
		b = appendVarintField(b, fieldElectionSuitability, x.Suitability)
	case *rumor.Departure:
		b = appendStringField(b, fieldDepartureMember, x.MemberID)
	default:
		return nil, errors.Errorf("wire: cannot encode rumor kind %s", r.Kind())
	}
	return b, nil
}

// decodeRumor returns nil without error for rumor kinds this version does not
// know about. A malformed or out of range body is an error; the caller drops
// that rumor and keeps the rest of the datagram.
func decodeRumor(b []byte) (rumor.Rumor, error) {
	var (
		kind rumor.Kind
		body []byte
	)
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldRumorKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			kind = rumor.Kind(v)
			return n, nil
		case num == fieldRumorBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			body = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}

	switch kind {
	case rumor.KindMembership:
		r := &rumor.Membership{}
		err = walkFields(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch {
			case num == fieldOrigin && typ == protowire.BytesType:
				return consumeString(b, &r.From)
			case num == fieldMembershipMember && typ == protowire.BytesType:
				return consumeMember(b, &r.Member)
			}
			return protowire.ConsumeFieldValue(num, typ, b), nil
		})
		if err == nil && r.Member.ID == "" {
			err = errors.New("wire: membership rumor without member id")
		}
		return r, err
	case rumor.KindService:
		r := &rumor.Service{}
		err = walkFields(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch {
			case num == fieldOrigin && typ == protowire.BytesType:
				return consumeString(b, &r.From)
			case num == fieldServiceGroup && typ == protowire.BytesType:
				return consumeString(b, &r.Group)
			case num == fieldServiceIncarnation && typ == protowire.VarintType:
				return consumeUint(b, &r.Incarnation)
			case num == fieldServicePkg && typ == protowire.BytesType:
				return consumeString(b, &r.Pkg)
			case num == fieldServiceHost && typ == protowire.BytesType:
				return consumeString(b, &r.Host)
			case num == fieldServicePort && typ == protowire.VarintType:
				return consumeInt(b, &r.Port)
			case num == fieldServiceCfg && typ == protowire.BytesType:
				v, n := protowire.ConsumeBytes(b)
				r.Cfg = append([]byte(nil), v...)
				return n, nil
			case num == fieldServiceSuitability && typ == protowire.VarintType:
				return consumeUint(b, &r.Suitability)
			case num == fieldServiceCandidate && typ == protowire.VarintType:
				v, n := protowire.ConsumeVarint(b)
				r.Candidate = protowire.DecodeBool(v)
				return n, nil
			}
			return protowire.ConsumeFieldValue(num, typ, b), nil
		})
		return r, err
	case rumor.KindServiceFile:
		r := &rumor.ServiceFile{}
		err = walkFields(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch {
			case num == fieldOrigin && typ == protowire.BytesType:
				return consumeString(b, &r.From)
			case num == fieldFileGroup && typ == protowire.BytesType:
				return consumeString(b, &r.Group)
			case num == fieldFileName && typ == protowire.BytesType:
				return consumeString(b, &r.Filename)
			case num == fieldFileIncarnation && typ == protowire.VarintType:
				return consumeUint(b, &r.Incarnation)
			case num == fieldFileBody && typ == protowire.BytesType:
				v, n := protowire.ConsumeBytes(b)
				r.Body = append([]byte(nil), v...)
				return n, nil
			}
			return protowire.ConsumeFieldValue(num, typ, b), nil
		})
		return r, err
	case rumor.KindElection:
		r := &rumor.Election{}
		err = walkFields(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch {
			case num == fieldOrigin && typ == protowire.BytesType:
				return consumeString(b, &r.From)
			case num == fieldElectionGroup && typ == protowire.BytesType:
				return consumeString(b, &r.Group)
			case num == fieldElectionTerm && typ == protowire.VarintType:
				return consumeUint(b, &r.Term)
			case num == fieldElectionStatus && typ == protowire.VarintType:
				v, n := protowire.ConsumeVarint(b)
				r.Status = rumor.ElectionStatus(v)
				if !r.Status.Valid() {
					return 0, errors.Errorf("wire: election status %d out of range", v)
				}
				return n, nil
			case num == fieldElectionWinner && typ == protowire.BytesType:
				return consumeString(b, &r.Winner)
			case num == fieldElectionSuitability && typ == protowire.VarintType:
				return consumeUint(b, &r.Suitability)
			}
			return protowire.ConsumeFieldValue(num, typ, b), nil
		})
		return r, err
	case rumor.KindDeparture:
		r := &rumor.Departure{}
		err = walkFields(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch {
			case num == fieldOrigin && typ == protowire.BytesType:
				return consumeString(b, &r.From)
			case num == fieldDepartureMember && typ == protowire.BytesType:
				return consumeString(b, &r.MemberID)
			}
			return protowire.ConsumeFieldValue(num, typ, b), nil
		})
		return r, err
	}
	return nil, nil
}

func consumeString(b []byte, dst *string) (int, error) {
	v, n := protowire.ConsumeString(b)
	*dst = v
	return n, nil
}

func consumeUint(b []byte, dst *uint64) (int, error) {
	v, n := protowire.ConsumeVarint(b)
	*dst = v
	return n, nil
}

func consumeInt(b []byte, dst *int) (int, error) {
	v, n := protowire.ConsumeVarint(b)
	*dst = int(v)
	return n, nil
}
