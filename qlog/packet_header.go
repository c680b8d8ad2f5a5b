package qlog

import (
	"fmt"

	"github.com/francoispqt/gojay"

	"github.com/quic-dev/quix/internal/protocol"
	"github.com/quic-dev/quix/logging"
)

func getPacketTypeFromEncryptionLevel(encLevel protocol.EncryptionLevel) logging.PacketType {
	switch encLevel {
	case protocol.EncryptionInitial:
		return logging.PacketTypeInitial
	case protocol.EncryptionHandshake:
		return logging.PacketTypeHandshake
	case protocol.Encryption0RTT:
		return logging.PacketType0RTT
	case protocol.Encryption1RTT:
		return logging.PacketType1RTT
	default:
		panic("unknown encryption level")
	}
}

type token struct {
	Raw []byte
}

var _ gojay.MarshalerJSONObject = &token{}

func (t token) IsNil() bool { return false }
func (t token) MarshalJSONObject(enc *gojay.Encoder) {
	enc.StringKey("data", fmt.Sprintf("%x", t.Raw))
}

// packetHeader is a QUIC packet header.
type packetHeader struct {
	PacketType logging.PacketType

	PacketNumber logging.PacketNumber
	Version      logging.Version
	SrcConnID    logging.ConnectionID
	DestConnID   logging.ConnectionID
	KeyPhaseBit  logging.KeyPhaseBit
	Token        *token
}

func packetTypeFromHeader(hdr *logging.Header) logging.PacketType {
	if hdr.Version == 0 {
		return logging.PacketTypeVersionNegotiation
	}
	switch hdr.Type {
	case protocol.PacketTypeInitial:
		return logging.PacketTypeInitial
	case protocol.PacketTypeHandshake:
		return logging.PacketTypeHandshake
	case protocol.PacketType0RTT:
		return logging.PacketType0RTT
	case protocol.PacketTypeRetry:
		return logging.PacketTypeRetry
	default:
		return logging.PacketTypeNotDetermined
	}
}

func transformLongHeader(hdr *logging.ExtendedHeader) *packetHeader {
	h := &packetHeader{
		PacketType:   packetTypeFromHeader(&hdr.Header),
		PacketNumber: hdr.PacketNumber,
		Version:      hdr.Version,
		SrcConnID:    hdr.SrcConnectionID,
		DestConnID:   hdr.DestConnectionID,
	}
	if len(hdr.Token) > 0 {
		h.Token = &token{Raw: hdr.Token}
	}
	return h
}

func transformShortHeader(hdr *logging.ShortHeader) *packetHeader {
	return &packetHeader{
		PacketType:   logging.PacketType1RTT,
		PacketNumber: hdr.PacketNumber,
		DestConnID:   hdr.DestConnectionID,
		KeyPhaseBit:  hdr.KeyPhase,
	}
}

func (h packetHeader) MarshalJSONObject(enc *gojay.Encoder) {
	enc.StringKey("packet_type", packetType(h.PacketType).String())
	if h.PacketType != logging.PacketTypeRetry && h.PacketType != logging.PacketTypeVersionNegotiation {
		enc.Int64Key("packet_number", int64(h.PacketNumber))
	}
	if h.Version != 0 {
		enc.StringKey("version", versionNumber(h.Version).String())
	}
	if h.PacketType != logging.PacketType1RTT {
		enc.IntKey("scil", h.SrcConnID.Len())
		if h.SrcConnID.Len() > 0 {
			enc.StringKey("scid", h.SrcConnID.String())
		}
	}
	enc.IntKey("dcil", h.DestConnID.Len())
	if h.DestConnID.Len() > 0 {
		enc.StringKey("dcid", h.DestConnID.String())
	}
	if h.KeyPhaseBit == logging.KeyPhaseZero || h.KeyPhaseBit == logging.KeyPhaseOne {
		enc.StringKey("key_phase_bit", h.KeyPhaseBit.String())
	}
	if h.Token != nil {
		enc.ObjectKey("token", h.Token)
	}
}

// a minimal header for Retry packets
type packetHeaderWithType struct {
	PacketType logging.PacketType
	Version    logging.Version
	SrcConnID  logging.ConnectionID
	DestConnID logging.ConnectionID
}

func (h packetHeaderWithType) IsNil() bool { return false }
func (h packetHeaderWithType) MarshalJSONObject(enc *gojay.Encoder) {
	enc.StringKey("packet_type", packetType(h.PacketType).String())
	if h.Version != 0 {
		enc.StringKey("version", versionNumber(h.Version).String())
	}
	enc.IntKey("scil", h.SrcConnID.Len())
	if h.SrcConnID.Len() > 0 {
		enc.StringKey("scid", h.SrcConnID.String())
	}
	enc.IntKey("dcil", h.DestConnID.Len())
	if h.DestConnID.Len() > 0 {
		enc.StringKey("dcid", h.DestConnID.String())
	}
}

// a minimal header for Version Negotiation packets
type packetHeaderVersionNegotiation struct {
	SrcConnID  logging.ArbitraryLenConnectionID
	DestConnID logging.ArbitraryLenConnectionID
}

func (h packetHeaderVersionNegotiation) IsNil() bool { return false }
func (h packetHeaderVersionNegotiation) MarshalJSONObject(enc *gojay.Encoder) {
	enc.StringKey("packet_type", "version_negotiation")
	enc.IntKey("scil", h.SrcConnID.Len())
	enc.StringKey("scid", h.SrcConnID.String())
	enc.IntKey("dcil", h.DestConnID.Len())
	enc.StringKey("dcid", h.DestConnID.String())
}
