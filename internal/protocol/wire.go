// Package protocol implements the Semtech UDP packet-forwarder codec: wire
// framing, token-based request/ACK correlation via a bounded transaction
// pool, and the periodic gateway statistics block.
package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// Identifier is the Semtech message-type byte (wire offset 3).
type Identifier byte

const (
	PushData Identifier = 0
	PushAck  Identifier = 1
	PullData Identifier = 2
	PullResp Identifier = 3
	PullAck  Identifier = 4
	TxAck    Identifier = 5
)

func (id Identifier) String() string {
	switch id {
	case PushData:
		return "PUSH_DATA"
	case PushAck:
		return "PUSH_ACK"
	case PullData:
		return "PULL_DATA"
	case PullResp:
		return "PULL_RESP"
	case PullAck:
		return "PULL_ACK"
	case TxAck:
		return "TX_ACK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(id))
	}
}

// ProtocolVersion is the fixed version byte of every Semtech datagram.
const ProtocolVersion = 2

// GatewayID is the 8-byte identifier embedded in PUSH_DATA/PULL_DATA
// datagrams: the radio MAC plus a 2-byte discriminator chosen per the
// registered Network Server (e.g. "FFFE" for TTN, "FFFF" for Loriot).
type GatewayID [8]byte

// Header is the common 4-byte prefix of every Semtech message, plus the
// 8-byte gateway id carried by PUSH_DATA/PULL_DATA.
type Header struct {
	Version    byte
	Token      uint16
	Identifier Identifier
	GatewayID  GatewayID // only meaningful for PUSH_DATA/PULL_DATA
}

// EncodeHeader writes the 4-byte common header (version, token, identifier).
func EncodeHeader(buf []byte, token uint16, id Identifier) int {
	buf[0] = ProtocolVersion
	binary.LittleEndian.PutUint16(buf[1:3], token)
	buf[3] = byte(id)
	return 4
}

// EncodeGatewayID appends the 8-byte gateway id after the common header.
func EncodeGatewayID(buf []byte, gw GatewayID) int {
	copy(buf, gw[:])
	return 8
}

// DecodeHeader parses the common 4-byte header. Messages shorter than 4
// bytes, or carrying an unsupported version byte, are malformed.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < 4 {
		return Header{}, fmt.Errorf("protocol: message too short (%d bytes)", len(buf))
	}
	if buf[0] != ProtocolVersion {
		return Header{}, fmt.Errorf("protocol: unsupported version %d", buf[0])
	}
	h := Header{
		Version:    buf[0],
		Token:      binary.LittleEndian.Uint16(buf[1:3]),
		Identifier: Identifier(buf[3]),
	}
	if len(buf) >= 12 && (h.Identifier == PushData || h.Identifier == PullData) {
		copy(h.GatewayID[:], buf[4:12])
	}
	return Header{
		Version:    h.Version,
		Token:      h.Token,
		Identifier: h.Identifier,
		GatewayID:  h.GatewayID,
	}, nil
}

// EncodeBase64 matches the reference's padded Base64 PHY-payload encoding.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 accepts both padded and unpadded input, matching real
// Network Server implementations that are lenient about the RFC 4648 tail.
func DecodeBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
