// Package wire implements the DoIP (ISO 13400-2) frame codec: the 8-byte
// header plus the payload bodies the gateway needs to speak on TCP and UDP.
package wire

import "encoding/binary"

// ProtocolVersion is the DoIP protocol version this gateway speaks.
const ProtocolVersion uint8 = 0x02

// InverseProtocolVersion is the bitwise inverse of ProtocolVersion, carried
// in every frame header so a peer can detect a garbled version byte.
const InverseProtocolVersion uint8 = ^ProtocolVersion

// HeaderLen is the fixed size of a DoIP frame header in bytes.
const HeaderLen = 8

// MaxPayloadLength bounds the payload length a frame header may declare.
// UDS diagnostic messages are a handful of bytes; this bound is generous
// for any legitimate DoIP payload while refusing to act on a declared
// length that would otherwise drive an unbounded read-buffer allocation.
const MaxPayloadLength = 64 * 1024

// MsgTid identifies a DoIP payload type (Table 12, ISO 13400-2).
type MsgTid uint16

// Payload types recognised by the gateway (ISO 13400-2:2025, Table 12).
const (
	GenericHeaderNACK           MsgTid = 0x0000
	VehicleIDRequest            MsgTid = 0x0001
	VehicleIDRequestByEID       MsgTid = 0x0003
	VehicleAnnouncement         MsgTid = 0x0004
	RoutingActivationRequest    MsgTid = 0x0005
	RoutingActivationResponse   MsgTid = 0x0006
	AliveCheckRequest           MsgTid = 0x0007
	AliveCheckResponse          MsgTid = 0x0008
	EntityStatusRequest         MsgTid = 0x4001
	EntityStatusResponse        MsgTid = 0x4002
	DiagnosticPowerModeRequest  MsgTid = 0x4003
	DiagnosticPowerModeResponse MsgTid = 0x4004
	DiagnosticMessage            MsgTid = 0x8001
	DiagnosticMessagePositiveAck MsgTid = 0x8002
	DiagnosticMessageNegativeAck MsgTid = 0x8003
)

// Generic header NACK codes (Table 14, ISO 13400-2).
const (
	NACKIncorrectPatternFormat byte = 0x00
	NACKUnknownPayloadType     byte = 0x01
	NACKMessageTooLarge        byte = 0x02
	NACKOutOfMemory            byte = 0x03
	NACKInvalidPayloadLength   byte = 0x04
	// NACKInvalidPayloadTypeForState is sent when a frame's payload type is
	// not accepted in the session's current state (spec.md 4.6), e.g. any
	// non-routing-activation frame while UNACTIVATED.
	NACKInvalidPayloadTypeForState byte = 0x06
)

// Routing activation response codes (Table 25, ISO 13400-2).
const (
	RoutingActivationDenied                byte = 0x06
	RoutingActivationSuccess               byte = 0x10
	RoutingActivationMissingAuthentication byte = 0x0A
)

// Diagnostic message ACK/NACK codes.
const (
	DiagAckPositive       byte = 0x00
	DiagNackInvalidSource byte = 0x02
	DiagNackUnknownTarget byte = 0x03
	DiagNackMsgTooLarge   byte = 0x04
)

// Header is the fixed 8-byte DoIP frame header.
type Header struct {
	ProtocolVersion        byte
	InverseProtocolVersion byte
	PayloadType            MsgTid
	PayloadLength          uint32
}

// EncodeHeader serialises h to its 8-byte wire form.
func EncodeHeader(h Header) []byte {
	b := make([]byte, HeaderLen)
	b[0] = h.ProtocolVersion
	b[1] = h.InverseProtocolVersion
	binary.BigEndian.PutUint16(b[2:4], uint16(h.PayloadType))
	binary.BigEndian.PutUint32(b[4:8], h.PayloadLength)
	return b
}

// DecodeHeader parses the 8-byte header at the front of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, &DecodeError{Kind: ShortBuffer}
	}
	h := Header{
		ProtocolVersion:        b[0],
		InverseProtocolVersion: b[1],
		PayloadType:            MsgTid(binary.BigEndian.Uint16(b[2:4])),
		PayloadLength:          binary.BigEndian.Uint32(b[4:8]),
	}
	if h.InverseProtocolVersion != h.ProtocolVersion^0xFF {
		return h, &DecodeError{Kind: BadInverse}
	}
	return h, nil
}

// EncodeFrame prepends a header for payloadType to body and returns the full
// frame ready to be written to a socket.
func EncodeFrame(payloadType MsgTid, body []byte) []byte {
	h := Header{
		ProtocolVersion:        ProtocolVersion,
		InverseProtocolVersion: InverseProtocolVersion,
		PayloadType:            payloadType,
		PayloadLength:          uint32(len(body)),
	}
	return append(EncodeHeader(h), body...)
}

// EncodeNACK builds a Generic Header NACK frame (payload type 0x0000, one
// payload byte holding code).
func EncodeNACK(code byte) []byte {
	return EncodeFrame(GenericHeaderNACK, []byte{code})
}
