package wire

import "encoding/binary"

// RoutingActivationReq is the body of a Routing Activation Request (0x0005).
type RoutingActivationReq struct {
	SourceAddress  uint16
	ActivationType byte
	Reserved       [4]byte
	OEMReserved    []byte // nil unless the client sent the optional 4 OEM bytes
}

// DecodeRoutingActivationReq parses a Routing Activation Request body.
func DecodeRoutingActivationReq(b []byte) (RoutingActivationReq, error) {
	if len(b) != 7 && len(b) != 11 {
		return RoutingActivationReq{}, &DecodeError{Kind: MalformedBody}
	}
	r := RoutingActivationReq{
		SourceAddress:  binary.BigEndian.Uint16(b[0:2]),
		ActivationType: b[2],
	}
	copy(r.Reserved[:], b[3:7])
	if len(b) == 11 {
		r.OEMReserved = append([]byte{}, b[7:11]...)
	}
	return r, nil
}

// RoutingActivationRes is the body of a Routing Activation Response (0x0006).
type RoutingActivationRes struct {
	TesterSource    uint16
	GatewayAddress  uint16
	Code            byte
	Reserved        uint32
	OEMReserved     uint32
}

// EncodeRoutingActivationRes serialises the 13-byte !HHBLL body.
func EncodeRoutingActivationRes(r RoutingActivationRes) []byte {
	b := make([]byte, 13)
	binary.BigEndian.PutUint16(b[0:2], r.TesterSource)
	binary.BigEndian.PutUint16(b[2:4], r.GatewayAddress)
	b[4] = r.Code
	binary.BigEndian.PutUint32(b[5:9], r.Reserved)
	binary.BigEndian.PutUint32(b[9:13], r.OEMReserved)
	return b
}

// DiagnosticMessageReq is the body of a Diagnostic Message (0x8001) sent by
// a client, or replayed by the gateway toward a tester.
type DiagnosticMessageReq struct {
	SourceAddress uint16
	TargetAddress uint16
	UDS           []byte
}

// DecodeDiagnosticMessageReq parses a Diagnostic Message body.
func DecodeDiagnosticMessageReq(b []byte) (DiagnosticMessageReq, error) {
	if len(b) < 5 {
		return DiagnosticMessageReq{}, &DecodeError{Kind: MalformedBody}
	}
	return DiagnosticMessageReq{
		SourceAddress: binary.BigEndian.Uint16(b[0:2]),
		TargetAddress: binary.BigEndian.Uint16(b[2:4]),
		UDS:           append([]byte{}, b[4:]...),
	}, nil
}

// EncodeDiagnosticMessage serialises a Diagnostic Message (0x8001) body:
// source || target || UDS bytes.
func EncodeDiagnosticMessage(source, target uint16, uds []byte) []byte {
	b := make([]byte, 4+len(uds))
	binary.BigEndian.PutUint16(b[0:2], source)
	binary.BigEndian.PutUint16(b[2:4], target)
	copy(b[4:], uds)
	return b
}

// DiagnosticMessageAck is the body of a Diagnostic Message ACK/NACK
// (0x8002/0x8003): source || target || code || optional preview.
type DiagnosticMessageAck struct {
	SourceAddress uint16
	TargetAddress uint16
	Code          byte
	Preview       []byte
}

// EncodeDiagnosticMessageAck serialises a positive or negative diagnostic
// message acknowledgement.
func EncodeDiagnosticMessageAck(a DiagnosticMessageAck) []byte {
	b := make([]byte, 5+len(a.Preview))
	binary.BigEndian.PutUint16(b[0:2], a.SourceAddress)
	binary.BigEndian.PutUint16(b[2:4], a.TargetAddress)
	b[4] = a.Code
	copy(b[5:], a.Preview)
	return b
}

// VehicleIdentification is the 33-byte body of a Vehicle Identification /
// Announcement Response (0x0004).
type VehicleIdentification struct {
	VIN                  [17]byte
	LogicalAddress       uint16
	EID                  [6]byte
	GID                  [6]byte
	FurtherActionRequired byte
	VINGIDSyncStatus      byte
}

// EncodeVehicleIdentification serialises the fixed 33-byte body.
func EncodeVehicleIdentification(v VehicleIdentification) []byte {
	b := make([]byte, 33)
	copy(b[0:17], v.VIN[:])
	binary.BigEndian.PutUint16(b[17:19], v.LogicalAddress)
	copy(b[19:25], v.EID[:])
	copy(b[25:31], v.GID[:])
	b[31] = v.FurtherActionRequired
	b[32] = v.VINGIDSyncStatus
	return b
}

// VehicleIDRequestByEIDBody is the body of a Vehicle Identification Request
// by EID (0x0003): a bare 6-byte EID.
type VehicleIDRequestByEIDBody struct {
	EID [6]byte
}

// DecodeVehicleIDRequestByEID parses the 6-byte EID body.
func DecodeVehicleIDRequestByEID(b []byte) (VehicleIDRequestByEIDBody, error) {
	if len(b) != 6 {
		return VehicleIDRequestByEIDBody{}, &DecodeError{Kind: MalformedBody}
	}
	var r VehicleIDRequestByEIDBody
	copy(r.EID[:], b)
	return r, nil
}

// EntityStatusResponseBody is the 7-byte body of an Entity Status Response
// (0x4002).
type EntityStatusResponseBody struct {
	NodeType           byte
	MaxOpenSockets     byte
	CurrentOpenSockets byte
	MaxDataSize        uint32
}

// EncodeEntityStatusResponse serialises the entity status body. The wire
// layout carries MaxDataSize as a 4-byte field per ISO 13400-2 Table 36.
func EncodeEntityStatusResponse(s EntityStatusResponseBody) []byte {
	b := make([]byte, 7)
	b[0] = s.NodeType
	b[1] = s.MaxOpenSockets
	b[2] = s.CurrentOpenSockets
	binary.BigEndian.PutUint32(b[3:7], s.MaxDataSize)
	return b
}

// EncodeDiagnosticPowerModeResponse serialises the 1-byte power mode status
// body (0x4004). The status is a single byte, not two -- getting this wrong
// is the classic DoIP implementation bug this gateway must not repeat.
func EncodeDiagnosticPowerModeResponse(status byte) []byte {
	return []byte{status}
}

// EncodeAliveCheckResponse serialises the 2-byte Alive Check Response body:
// the gateway's logical address.
func EncodeAliveCheckResponse(gatewayAddress uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, gatewayAddress)
	return b
}
