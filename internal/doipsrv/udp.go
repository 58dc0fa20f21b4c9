package doipsrv

import (
	"net"

	"github.com/Alonso07/doip-server/internal/gateway"
	"github.com/Alonso07/doip-server/internal/wire"
)

// udpResponder answers the stateless UDP discovery/status requests of
// spec.md 4.5 (C5): vehicle identification, entity status, and diagnostic
// power mode. It shares the gateway's CycleTable with the TCP sessions so
// the synthetic power-mode rotation advances consistently.
type udpResponder struct {
	conn *net.UDPConn
	gw   *gateway.Gateway
	log  gateway.Logger

	powerModeStatuses [][]byte // nil until configured; falls back to a single 0x01 ("ready") status

	// openSockets reports the current TCP session count for Entity Status
	// Responses, so the value reflects live connections rather than a
	// static zero.
	openSockets func() int
}

func newUDPResponder(conn *net.UDPConn, gw *gateway.Gateway, log gateway.Logger) *udpResponder {
	return &udpResponder{
		conn:        conn,
		gw:          gw,
		log:         log.WithFields(map[string]interface{}{"proto": "udp"}),
		openSockets: func() int { return 0 },
	}
}

// serve reads datagrams until conn is closed.
func (u *udpResponder) serve() {
	buf := make([]byte, 1500)
	for {
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			u.log.Debugf("udp responder stopped: %v", err)
			return
		}
		body := append([]byte{}, buf[:n]...)
		go u.handle(body, addr)
	}
}

func (u *udpResponder) handle(frame []byte, addr *net.UDPAddr) {
	if len(frame) < wire.HeaderLen {
		u.log.Warnf("udp datagram from %s too short for a header", addr)
		return
	}
	h, err := wire.DecodeHeader(frame[:wire.HeaderLen])
	if err != nil {
		if de, ok := err.(*wire.DecodeError); ok && de.TriggersNACK() {
			u.send(addr, wire.EncodeNACK(codeForDecodeError(de)))
		}
		return
	}
	body := frame[wire.HeaderLen:]
	if int(h.PayloadLength) > len(body) {
		u.send(addr, wire.EncodeNACK(wire.NACKInvalidPayloadLength))
		return
	}
	body = body[:h.PayloadLength]

	switch h.PayloadType {
	case wire.VehicleIDRequest:
		u.respondVehicleIdentification(addr)
	case wire.VehicleIDRequestByEID:
		u.handleVehicleIDByEID(addr, body)
	case wire.EntityStatusRequest:
		u.respondEntityStatus(addr)
	case wire.DiagnosticPowerModeRequest:
		u.respondPowerMode(addr)
	default:
		u.log.Debugf("udp responder ignoring payload type 0x%04X from %s", h.PayloadType, addr)
	}
}

func (u *udpResponder) handleVehicleIDByEID(addr *net.UDPAddr, body []byte) {
	req, err := wire.DecodeVehicleIDRequestByEID(body)
	if err != nil {
		return
	}
	if req.EID != u.gw.Identity.EID {
		// Not addressed to this gateway; stay silent per spec.md 4.5.
		return
	}
	u.respondVehicleIdentification(addr)
}

func (u *udpResponder) respondVehicleIdentification(addr *net.UDPAddr) {
	id := u.gw.Identity
	body := wire.EncodeVehicleIdentification(wire.VehicleIdentification{
		VIN:                   id.VIN,
		LogicalAddress:        id.LogicalAddress,
		EID:                   id.EID,
		GID:                   id.GID,
		FurtherActionRequired: 0x00,
		VINGIDSyncStatus:      0x00,
	})
	u.send(addr, wire.EncodeFrame(wire.VehicleAnnouncement, body))
}

func (u *udpResponder) respondEntityStatus(addr *net.UDPAddr) {
	body := wire.EncodeEntityStatusResponse(wire.EntityStatusResponseBody{
		NodeType:           0x00, // gateway, per ISO 13400-2 Table 36
		MaxOpenSockets:     byte(u.gw.MaxConnections),
		CurrentOpenSockets: byte(u.openSockets()),
		MaxDataSize:        4096,
	})
	u.send(addr, wire.EncodeFrame(wire.EntityStatusResponse, body))
}

// respondPowerMode cycles through the configured statuses using the shared
// CycleTable under the synthetic PowerModeCycleService key, so repeated
// polls rotate the same way a configured ECU response list would.
func (u *udpResponder) respondPowerMode(addr *net.UDPAddr) {
	statuses := u.powerModeStatuses
	if len(statuses) == 0 {
		statuses = [][]byte{{0x01}} // "ready" default, per spec
	}
	idx := u.gw.Cycles.Next(0, gateway.PowerModeCycleService, len(statuses))
	u.send(addr, wire.EncodeFrame(wire.DiagnosticPowerModeResponse, wire.EncodeDiagnosticPowerModeResponse(statuses[idx][0])))
}

func (u *udpResponder) send(addr *net.UDPAddr, frame []byte) {
	if _, err := u.conn.WriteToUDP(frame, addr); err != nil {
		u.log.Warnf("udp write to %s failed: %v", addr, err)
	}
}
