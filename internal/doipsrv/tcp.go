package doipsrv

import (
	"context"
	"net"
	"time"

	"github.com/Alonso07/doip-server/internal/gateway"
	"github.com/Alonso07/doip-server/internal/wire"
)

type sessionState int

const (
	stateUnactivated sessionState = iota
	stateActivated
	stateClosed
)

// session is a per-accepted-connection state machine implementing
// spec.md 4.6: UNACTIVATED -> ACTIVATED -> CLOSED. It holds no per-ECU
// state beyond the activated tester source address, per spec.md 3.
type session struct {
	conn            net.Conn
	gw              *gateway.Gateway
	log             gateway.Logger
	writer          *frameWriter
	state           sessionState
	activatedSource uint16
	idleTimeout     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(conn net.Conn, gw *gateway.Gateway, log gateway.Logger) *session {
	idle := gw.IdleTimeout
	if idle <= 0 {
		idle = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		conn:        conn,
		gw:          gw,
		log:         log.WithFields(map[string]interface{}{"peer": conn.RemoteAddr().String()}),
		writer:      &frameWriter{conn: conn},
		state:       stateUnactivated,
		idleTimeout: idle,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// run drives the session until the connection closes, an unrecoverable
// decode error occurs, or the idle timeout fires. It never returns an
// error; all disposition is per spec.md 7's error table.
func (s *session) run() {
	defer s.cancel()
	defer s.conn.Close()

	s.log.Info("session opened")
	for s.state != stateClosed {
		s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		header, body, err := readFrame(s.conn)
		if err != nil {
			if de, ok := err.(*wire.DecodeError); ok {
				if de.TriggersNACK() {
					s.writer.writeNACK(codeForDecodeError(de))
				}
				s.log.Warnf("frame decode error: %v", err)
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.log.Info("session idle timeout")
			} else {
				s.log.Debugf("session read ended: %v", err)
			}
			return
		}
		s.dispatch(header.PayloadType, body)
	}
}

func codeForDecodeError(de *wire.DecodeError) byte {
	switch de.Kind {
	case wire.ShortBuffer:
		return wire.NACKInvalidPayloadLength
	case wire.BadInverse:
		return wire.NACKIncorrectPatternFormat
	default:
		return wire.NACKUnknownPayloadType
	}
}

// readFrame reads one complete DoIP frame (header + body) from conn.
func readFrame(conn net.Conn) (wire.Header, []byte, error) {
	hdr := make([]byte, wire.HeaderLen)
	if _, err := readFull(conn, hdr); err != nil {
		return wire.Header{}, nil, err
	}
	h, err := wire.DecodeHeader(hdr)
	if err != nil {
		return h, nil, err
	}
	if h.PayloadLength == 0 {
		return h, []byte{}, nil
	}
	if h.PayloadLength > wire.MaxPayloadLength {
		return h, nil, &wire.DecodeError{Kind: wire.BadLength}
	}
	body := make([]byte, h.PayloadLength)
	if _, err := readFull(conn, body); err != nil {
		return h, nil, err
	}
	return h, body, nil
}

// readFull reads exactly len(buf) bytes, surfacing a short read as a
// wire.DecodeError{Kind: ShortBuffer} (e.g. peer closed mid-frame) so the
// caller's generic decode-error handling covers it too.
func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if err != nil {
			if total == 0 {
				return 0, err
			}
			return total, &wire.DecodeError{Kind: wire.ShortBuffer, Err: err}
		}
		total += n
	}
	return total, nil
}

func (s *session) dispatch(payloadType wire.MsgTid, body []byte) {
	switch s.state {
	case stateUnactivated:
		s.dispatchUnactivated(payloadType, body)
	case stateActivated:
		s.dispatchActivated(payloadType, body)
	}
}

func (s *session) dispatchUnactivated(payloadType wire.MsgTid, body []byte) {
	if payloadType != wire.RoutingActivationRequest {
		s.log.Warnf("payload type 0x%04X not accepted before routing activation", payloadType)
		s.writer.writeNACK(wire.NACKInvalidPayloadTypeForState)
		s.state = stateClosed
		return
	}

	req, err := wire.DecodeRoutingActivationReq(body)
	if err != nil {
		s.log.Warnf("malformed routing activation request: %v", err)
		s.state = stateClosed
		return
	}

	if !s.anyECUAllows(req.SourceAddress) {
		s.log.Warnf("routing activation denied for source 0x%04X", req.SourceAddress)
		s.writer.writeFrame(wire.RoutingActivationResponse, wire.EncodeRoutingActivationRes(wire.RoutingActivationRes{
			TesterSource:   req.SourceAddress,
			GatewayAddress: s.gw.Identity.LogicalAddress,
			Code:           wire.RoutingActivationDenied,
		}))
		s.state = stateClosed
		return
	}

	s.activatedSource = req.SourceAddress
	s.state = stateActivated
	s.log.Infof("routing activation succeeded for source 0x%04X", req.SourceAddress)
	s.writer.writeFrame(wire.RoutingActivationResponse, wire.EncodeRoutingActivationRes(wire.RoutingActivationRes{
		TesterSource:   req.SourceAddress,
		GatewayAddress: s.gw.Identity.LogicalAddress,
		Code:           wire.RoutingActivationSuccess,
	}))
}

func (s *session) anyECUAllows(source uint16) bool {
	for _, e := range s.gw.ECUs {
		if e.AllowsTester(source) {
			return true
		}
	}
	return false
}

func (s *session) dispatchActivated(payloadType wire.MsgTid, body []byte) {
	switch payloadType {
	case wire.AliveCheckRequest:
		s.writer.writeFrame(wire.AliveCheckResponse, wire.EncodeAliveCheckResponse(s.gw.Identity.LogicalAddress))
	case wire.AliveCheckResponse:
		// Tester-initiated alive check response; nothing to do.
	case wire.DiagnosticMessage:
		s.handleDiagnosticMessage(body)
	case wire.RoutingActivationRequest:
		s.log.Debug("ignoring repeated routing activation request on activated session")
	default:
		s.log.Warnf("unexpected payload type 0x%04X while activated", payloadType)
	}
}

func (s *session) handleDiagnosticMessage(body []byte) {
	req, err := wire.DecodeDiagnosticMessageReq(body)
	if err != nil {
		s.log.Warnf("malformed diagnostic message, closing session: %v", err)
		s.state = stateClosed
		return
	}

	if req.SourceAddress != s.activatedSource {
		s.log.Warnf("diagnostic message source 0x%04X != activated source 0x%04X", req.SourceAddress, s.activatedSource)
		s.writer.writeFrame(wire.DiagnosticMessageNegativeAck, wire.EncodeDiagnosticMessageAck(wire.DiagnosticMessageAck{
			SourceAddress: req.TargetAddress,
			TargetAddress: req.SourceAddress,
			Code:          wire.DiagNackInvalidSource,
		}))
		return
	}

	targets := gateway.Resolve(s.gw, req.TargetAddress)
	if len(targets) == 0 {
		s.log.Warnf("diagnostic message targets unknown address 0x%04X", req.TargetAddress)
		s.writer.writeFrame(wire.DiagnosticMessageNegativeAck, wire.EncodeDiagnosticMessageAck(wire.DiagnosticMessageAck{
			SourceAddress: req.TargetAddress,
			TargetAddress: req.SourceAddress,
			Code:          wire.DiagNackUnknownTarget,
		}))
		return
	}

	// Ack immediately, before any response bodies (spec.md 4.6 step 3, 5
	// ordering guarantee).
	s.writer.writeFrame(wire.DiagnosticMessagePositiveAck, wire.EncodeDiagnosticMessageAck(wire.DiagnosticMessageAck{
		SourceAddress: req.TargetAddress,
		TargetAddress: req.SourceAddress,
		Code:          wire.DiagAckPositive,
	}))

	allowed := gateway.FilterAllowed(targets, req.SourceAddress)
	if len(allowed) == 0 {
		// Every resolved ECU rejected this tester source: the target
		// address itself was valid, so the transport ACK already covers
		// it; the disposition is a UDS-level negative response (spec.md
		// 4.4, 7), not a transport NACK.
		s.log.Warnf("source 0x%04X not authorized for any ECU at target 0x%04X", req.SourceAddress, req.TargetAddress)
		uds := []byte{0x7F, serviceIDOf(req.UDS), byte(gateway.NRCSecurityAccessDenied)}
		s.writeDiagnosticResponse(req.TargetAddress, req.SourceAddress, uds)
		return
	}

	for _, t := range allowed {
		s.emitECUResponse(t, req)
	}
}

func (s *session) emitECUResponse(t gateway.ResolvedTarget, req wire.DiagnosticMessageReq) {
	result, err := gateway.Match(t.ECU, s.gw.Cycles, req.UDS, t.Mode)
	if err != nil {
		// NoMatch: the session stays open; answer with a UDS negative
		// response carrying NRC 0x11 (spec.md 4.3 step 5, 7).
		nrc := byte(gateway.NRCServiceNotSupported)
		uds := []byte{0x7F, serviceIDOf(req.UDS), nrc}
		s.writeDiagnosticResponse(t.ECU.TargetAddress, req.SourceAddress, uds)
		return
	}
	if result.NoBody {
		return
	}

	delay := time.Duration(result.Delay) * time.Millisecond
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return
		}
	}
	s.log.WithFields(map[string]interface{}{
		"target":  t.ECU.TargetAddress,
		"source":  req.SourceAddress,
		"service": result.Service.Name,
		"delay":   result.Delay,
	}).Info("diagnostic response emitted")
	s.writeDiagnosticResponse(t.ECU.TargetAddress, req.SourceAddress, result.Response)
}

func (s *session) writeDiagnosticResponse(ecuAddr, testerAddr uint16, uds []byte) {
	s.writer.writeFrame(wire.DiagnosticMessage, wire.EncodeDiagnosticMessage(ecuAddr, testerAddr, uds))
}

func serviceIDOf(uds []byte) byte {
	if len(uds) == 0 {
		return 0
	}
	return uds[0]
}
