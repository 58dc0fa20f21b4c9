package doipsrv

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/Alonso07/doip-server/internal/gateway"
	"github.com/Alonso07/doip-server/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testGateway builds a small in-memory gateway with two ECUs sharing
// functional address 0x1FFF: an engine ECU exposing a single-response
// service, a cycling service, and a no_response service, and a transmission
// ECU exposing the single-response service only, so the TCP/UDP tests can exercise the disposition table of spec.md 7 without
// going through the YAML loader.
func testGateway() *gateway.Gateway {
	readVin := &gateway.ServiceEntry{
		Name:               "read_vin",
		Exact:              "22F190",
		SupportsFunctional: true,
		Responses:          []gateway.ResponseSpec{{Response: []byte{0x62, 0xF1, 0x90}}},
	}
	cycling := &gateway.ServiceEntry{
		Name:  "engine_rpm_read",
		Exact: "220C01",
		Responses: []gateway.ResponseSpec{
			{Response: []byte{0x62, 0x0C, 0x01, 0xAA}},
			{Response: []byte{0x62, 0x0C, 0x01, 0xBB}},
		},
	}
	silent := &gateway.ServiceEntry{
		Name:       "tester_present",
		Exact:      "3E00",
		NoResponse: true,
	}

	engine := &gateway.ECU{
		Name:            "engine",
		TargetAddress:   0x1000,
		TesterAddresses: map[uint16]struct{}{0x0E00: {}},
		Catalog:         gateway.NewCatalog([]*gateway.ServiceEntry{readVin, cycling, silent}),
	}

	functional := uint16(0x1FFF)
	transmission := &gateway.ECU{
		Name:              "transmission",
		TargetAddress:     0x1001,
		FunctionalAddress: &functional,
		TesterAddresses:   map[uint16]struct{}{0x0E00: {}},
		Catalog:           gateway.NewCatalog([]*gateway.ServiceEntry{readVin}),
	}
	engine.FunctionalAddress = &functional

	return gateway.NewGateway("test-gw", "", "127.0.0.1", 0, 4, time.Second, wire.ProtocolVersion,
		gateway.VehicleIdentity{LogicalAddress: 0x1000}, []*gateway.ECU{engine, transmission})
}

type testHarness struct {
	srv     *Server
	tcpAddr net.Addr
	udpAddr net.Addr
}

func startTestServer(t *testing.T, gw *gateway.Gateway) *testHarness {
	t.Helper()
	srv := NewServer(gw, gateway.NewLogger(false))
	ready := make(chan struct{})
	h := &testHarness{srv: srv}
	srv.NotifyStartedFunc = func(tcpAddr, udpAddr net.Addr) {
		h.tcpAddr = tcpAddr
		h.udpAddr = udpAddr
		close(ready)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ready:
	case err := <-errCh:
		t.Fatalf("server exited before starting: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start in time")
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return h
}

func readFrameForTest(t *testing.T, conn net.Conn) (wire.Header, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	h, body, err := readFrame(conn)
	require.NoError(t, err)
	return h, body
}

func dialActivated(t *testing.T, addr net.Addr, source uint16) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	req := wire.EncodeFrame(wire.RoutingActivationRequest, func() []byte {
		b := make([]byte, 7)
		b[0] = byte(source >> 8)
		b[1] = byte(source)
		return b
	}())
	_, err = conn.Write(req)
	require.NoError(t, err)

	h, body := readFrameForTest(t, conn)
	require.Equal(t, wire.RoutingActivationResponse, h.PayloadType)
	require.Equal(t, wire.RoutingActivationSuccess, body[4])
	return conn
}

func TestRoutingActivationSuccess(t *testing.T) {
	h := startTestServer(t, testGateway())
	conn := dialActivated(t, h.tcpAddr, 0x0E00)
	_ = conn
}

func TestRoutingActivationDeniedForUnknownSource(t *testing.T) {
	h := startTestServer(t, testGateway())
	conn, err := net.Dial("tcp", h.tcpAddr.String())
	require.NoError(t, err)
	defer conn.Close()

	req := wire.EncodeFrame(wire.RoutingActivationRequest, []byte{0x99, 0x99, 0x00, 0, 0, 0, 0})
	_, err = conn.Write(req)
	require.NoError(t, err)

	hdr, body := readFrameForTest(t, conn)
	assert.Equal(t, wire.RoutingActivationResponse, hdr.PayloadType)
	assert.Equal(t, wire.RoutingActivationDenied, body[4])
}

func TestNonActivationFrameBeforeActivationClosesSession(t *testing.T) {
	h := startTestServer(t, testGateway())
	conn, err := net.Dial("tcp", h.tcpAddr.String())
	require.NoError(t, err)
	defer conn.Close()

	req := wire.EncodeFrame(wire.AliveCheckRequest, nil)
	_, err = conn.Write(req)
	require.NoError(t, err)

	hdr, body := readFrameForTest(t, conn)
	assert.Equal(t, wire.GenericHeaderNACK, hdr.PayloadType)
	assert.Equal(t, wire.NACKInvalidPayloadTypeForState, body[0])
}

func TestDiagnosticMessageExchangeSingleResponse(t *testing.T) {
	h := startTestServer(t, testGateway())
	conn := dialActivated(t, h.tcpAddr, 0x0E00)

	diagReq := wire.EncodeDiagnosticMessage(0x0E00, 0x1000, []byte{0x22, 0xF1, 0x90})
	_, err := conn.Write(wire.EncodeFrame(wire.DiagnosticMessage, diagReq))
	require.NoError(t, err)

	ackHdr, ackBody := readFrameForTest(t, conn)
	assert.Equal(t, wire.DiagnosticMessagePositiveAck, ackHdr.PayloadType)
	assert.Equal(t, wire.DiagAckPositive, ackBody[4])

	respHdr, respBody := readFrameForTest(t, conn)
	assert.Equal(t, wire.DiagnosticMessage, respHdr.PayloadType)
	assert.Equal(t, []byte{0x62, 0xF1, 0x90}, respBody[4:])
}

func TestDiagnosticMessageCycling(t *testing.T) {
	h := startTestServer(t, testGateway())
	conn := dialActivated(t, h.tcpAddr, 0x0E00)

	var got [][]byte
	for i := 0; i < 2; i++ {
		diagReq := wire.EncodeDiagnosticMessage(0x0E00, 0x1000, []byte{0x22, 0x0C, 0x01})
		_, err := conn.Write(wire.EncodeFrame(wire.DiagnosticMessage, diagReq))
		require.NoError(t, err)
		readFrameForTest(t, conn) // ack
		_, body := readFrameForTest(t, conn)
		got = append(got, body[4:])
	}
	assert.Equal(t, []byte{0xAA}, got[0][3:])
	assert.Equal(t, []byte{0xBB}, got[1][3:])
}

func TestDiagnosticMessageNoResponseProducesOnlyAck(t *testing.T) {
	h := startTestServer(t, testGateway())
	conn := dialActivated(t, h.tcpAddr, 0x0E00)

	diagReq := wire.EncodeDiagnosticMessage(0x0E00, 0x1000, []byte{0x3E, 0x00})
	_, err := conn.Write(wire.EncodeFrame(wire.DiagnosticMessage, diagReq))
	require.NoError(t, err)

	ackHdr, _ := readFrameForTest(t, conn)
	assert.Equal(t, wire.DiagnosticMessagePositiveAck, ackHdr.PayloadType)

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 8)
	_, err = conn.Read(buf)
	assert.Error(t, err) // idle read timeout: no further frame arrives
}

func TestDiagnosticMessageFunctionalFanout(t *testing.T) {
	h := startTestServer(t, testGateway())
	conn := dialActivated(t, h.tcpAddr, 0x0E00)

	diagReq := wire.EncodeDiagnosticMessage(0x0E00, 0x1FFF, []byte{0x22, 0xF1, 0x90})
	_, err := conn.Write(wire.EncodeFrame(wire.DiagnosticMessage, diagReq))
	require.NoError(t, err)

	ackHdr, _ := readFrameForTest(t, conn)
	assert.Equal(t, wire.DiagnosticMessagePositiveAck, ackHdr.PayloadType)

	sources := make(map[uint16]bool)
	for i := 0; i < 2; i++ {
		hdr, body := readFrameForTest(t, conn)
		require.Equal(t, wire.DiagnosticMessage, hdr.PayloadType)
		sources[uint16(body[0])<<8|uint16(body[1])] = true
	}
	assert.True(t, sources[0x1000])
	assert.True(t, sources[0x1001])
}

func TestDiagnosticMessageUnknownTargetGetsTransportNack(t *testing.T) {
	h := startTestServer(t, testGateway())
	conn := dialActivated(t, h.tcpAddr, 0x0E00)

	diagReq := wire.EncodeDiagnosticMessage(0x0E00, 0x9999, []byte{0x22, 0xF1, 0x90})
	_, err := conn.Write(wire.EncodeFrame(wire.DiagnosticMessage, diagReq))
	require.NoError(t, err)

	hdr, body := readFrameForTest(t, conn)
	assert.Equal(t, wire.DiagnosticMessageNegativeAck, hdr.PayloadType)
	assert.Equal(t, wire.DiagNackUnknownTarget, body[4])
}

func TestOversizedPayloadLengthClosesSessionWithoutAllocating(t *testing.T) {
	h := startTestServer(t, testGateway())
	conn := dialActivated(t, h.tcpAddr, 0x0E00)

	hdr := wire.EncodeHeader(wire.Header{
		ProtocolVersion:        wire.ProtocolVersion,
		InverseProtocolVersion: wire.InverseProtocolVersion,
		PayloadType:            wire.DiagnosticMessage,
		PayloadLength:          wire.MaxPayloadLength + 1,
	})
	_, err := conn.Write(hdr)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 8)
	_, err = conn.Read(buf)
	assert.Error(t, err) // session closed, no declared-length body ever requested
}

func TestMalformedDiagnosticBodyClosesSession(t *testing.T) {
	h := startTestServer(t, testGateway())
	conn := dialActivated(t, h.tcpAddr, 0x0E00)

	// A Diagnostic Message body needs at least 5 bytes (source + target +
	// 1 UDS byte); 4 bytes is structurally invalid.
	_, err := conn.Write(wire.EncodeFrame(wire.DiagnosticMessage, []byte{0x0E, 0x00, 0x10, 0x00}))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 8)
	_, err = conn.Read(buf)
	assert.Error(t, err) // no ack, session closed
}

func TestDiagnosticMessageUnmatchedServiceGetsNegativeResponse(t *testing.T) {
	h := startTestServer(t, testGateway())
	conn := dialActivated(t, h.tcpAddr, 0x0E00)

	diagReq := wire.EncodeDiagnosticMessage(0x0E00, 0x1000, []byte{0x11, 0x03})
	_, err := conn.Write(wire.EncodeFrame(wire.DiagnosticMessage, diagReq))
	require.NoError(t, err)

	readFrameForTest(t, conn) // ack
	hdr, body := readFrameForTest(t, conn)
	assert.Equal(t, wire.DiagnosticMessage, hdr.PayloadType)
	uds := body[4:]
	assert.Equal(t, []byte{0x7F, 0x11, 0x11}, uds)
}
