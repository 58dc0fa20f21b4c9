package doipsrv

import (
	"net"
	"testing"
	"time"

	"github.com/Alonso07/doip-server/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialUDP(t *testing.T, addr net.Addr) *net.UDPConn {
	t.Helper()
	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn.(*net.UDPConn)
}

func readUDPFrame(t *testing.T, conn *net.UDPConn) (wire.Header, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	h, err := wire.DecodeHeader(buf[:wire.HeaderLen])
	require.NoError(t, err)
	return h, buf[wire.HeaderLen:n]
}

func TestUDPVehicleIdentificationRequest(t *testing.T) {
	h := startTestServer(t, testGateway())
	conn := dialUDP(t, h.udpAddr)

	_, err := conn.Write(wire.EncodeFrame(wire.VehicleIDRequest, nil))
	require.NoError(t, err)

	hdr, body := readUDPFrame(t, conn)
	assert.Equal(t, wire.VehicleAnnouncement, hdr.PayloadType)
	assert.Len(t, body, 33)
}

func TestUDPVehicleIdentificationByEIDIgnoresOtherEIDs(t *testing.T) {
	h := startTestServer(t, testGateway())
	conn := dialUDP(t, h.udpAddr)

	req := wire.EncodeFrame(wire.VehicleIDRequestByEID, []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66})
	_, err := conn.Write(req)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 64)
	_, err = conn.Read(buf)
	assert.Error(t, err)
}

func TestUDPEntityStatusRequest(t *testing.T) {
	h := startTestServer(t, testGateway())
	conn := dialUDP(t, h.udpAddr)

	_, err := conn.Write(wire.EncodeFrame(wire.EntityStatusRequest, nil))
	require.NoError(t, err)

	hdr, body := readUDPFrame(t, conn)
	assert.Equal(t, wire.EntityStatusResponse, hdr.PayloadType)
	assert.Equal(t, byte(0x00), body[0])
}

func TestUDPPowerModeResponseIsOneByte(t *testing.T) {
	h := startTestServer(t, testGateway())
	conn := dialUDP(t, h.udpAddr)

	_, err := conn.Write(wire.EncodeFrame(wire.DiagnosticPowerModeRequest, nil))
	require.NoError(t, err)
	hdr, body := readUDPFrame(t, conn)
	assert.Equal(t, wire.DiagnosticPowerModeResponse, hdr.PayloadType)
	assert.Len(t, body, 1)
}
