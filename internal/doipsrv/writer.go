package doipsrv

import (
	"net"

	"github.com/Alonso07/doip-server/internal/wire"
)

// frameWriter writes whole DoIP frames to a TCP connection, grounded on the
// teacher's response.Write/PackMsg idiom (eshenhu-doip/doip/server.go).
type frameWriter struct {
	conn net.Conn
}

func (w *frameWriter) writeFrame(payloadType wire.MsgTid, body []byte) error {
	frame := wire.EncodeFrame(payloadType, body)
	sent := 0
	for sent < len(frame) {
		n, err := w.conn.Write(frame[sent:])
		if err != nil {
			return err
		}
		sent += n
	}
	return nil
}

func (w *frameWriter) writeNACK(code byte) error {
	return w.writeFrame(wire.GenericHeaderNACK, []byte{code})
}
