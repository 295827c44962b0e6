package rpc

import (
	"context"
	"fmt"
	"net"
	"time"
)

// ConnType is the first byte written on every control-plane connection.
// The accept loop reads it before anything else and hands the rest of
// the stream to the matching handler.
type ConnType byte

const (
	// ConnDirect carries a single msgpack-RPC session.
	ConnDirect ConnType = 0x01

	// ConnMultiplex carries a yamux session; every accepted stream is
	// an independent msgpack-RPC session.
	ConnMultiplex ConnType = 0x02

	// ConnStream carries a long-lived push stream. The dialer sends a
	// StreamHeader, the acceptor answers with a StreamAck, then frames
	// flow one way until either side closes.
	ConnStream ConnType = 0x03
)

func (t ConnType) String() string {
	switch t {
	case ConnDirect:
		return "direct"
	case ConnMultiplex:
		return "multiplex"
	case ConnStream:
		return "stream"
	default:
		return fmt.Sprintf("unknown(%#x)", byte(t))
	}
}

// Valid reports whether the byte names a known connection type.
func (t ConnType) Valid() bool {
	switch t {
	case ConnDirect, ConnMultiplex, ConnStream:
		return true
	}
	return false
}

// Dial opens a TCP connection to addr and writes the connection type
// byte so the far side knows how to treat the stream.
func Dial(ctx context.Context, addr string, t ConnType) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write([]byte{byte(t)}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write conn type to %s: %w", addr, err)
	}
	conn.SetWriteDeadline(time.Time{})
	return conn, nil
}

// ReadConnType consumes the type byte from a freshly accepted
// connection.
func ReadConnType(conn net.Conn) (ConnType, error) {
	var buf [1]byte
	if _, err := conn.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("read conn type: %w", err)
	}
	t := ConnType(buf[0])
	if !t.Valid() {
		return 0, fmt.Errorf("unknown conn type %#x", buf[0])
	}
	return t, nil
}
