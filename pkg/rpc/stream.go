package rpc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/skein-sh/skein/pkg/errcode"
)

// MaxFrameSize bounds a single stream frame. Payloads above this ride
// in the object store and cross as references.
const MaxFrameSize = 16 << 20

// StreamHeader opens a push stream. The dialer writes it as the first
// frame after the ConnStream byte; the acceptor answers with a
// StreamAck before any data frames flow.
type StreamHeader struct {
	Method   string
	ClientID string
}

// StreamMethodNotify subscribes the dialing client to its
// notification feed.
const StreamMethodNotify = "notify"

// StreamAck accepts or rejects a stream. A non-empty Error closes the
// handshake.
type StreamAck struct {
	Error string
}

// NotifyType tags a frame on the notification stream.
type NotifyType int32

const (
	// NotifyResult completes a request: create placed or failed,
	// invoke finished, kill done.
	NotifyResult NotifyType = iota

	// NotifyCheckpoint asks the client runtime to checkpoint state.
	NotifyCheckpoint

	// NotifyRecover tells the client a checkpointed instance came
	// back.
	NotifyRecover

	// NotifySignal forwards an out-of-band signal to the client.
	NotifySignal

	// NotifyShutdown tells the client the server is going away and
	// the stream will close.
	NotifyShutdown
)

func (t NotifyType) String() string {
	switch t {
	case NotifyResult:
		return "result"
	case NotifyCheckpoint:
		return "checkpoint"
	case NotifyRecover:
		return "recover"
	case NotifySignal:
		return "signal"
	case NotifyShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("unknown(%d)", int32(t))
	}
}

// NotifyFrame is one record on the notification stream. Only the
// fields the Type calls for are set.
type NotifyFrame struct {
	Type       NotifyType
	RequestID  string
	InstanceID string
	GroupID    string
	SeqNo      int64
	Code       errcode.Code
	Message    string
	ObjectIDs  []string
	Payload    []byte
	Signal     int32
}

// FrameConn frames msgpack records over a byte stream with a 4-byte
// big-endian length prefix. Writes are serialized; reads expect a
// single consumer.
type FrameConn struct {
	conn net.Conn
	r    *bufio.Reader

	wmu sync.Mutex
	wb  []byte
}

// NewFrameConn wraps an accepted or dialed stream connection.
func NewFrameConn(conn net.Conn) *FrameConn {
	return &FrameConn{conn: conn, r: bufio.NewReader(conn)}
}

// WriteFrame encodes v and writes it as one frame.
func (c *FrameConn) WriteFrame(v interface{}) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.wb = c.wb[:0]
	enc := codec.NewEncoderBytes(&c.wb, msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(c.wb) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(c.wb))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(c.wb)))
	if _, err := c.conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err := c.conn.Write(c.wb)
	return err
}

// ReadFrame reads the next frame into v. It blocks until a frame
// arrives or the connection closes.
func (c *FrameConn) ReadFrame(v interface{}) error {
	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return err
	}
	dec := codec.NewDecoderBytes(buf, msgpackHandle)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (c *FrameConn) Close() error {
	return c.conn.Close()
}

// RemoteAddr reports the peer address for logging.
func (c *FrameConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// OpenStream performs the dialer's half of the stream handshake on a
// fresh ConnStream connection and returns the framed connection ready
// for data frames.
func OpenStream(conn net.Conn, method, clientID string) (*FrameConn, error) {
	fc := NewFrameConn(conn)
	if err := fc.WriteFrame(&StreamHeader{Method: method, ClientID: clientID}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("stream handshake: %w", err)
	}
	var ack StreamAck
	if err := fc.ReadFrame(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("stream handshake: %w", err)
	}
	if ack.Error != "" {
		conn.Close()
		return nil, fmt.Errorf("stream rejected: %s", ack.Error)
	}
	return fc, nil
}

// AcceptStream reads the handshake on an accepted ConnStream
// connection. The caller inspects the header, then answers with
// Accept or Reject on the returned conn.
func AcceptStream(conn net.Conn) (*FrameConn, *StreamHeader, error) {
	fc := NewFrameConn(conn)
	var hdr StreamHeader
	if err := fc.ReadFrame(&hdr); err != nil {
		return nil, nil, fmt.Errorf("stream handshake: %w", err)
	}
	return fc, &hdr, nil
}

// Accept completes the handshake on the serving side.
func (c *FrameConn) Accept() error {
	return c.WriteFrame(&StreamAck{})
}

// Reject refuses the stream with a reason and closes it.
func (c *FrameConn) Reject(reason string) error {
	err := c.WriteFrame(&StreamAck{Error: reason})
	c.conn.Close()
	return err
}
