package rpc

import (
	"io"
	"net/rpc"
	"reflect"

	"github.com/hashicorp/go-msgpack/v2/codec"
	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"
)

// msgpackHandle is shared by every codec in the process. RawToString
// keeps msgpack raw bytes decoding as Go strings, and the map type
// pins untyped maps so replies decode the same on both sides.
var msgpackHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.RawToString = true
	h.MapType = reflect.TypeOf(map[string]interface{}(nil))
	return h
}()

// NewClientCodec returns the client side of a msgpack-RPC session over
// conn. Reads and writes are buffered.
func NewClientCodec(conn io.ReadWriteCloser) rpc.ClientCodec {
	return msgpackrpc.NewCodecFromHandle(true, true, conn, msgpackHandle)
}

// NewServerCodec returns the server side of a msgpack-RPC session over
// conn.
func NewServerCodec(conn io.ReadWriteCloser) rpc.ServerCodec {
	return msgpackrpc.NewCodecFromHandle(true, true, conn, msgpackHandle)
}

// CallWithCodec performs a single RPC over an established codec. The
// codec is not closed; sessions are reused across calls.
func CallWithCodec(cc rpc.ClientCodec, method string, args, reply interface{}) error {
	return msgpackrpc.CallWithCodec(cc, method, args, reply)
}
