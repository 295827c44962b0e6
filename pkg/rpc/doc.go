// Package rpc defines the control-plane wire protocol: the connection
// type byte accepted listeners dispatch on, the msgpack-RPC codecs
// shared by servers, agents and clients, the request and reply structs
// for every operation, and the framed push stream that carries
// notifications back to clients.
//
// Every TCP connection opens with a single ConnType byte. ConnDirect
// runs one msgpack-RPC session on the raw conn. ConnMultiplex wraps
// the conn in yamux and runs one RPC session per accepted stream; the
// agent's reverse session rides this type so the server can call back
// into agents over connections the agents dialed. ConnStream performs
// a StreamHeader/StreamAck handshake and then carries length-prefixed
// msgpack NotifyFrames one way until closed.
//
// Errors cross the wire flattened to strings by net/rpc. StatusOf
// parses the coded status back out so callers keep their error-kind
// handling on both sides of a socket.
package rpc
