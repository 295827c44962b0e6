package rpc

import (
	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/skein-sh/skein/pkg/errcode"
)

// InvokeEnvelope is the payload handed to an instance runtime for one
// invocation: the inline args, the resolved arg objects, and the
// return object ids the function fills.
type InvokeEnvelope struct {
	Method        string
	SeqNo         int64
	Args          []byte
	Objects       map[string][]byte
	ReturnObjects []string
}

// EncodeInvokeEnvelope serializes the envelope with the shared
// msgpack handle.
func EncodeInvokeEnvelope(env *InvokeEnvelope) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, msgpackHandle).Encode(env); err != nil {
		return nil, errcode.Newf(errcode.InnerSystemError, "encode invoke envelope: %v", err)
	}
	return buf, nil
}

// DecodeInvokeEnvelope reverses EncodeInvokeEnvelope.
func DecodeInvokeEnvelope(b []byte) (*InvokeEnvelope, error) {
	env := &InvokeEnvelope{}
	if err := codec.NewDecoderBytes(b, msgpackHandle).Decode(env); err != nil {
		return nil, errcode.Newf(errcode.InnerSystemError, "decode invoke envelope: %v", err)
	}
	return env, nil
}

// SplitInvokeResults maps a function response onto the declared
// return objects. A single id takes the response whole; several ids
// take a msgpack-encoded list of payloads split positionally. No ids
// discards the response.
func SplitInvokeResults(returnIDs []string, response []byte) (map[string][]byte, error) {
	switch len(returnIDs) {
	case 0:
		return nil, nil
	case 1:
		return map[string][]byte{returnIDs[0]: response}, nil
	}

	var parts [][]byte
	if err := codec.NewDecoderBytes(response, msgpackHandle).Decode(&parts); err != nil {
		return nil, errcode.Newf(errcode.UserFunctionException,
			"response is not a list, %d return objects declared: %v", len(returnIDs), err)
	}
	if len(parts) != len(returnIDs) {
		return nil, errcode.Newf(errcode.UserFunctionException,
			"response carries %d payloads, %d return objects declared", len(parts), len(returnIDs))
	}

	out := make(map[string][]byte, len(returnIDs))
	for i, id := range returnIDs {
		out[id] = parts[i]
	}
	return out, nil
}
