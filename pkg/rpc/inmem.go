package rpc

import (
	"errors"
	"net/rpc"
	"reflect"

	"github.com/mitchellh/copystructure"
)

var errMissingReply = errors.New("rpc: endpoint wrote no reply")

// InmemCodec drives a net/rpc server for a single call without a
// socket. Args are deep-copied on the way in so endpoints cannot
// alias caller memory, which keeps in-process tests honest about what
// a wire round-trip would do.
type InmemCodec struct {
	Method string
	Args   interface{}
	Reply  interface{}
	Err    error
}

func (c *InmemCodec) ReadRequestHeader(req *rpc.Request) error {
	req.ServiceMethod = c.Method
	return nil
}

func (c *InmemCodec) ReadRequestBody(args interface{}) error {
	if args == nil {
		return nil
	}
	cp, err := copystructure.Copy(c.Args)
	if err != nil {
		return err
	}
	src := reflect.Indirect(reflect.Indirect(reflect.ValueOf(cp)))
	dst := reflect.Indirect(reflect.Indirect(reflect.ValueOf(args)))
	dst.Set(src)
	return nil
}

func (c *InmemCodec) WriteResponse(resp *rpc.Response, reply interface{}) error {
	if resp.Error != "" {
		c.Err = errors.New(resp.Error)
		return nil
	}
	if reply == nil {
		c.Err = errMissingReply
		return nil
	}
	src := reflect.Indirect(reflect.Indirect(reflect.ValueOf(reply)))
	dst := reflect.Indirect(reflect.Indirect(reflect.ValueOf(c.Reply)))
	dst.Set(src)
	return nil
}

func (c *InmemCodec) Close() error {
	return nil
}

// CallInmem runs one call against srv in process. Coded statuses
// survive the flattening net/rpc applies to endpoint errors.
func CallInmem(srv *rpc.Server, method string, args, reply interface{}) error {
	cc := &InmemCodec{Method: method, Args: args, Reply: reply}
	if err := srv.ServeRequest(cc); err != nil {
		return err
	}
	if cc.Err == nil {
		return nil
	}
	if st, ok := parseStatus(cc.Err.Error()); ok {
		return st
	}
	return cc.Err
}
