package rpc

import (
	"errors"
	"strconv"
	"strings"

	"github.com/skein-sh/skein/pkg/errcode"
)

// StatusOf recovers the coded status from an RPC error. In-process
// errors carry the status directly; errors that crossed net/rpc arrive
// flattened to their string form and are parsed back. Anything else
// folds into INNER_COMMUNICATION so retry policy can treat unreadable
// transport failures uniformly.
func StatusOf(err error) *errcode.Status {
	if err == nil {
		return &errcode.Status{Code: errcode.OK}
	}
	var st *errcode.Status
	if errors.As(err, &st) {
		return st
	}
	if parsed, ok := parseStatus(err.Error()); ok {
		return parsed
	}
	return &errcode.Status{Code: errcode.InnerCommunication, Message: err.Error()}
}

// parseStatus reverses Status.Error()'s "[code FOLD] message" shape.
// The fold token is derived from the code and is ignored.
func parseStatus(s string) (*errcode.Status, bool) {
	if !strings.HasPrefix(s, "[") {
		return nil, false
	}
	end := strings.IndexByte(s, ']')
	if end < 0 {
		return nil, false
	}
	inner := s[1:end]
	sp := strings.IndexByte(inner, ' ')
	if sp < 0 {
		return nil, false
	}
	code, err := strconv.ParseInt(inner[:sp], 10, 32)
	if err != nil {
		return nil, false
	}
	msg := strings.TrimPrefix(s[end+1:], " ")
	return &errcode.Status{Code: errcode.Code(code), Message: msg}, true
}

// LeaderHint extracts the leader address a follower embedded in a
// NOT_LEADER rejection. The second value is false when the follower
// knew no leader, in which case the caller backs off and retries the
// same address.
func LeaderHint(err error) (string, bool) {
	st := StatusOf(err)
	if st.Code != errcode.NotLeader {
		return "", false
	}
	addr := strings.TrimSpace(st.Message)
	if addr == "" || !strings.Contains(addr, ":") {
		return "", false
	}
	return addr, true
}
