package errcode

import (
	"errors"
	"fmt"
)

// Code is a wire-level error code. Each component owns a 10000-wide
// range; within a range codes are enumerated densely. 0 is success and
// -1 is the untyped common failure.
type Code int32

const (
	OK         Code = 0
	CommonFail Code = -1
)

// Common range (1xxxx): request-shape and lifecycle errors.
const (
	ParameterError   Code = 10001
	RequestTimeOut   Code = 10002
	Finalized        Code = 10003
	RequestCancelled Code = 10004
	InnerSystemError Code = 10005
)

// Scheduler range (2xxxx).
const (
	ResourceNotEnough        Code = 20001
	AffinityScheduleFailed   Code = 20002
	NoPreemptableInstance    Code = 20003
	ResourceGroupQuotaExceed Code = 20004
	ResourceUnitNotFound     Code = 20005
)

// Instance range (3xxxx).
const (
	InstanceNotFound      Code = 30001
	InstanceHeartbeatLost Code = 30002
	InstanceSubHealth     Code = 30003
	InstanceStateConflict Code = 30004
)

// Group range (4xxxx).
const (
	GroupNotFound     Code = 40001
	GroupParentFailed Code = 40002
	GroupExitTogether Code = 40003
	GroupKillActive   Code = 40004
)

// Object-store range (5xxxx).
const (
	ObjectNotFound     Code = 50001
	ObjectRefCountZero Code = 50002
	ObjectNestedCycle  Code = 50003
	ObjectError        Code = 50004
)

// Runtime range (6xxxx): failures from the instance runtime and user
// code.
const (
	UserCodeLoad          Code = 60001
	UserFunctionException Code = 60002
	RuntimeStartFailed    Code = 60003
)

// Metadata-store range (7xxxx).
const (
	MetaOperationError Code = 70001
	MetaCASConflict    Code = 70002
	MetaLeaseNotFound  Code = 70003
	NotLeader          Code = 70004
)

// Transport range (8xxxx).
const (
	InnerCommunication       Code = 80001
	RequestBetweenRuntimeBus Code = 80002
	ConnectionClosed         Code = 80003
)

// Component returns the owning component of the code's range, for
// logging.
func (c Code) Component() string {
	switch {
	case c == OK:
		return "none"
	case c < 20000:
		return "common"
	case c < 30000:
		return "scheduler"
	case c < 40000:
		return "instance"
	case c < 50000:
		return "group"
	case c < 60000:
		return "object"
	case c < 70000:
		return "runtime"
	case c < 80000:
		return "metastore"
	default:
		return "transport"
	}
}

// Retryable reports whether a client may transparently retry the
// request after this code. Only transient transport failures qualify;
// everything else fails fast or suspends server-side.
func (c Code) Retryable() bool {
	switch c {
	case InnerCommunication, RequestBetweenRuntimeBus, ConnectionClosed:
		return true
	default:
		return false
	}
}

// Posix is the short stable code set user-visible reporting folds
// into, so callers never depend on internal range values.
type Posix int32

const (
	ErrNone Posix = iota
	ErrParamInvalid
	ErrResourceNotEnough
	ErrInstanceNotFound
	ErrInstanceSubHealth
	ErrInnerCommunication
	ErrEtcdOperationError
	ErrInnerSystemError
	ErrUserFunctionException
)

func (p Posix) String() string {
	switch p {
	case ErrNone:
		return "ERR_NONE"
	case ErrParamInvalid:
		return "ERR_PARAM_INVALID"
	case ErrResourceNotEnough:
		return "ERR_RESOURCE_NOT_ENOUGH"
	case ErrInstanceNotFound:
		return "ERR_INSTANCE_NOT_FOUND"
	case ErrInstanceSubHealth:
		return "ERR_INSTANCE_SUB_HEALTH"
	case ErrInnerCommunication:
		return "ERR_INNER_COMMUNICATION"
	case ErrEtcdOperationError:
		return "ERR_ETCD_OPERATION_ERROR"
	case ErrUserFunctionException:
		return "ERR_USER_FUNCTION_EXCEPTION"
	default:
		return "ERR_INNER_SYSTEM_ERROR"
	}
}

// Fold maps an internal code to its posix-style equivalent.
func (c Code) Fold() Posix {
	switch c {
	case OK:
		return ErrNone
	case ParameterError:
		return ErrParamInvalid
	case ResourceNotEnough, AffinityScheduleFailed, NoPreemptableInstance, ResourceGroupQuotaExceed:
		return ErrResourceNotEnough
	case InstanceNotFound:
		return ErrInstanceNotFound
	case InstanceSubHealth:
		return ErrInstanceSubHealth
	case InnerCommunication, RequestBetweenRuntimeBus, ConnectionClosed:
		return ErrInnerCommunication
	case MetaOperationError, MetaCASConflict, MetaLeaseNotFound, NotLeader:
		return ErrEtcdOperationError
	case UserCodeLoad, UserFunctionException:
		return ErrUserFunctionException
	default:
		return ErrInnerSystemError
	}
}

// Status is a coded error that survives RPC hops. Detail lines appended
// at each boundary join into the message so the origin stays readable.
type Status struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// New builds a Status for code with a message.
func New(code Code, msg string) *Status {
	return &Status{Code: code, Message: msg}
}

// Newf builds a Status with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Status {
	return &Status{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (s *Status) Error() string {
	return fmt.Sprintf("[%d %s] %s", s.Code, s.Code.Fold(), s.Message)
}

// WithDetail returns a copy with one more detail line joined onto the
// message. The original is not mutated; statuses may be shared.
func (s *Status) WithDetail(detail string) *Status {
	if s.Message == "" {
		return &Status{Code: s.Code, Message: detail}
	}
	return &Status{Code: s.Code, Message: s.Message + "; " + detail}
}

// WithDetailf is WithDetail with formatting.
func (s *Status) WithDetailf(format string, args ...interface{}) *Status {
	return s.WithDetail(fmt.Sprintf(format, args...))
}

// FromError extracts the Status from an error chain. Errors without a
// Status fold into InnerSystemError so every failure crossing the wire
// carries a code.
func FromError(err error) *Status {
	if err == nil {
		return &Status{Code: OK}
	}
	var s *Status
	if errors.As(err, &s) {
		return s
	}
	return &Status{Code: InnerSystemError, Message: err.Error()}
}

// CodeOf returns the code carried by err, or InnerSystemError for
// uncoded errors and OK for nil.
func CodeOf(err error) Code {
	return FromError(err).Code
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
