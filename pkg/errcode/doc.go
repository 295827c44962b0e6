/*
Package errcode defines Skein's wire-level error codes and the coded
Status error that crosses RPC hops.

Every component owns a 10000-wide code range so a bare number already
names its origin; within a range codes enumerate densely. 0 is success
and -1 the untyped common failure.

# Code Ranges

	1xxxx  common      parameter errors, timeouts, finalize, cancel
	2xxxx  scheduler   resource shortage, affinity failure, preemption
	3xxxx  instance    not-found, heartbeat loss, sub-health
	4xxxx  group       cascade errors, kill coordination
	5xxxx  object      refcount, nested cycles, sealed errors
	6xxxx  runtime     user code load/exception, start failures
	7xxxx  metastore   KV operation, CAS conflict, leadership
	8xxxx  transport   broken connections, runtime bus

# Posix Folding

Client-visible reporting never exposes internal ranges. Code.Fold maps
every code onto the short stable set ERR_NONE, ERR_PARAM_INVALID,
ERR_RESOURCE_NOT_ENOUGH, ERR_INSTANCE_NOT_FOUND,
ERR_INSTANCE_SUB_HEALTH, ERR_INNER_COMMUNICATION,
ERR_ETCD_OPERATION_ERROR, ERR_INNER_SYSTEM_ERROR,
ERR_USER_FUNCTION_EXCEPTION.

# Usage

Returning a coded error:

	return errcode.Newf(errcode.ResourceNotEnough,
		"no unit fits cpu=%d mem=%d", req.CPU, req.Memory)

Appending detail at a boundary:

	if err != nil {
		return errcode.FromError(err).WithDetail("create instance " + id)
	}

Checking a code across hops:

	if errcode.Is(err, errcode.NotLeader) {
		redialLeader()
	}

# Integration Points

  - pkg/rpc: Status is the error body of every response message
  - pkg/sched: suspend decisions key off ResourceNotEnough and
    AffinityScheduleFailed
  - pkg/client: Retryable gates transparent resubmission
*/
package errcode
