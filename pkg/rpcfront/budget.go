package rpcfront

import "time"

const (
	kib = 1024
	mib = 1024 * kib
)

// ExecBudget bounds one node.invoke execution: wall-clock timeout and
// output-size ceilings (spec §4.7 step 9).
type ExecBudget struct {
	Timeout   time.Duration
	MaxStdout int64
	MaxStderr int64
	MaxTotal  int64
}

// DefaultExecBudget applies to ordinary (non-dangerous) commands.
var DefaultExecBudget = ExecBudget{
	Timeout:   2 * time.Minute,
	MaxStdout: 2 * mib,
	MaxStderr: 1 * mib,
	MaxTotal:  3 * mib,
}

// DefaultDangerousBudget applies to commands the policy registry marks
// dangerous, and is always stricter than DefaultExecBudget.
var DefaultDangerousBudget = ExecBudget{
	Timeout:   1 * time.Minute,
	MaxStdout: 512 * kib,
	MaxStderr: 256 * kib,
	MaxTotal:  768 * kib,
}

// MaxResponsePayload is the per-field byte limit node.invoke applies, via
// capPayload, to the stdout/stderr/data fields of the transport's returned
// payload regardless of budget (spec §4.7 step 10).
const MaxResponsePayload = 3 * mib

// ClampBudget resolves the effective budget for a command: the
// dangerous/ordinary default, narrowed by a caller-supplied timeout (the
// effective timeout is always the MIN of the two, never the max).
func ClampBudget(dangerous bool, requestedTimeoutMs int64) ExecBudget {
	budget := DefaultExecBudget
	if dangerous {
		budget = DefaultDangerousBudget
	}
	if requestedTimeoutMs > 0 {
		requested := time.Duration(requestedTimeoutMs) * time.Millisecond
		if requested < budget.Timeout {
			budget.Timeout = requested
		}
	}
	return budget
}
