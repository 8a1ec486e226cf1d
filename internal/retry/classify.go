// Package retry maps agent process exits to retry decisions and
// computes restart backoff delays. Pure functions, no state.
package retry

import (
	"fmt"
	"syscall"
)

// Classification says whether a failed exit is worth retrying.
type Classification string

const (
	// Success: the process exited 0.
	Success Classification = "success"
	// Retryable: transient failure, a supervisor may restart.
	Retryable Classification = "retryable"
	// Permanent: configuration or environment error; restarting
	// would loop forever on the same failure.
	Permanent Classification = "permanent"
)

// Result pairs a classification with a human-readable reason.
type Result struct {
	Classification Classification
	Reason         string
}

// NoSignal marks the absence of a terminating signal in Classify.
const NoSignal = syscall.Signal(0)

// NoExitCode marks an unknown exit code in Classify (e.g. the process
// was signal-terminated and the platform reports no code).
const NoExitCode = -1

// Classify maps an exit code and terminating signal to a retry
// decision. Rules, in priority order:
//
//   - code 0 is Success regardless of anything else
//   - a terminating signal wins over the code: SIGSEGV and SIGABRT are
//     Permanent (the binary itself is broken), everything else
//     (SIGTERM, SIGINT, SIGKILL, unrecognized) is Retryable
//   - code 1 is a general error, Retryable
//   - codes 2, 126, 127, 128 are shell misuse, not-executable,
//     not-found, and invalid-argument: Permanent
//   - codes 129-192 encode death by signal (code-128), Retryable
//   - anything else is Retryable
//   - no code and no signal means the termination cause is unknown,
//     which is Retryable
func Classify(code int, sig syscall.Signal) Result {
	if code == 0 {
		return Result{Success, "exit code 0"}
	}
	if sig != NoSignal {
		switch sig {
		case syscall.SIGSEGV, syscall.SIGABRT:
			return Result{Permanent, fmt.Sprintf("terminated by %s", sigName(sig))}
		default:
			return Result{Retryable, fmt.Sprintf("terminated by %s", sigName(sig))}
		}
	}
	if code == NoExitCode {
		return Result{Retryable, "unknown termination"}
	}
	switch {
	case code == 1:
		return Result{Retryable, "general error"}
	case code == 2:
		return Result{Permanent, "shell misuse"}
	case code == 126:
		return Result{Permanent, "command not executable"}
	case code == 127:
		return Result{Permanent, "command not found"}
	case code == 128:
		return Result{Permanent, "invalid exit argument"}
	case code >= 129 && code <= 192:
		return Result{Retryable, fmt.Sprintf("killed by signal %d", code-128)}
	default:
		return Result{Retryable, fmt.Sprintf("exit code %d", code)}
	}
}

func sigName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGSEGV:
		return "SIGSEGV"
	case syscall.SIGABRT:
		return "SIGABRT"
	default:
		return fmt.Sprintf("signal %d", int(sig))
	}
}
