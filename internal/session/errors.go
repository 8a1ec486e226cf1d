package session

import (
	"errors"
	"fmt"
)

// Sentinel errors for caller misuse of the session state machine and
// manager lookups.
var (
	ErrNotRunning        = errors.New("session not running")
	ErrAlreadyProcessing = errors.New("session already processing a prompt")
	ErrNotFound          = errors.New("session not found")
	ErrExists            = errors.New("session already exists")
	ErrSpawn             = errors.New("agent spawn failed")
	ErrProcessGone       = errors.New("session process no longer alive")
)

// ExitError reports an agent process that ran and exited nonzero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("agent exited with code %d: %s", e.Code, e.Stderr)
	}
	return fmt.Sprintf("agent exited with code %d", e.Code)
}

// PromptTimeoutError reports a prompt that hit its timeout. It carries
// the partial response captured before the timer fired; partial
// progress is valuable context for the caller.
type PromptTimeoutError struct {
	TimeoutMs       int
	Prompt          string
	PartialResponse string
}

func (e *PromptTimeoutError) Error() string {
	return fmt.Sprintf("prompt timed out after %dms", e.TimeoutMs)
}
