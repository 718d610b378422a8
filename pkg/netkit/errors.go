// Package netkit holds error kinds shared across the provisioning packages.
package netkit

import (
	"errors"
	"fmt"
	"os/exec"
)

// Sentinel error kinds. Callers match them with errors.Is; concrete errors
// wrap one of these alongside a descriptive message.
var (
	// ErrConfig indicates a catalog entry failed schema validation or
	// otherwise could not be parsed into a network object.
	ErrConfig = errors.New("config error")

	// ErrResourceExhausted indicates an allocator ran out of space
	// (bitmap full, ID range exhausted).
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrTimeout indicates a blocking KV read or collective step did not
	// complete before its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrExternalCommand indicates a shelled-out host tool exited non-zero.
	ErrExternalCommand = errors.New("external command failed")

	// ErrStateMissing indicates an allocation record or other expected KV
	// entry was absent at load/free/cleanup time.
	ErrStateMissing = errors.New("state missing")
)

// SetupError wraps a phase failure with the network it occurred on, so
// every returned error names its origin without every call site needing to
// annotate it by hand.
type SetupError struct {
	Network string
	Phase   string
	Err     error
}

func (e *SetupError) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("network %q: %s: %v", e.Network, e.Phase, e.Err)
	}
	return fmt.Sprintf("network %q: %v", e.Network, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// Setup wraps err as a SetupError for the given network and phase. Returns
// nil if err is nil so call sites can write `return netkit.Setup(name, phase, err)`
// unconditionally at the end of a phase method.
func Setup(network, phase string, err error) error {
	if err == nil {
		return nil
	}
	return &SetupError{Network: network, Phase: phase, Err: err}
}

// ExternalCommandError wraps a failed external command invocation with its tool
// name and captured output.
type ExternalCommandError struct {
	Tool   string
	Args   []string
	Output string
	Err    error
}

func (e *ExternalCommandError) Error() string {
	return fmt.Sprintf("%s %v: %v: %s", e.Tool, e.Args, e.Err, e.Output)
}

func (e *ExternalCommandError) Unwrap() error {
	return errors.Join(ErrExternalCommand, e.Err)
}

// ExitCode returns the wrapped command's process exit code, or -1 if it
// could not be determined (the process never started, was signaled, etc).
func (e *ExternalCommandError) ExitCode() int {
	var exitErr *exec.ExitError
	if errors.As(e.Err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
