package platform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// DefinitionsFileName is the operation definitions file shipped beside the proxyns binary.
const DefinitionsFileName = "functions.sh"

var (
	// ErrSpawn is returned when the external runtime could not be located or started.
	ErrSpawn = errors.New("failed to start external operation")
	// ErrInvalidOperation is returned for operation names that are not shell identifiers.
	ErrInvalidOperation = errors.New("invalid operation name")
	// ErrAbandoned is returned when the caller stopped waiting; the operation itself keeps running.
	ErrAbandoned = errors.New("stopped waiting for external operation")
)

//go:generate mockgen -destination=mocks/gateway.go -package=mocks github.com/proxyns/proxyns/platform Gateway

// Gateway invokes a named external operation with positional arguments and waits for it to exit.
// A non-zero exit status is a normal result; only failing to run the operation at all is an error.
type Gateway interface {
	Invoke(ctx context.Context, operation string, args ...string) (*ExecResult, error)
}

// ExecResult is the fully buffered outcome of one invocation.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Success reports a zero exit status.
func (r *ExecResult) Success() bool {
	return r.ExitCode == 0
}

// Output returns stdout with surrounding whitespace removed.
func (r *ExecResult) Output() string {
	return strings.TrimSpace(string(r.Stdout))
}

// Err returns nil on success and an *OperationError describing the failure otherwise.
func (r *ExecResult) Err(operation string) error {
	if r.Success() {
		return nil
	}
	return &OperationError{
		Operation: operation,
		ExitCode:  r.ExitCode,
		Stderr:    strings.TrimSpace(string(r.Stderr)),
	}
}

// OperationError is an external operation that ran and exited non-zero.
type OperationError struct {
	Operation string
	ExitCode  int
	Stderr    string
}

// AbandonedError is returned when the caller stopped waiting for an operation that is still running. Done is
// closed once the external process exits.
type AbandonedError struct {
	Operation string
	Done      <-chan struct{}
	cause     error
}

func (e *AbandonedError) Error() string {
	return fmt.Sprintf("%s: %v: %s", e.Operation, e.cause, ErrAbandoned.Error())
}

// Is matches ErrAbandoned.
func (e *AbandonedError) Is(target error) bool {
	return target == ErrAbandoned
}

// Unwrap returns the context error that ended the wait.
func (e *AbandonedError) Unwrap() error {
	return e.cause
}

func (e *OperationError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("operation %s exited with code %d", e.Operation, e.ExitCode)
	}
	return fmt.Sprintf("operation %s exited with code %d: %s", e.Operation, e.ExitCode, e.Stderr)
}

// ExecutableDirectory returns the directory of the running binary with symlinks resolved.
func ExecutableDirectory() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", errors.Wrap(err, "failed to get current exe path")
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe), nil
}

// DefaultDefinitionsPath locates the operation definitions beside the installed binary, independent of the
// working directory.
func DefaultDefinitionsPath() (string, error) {
	dir, err := ExecutableDirectory()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefinitionsFileName), nil
}
