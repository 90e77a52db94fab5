package platform

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrMockGateway - mock gateway error
var ErrMockGateway = errors.New("mock gateway error")

// FakeResponse is one scripted reply of a FakeGateway.
type FakeResponse struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

// Call is one recorded invocation.
type Call struct {
	Operation string
	Args      []string
}

type invokeValidator func(operation string, args []string) (*ExecResult, error)

// FakeGateway replays scripted responses per operation and records every call. Operations without a script
// exit 0 with no output. It is safe for concurrent use.
type FakeGateway struct {
	mu        sync.Mutex
	returnErr bool
	scripts   map[string][]FakeResponse
	invokeFn  invokeValidator
	calls     []Call
}

func NewFakeGateway(returnErr bool) *FakeGateway {
	return &FakeGateway{
		returnErr: returnErr,
		scripts:   make(map[string][]FakeResponse),
	}
}

// On queues responses for operation. The last response repeats once the queue is drained.
func (f *FakeGateway) On(operation string, responses ...FakeResponse) *FakeGateway {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[operation] = append(f.scripts[operation], responses...)
	return f
}

// SetInvokeFunc routes every call to fn instead of the scripts.
func (f *FakeGateway) SetInvokeFunc(fn func(operation string, args []string) (*ExecResult, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invokeFn = fn
}

func (f *FakeGateway) Invoke(_ context.Context, operation string, args ...string) (*ExecResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Operation: operation, Args: append([]string(nil), args...)})
	fn := f.invokeFn
	if fn != nil {
		f.mu.Unlock()
		return fn(operation, args)
	}
	defer f.mu.Unlock()

	if f.returnErr {
		return nil, ErrMockGateway
	}

	queue := f.scripts[operation]
	if len(queue) == 0 {
		return &ExecResult{}, nil
	}
	resp := queue[0]
	if len(queue) > 1 {
		f.scripts[operation] = queue[1:]
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return &ExecResult{
		ExitCode: resp.ExitCode,
		Stdout:   []byte(resp.Stdout),
		Stderr:   []byte(resp.Stderr),
	}, nil
}

// Calls returns every invocation in order.
func (f *FakeGateway) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsTo returns the invocations of one operation in order.
func (f *FakeGateway) CallsTo(operation string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if c.Operation == operation {
			out = append(out, c)
		}
	}
	return out
}
