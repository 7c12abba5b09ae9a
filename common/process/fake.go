package process

import (
	"context"
	"os"
	"path/filepath"
	"sync"
)

// Call is one recorded invocation of a FakeRunner
type Call struct {
	Name string
	Args []string
}

// FakeRunner records invocations instead of starting processes. Handler,
// when set, decides each call's outcome; otherwise the last argument is
// treated as an output file and filled with placeholder bytes.
type FakeRunner struct {
	Handler func(name string, args []string) (stdout, stderr []byte, err error)

	mu    sync.Mutex
	calls []Call
}

// Run records the call and delegates to Handler
func (f *FakeRunner) Run(ctx context.Context, name string, args []string) ([]byte, []byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Name: name, Args: append([]string(nil), args...)})
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if f.Handler != nil {
		return f.Handler(name, args)
	}
	if len(args) > 0 {
		if err := WriteFakeOutput(args[len(args)-1]); err != nil {
			return nil, nil, err
		}
	}
	return nil, nil, nil
}

// Calls returns a copy of the recorded invocations
func (f *FakeRunner) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsTo returns the recorded invocations of one binary
func (f *FakeRunner) CallsTo(name string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// WriteFakeOutput creates path with placeholder content
func WriteFakeOutput(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("encoded"), 0o644)
}

// ArgAfter returns the argument following flag, or "" when flag is absent
func ArgAfter(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}
