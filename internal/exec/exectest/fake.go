// Package exectest provides a recording exec.Runner for tests.
package exectest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/oblq/r510fc/internal/exec"
)

// Response is what the fake returns for a registered command.
type Response struct {
	Stdout string
	Stderr string
	Err    error
}

// Fake answers commands from a table keyed by the full command line.
// Unregistered commands fail with exec.ErrNotFound.
type Fake struct {
	mutex     sync.Mutex
	responses map[string][]Response
	prefixes  map[string]Response
	missing   map[string]bool

	// Calls holds every command line that was run, in order.
	Calls [][]string
}

func New() *Fake {
	return &Fake{
		responses: make(map[string][]Response),
		prefixes:  make(map[string]Response),
		missing:   make(map[string]bool),
	}
}

func key(name string, args []string) string {
	return strings.Join(append([]string{name}, args...), "\x00")
}

// Register queues a response for an exact command line.
// Queued responses are consumed in order, the last one repeats.
func (f *Fake) Register(resp Response, name string, args ...string) *Fake {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	k := key(name, args)
	f.responses[k] = append(f.responses[k], resp)
	return f
}

// RegisterPrefix answers any command line starting with name and args,
// compared argument by argument.
func (f *Fake) RegisterPrefix(resp Response, name string, args ...string) *Fake {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.prefixes[key(name, args)] = resp
	return f
}

// Missing makes LookPath fail for name.
func (f *Fake) Missing(name string) *Fake {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.missing[name] = true
	return f
}

func (f *Fake) LookPath(name string) (string, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.missing[name] {
		return "", fmt.Errorf("%s: %w", name, exec.ErrNotFound)
	}
	return "/usr/bin/" + name, nil
}

func (f *Fake) Run(ctx context.Context, name string, args ...string) (exec.Result, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.Calls = append(f.Calls, append([]string{name}, args...))

	if err := ctx.Err(); err != nil {
		return exec.Result{}, err
	}

	k := key(name, args)
	if queue := f.responses[k]; len(queue) > 0 {
		resp := queue[0]
		if len(queue) > 1 {
			f.responses[k] = queue[1:]
		}
		return exec.Result{Stdout: resp.Stdout, Stderr: resp.Stderr}, resp.Err
	}

	best := ""
	for p := range f.prefixes {
		matches := k == p || strings.HasPrefix(k, p+"\x00")
		if matches && len(p) > len(best) {
			best = p
		}
	}
	if best != "" {
		resp := f.prefixes[best]
		return exec.Result{Stdout: resp.Stdout, Stderr: resp.Stderr}, resp.Err
	}

	return exec.Result{}, fmt.Errorf("%s: %w", name, exec.ErrNotFound)
}

// Reset forgets the recorded calls.
func (f *Fake) Reset() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.Calls = nil
}
