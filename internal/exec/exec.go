package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrNotFound is returned when the executable is not on PATH.
var ErrNotFound = errors.New("executable not found")

// ErrTimeout is returned when the command did not finish in time.
var ErrTimeout = errors.New("command timed out")

// ExitError is a command that ran and exited with a non-zero status.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d: %s", e.Code, e.Stderr)
}

// Result is the trimmed output of a finished command.
type Result struct {
	Stdout string
	Stderr string
}

// Runner runs an external program.
// A non-nil error is ErrNotFound, ErrTimeout, the context error or *ExitError
// (possibly wrapped). The Result is filled whenever the program ran.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
	LookPath(name string) (string, error)
}

// System runs commands on the local machine.
type System struct {
	// Timeout bounds every single call, zero means no bound.
	Timeout time.Duration
}

func (s System) LookPath(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return path, nil
}

func (s System) Run(ctx context.Context, name string, args ...string) (Result, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	// If Env is nil, the new process uses the current process's environment.
	cmd.Env = os.Environ()
	// a killed child can leave grandchildren holding the output pipes
	cmd.WaitDelay = time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	var stout bytes.Buffer
	cmd.Stdout = &stout

	err := cmd.Run()

	res := Result{
		Stdout: strings.TrimSuffix(stout.String(), "\n"),
		Stderr: strings.TrimSpace(stderr.String()),
	}

	if err == nil {
		return res, nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return res, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("%s: %w", name, ErrTimeout)
	}
	if ctx.Err() != nil {
		return res, fmt.Errorf("%s: %w", name, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return res, &ExitError{Code: exitErr.ExitCode(), Stderr: res.Stderr}
	}
	return res, fmt.Errorf("%s: %v", name, err)
}

// Split turns a command preamble such as `ipmitool -I lanplus -H host`
// into the executable and its leading arguments.
// Single quotes around an argument are dropped.
func Split(cmdString string) (name string, args []string, err error) {
	fields := strings.Fields(cmdString)
	if len(fields) == 0 {
		return "", nil, errors.New("wrong cmd: " + cmdString)
	}

	for i, arg := range fields {
		arg = strings.TrimPrefix(arg, "'")
		arg = strings.TrimSuffix(arg, "'")
		fields[i] = arg
	}

	return fields[0], fields[1:], nil
}

// String renders a command line for logs and error messages.
func String(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, name)
	for _, a := range args {
		if strings.ContainsAny(a, " \t") {
			a = "\"" + a + "\""
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}
