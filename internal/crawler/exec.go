package crawler

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	shellquote "github.com/kballard/go-shellquote"
)

// DefaultInterpreter runs the crawler scripts.
const DefaultInterpreter = "python"

const DefaultWaitDelay = 2 * time.Second

var ErrTimeout = errors.New("crawler run timed out")

// Executor launches resolved jobs as child processes.
type Executor struct {
	// Interpreter is looked up on PATH when it has no path separator.
	Interpreter string
	// Env is appended to the parent environment ("KEY=value").
	Env []string
	// Timeout kills the child after the given duration; 0 disables it.
	Timeout time.Duration
	// WaitDelay bounds how long output is collected after the child exits
	// or is killed; 0 means DefaultWaitDelay.
	WaitDelay time.Duration
}

// CommandLine renders the command for logs.
func (e Executor) CommandLine(r Resolved) string {
	return shellquote.Join(e.interpreter(), r.Script)
}

// Execute runs r and blocks until the child exits and its output is
// collected. Cancelling ctx, or the timeout, kills the child's whole process
// group; output still held open by an escaped descendant is abandoned after
// WaitDelay.
func (e Executor) Execute(ctx context.Context, r Resolved) (res Result) {
	res = Result{
		Job:      r.Job,
		Script:   r.Script,
		WorkDir:  r.WorkDir,
		ExitCode: -1,
		Started:  time.Now(),
	}
	defer func() { res.Duration = time.Since(res.Started) }()

	runCtx := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(ctx, e.Timeout, ErrTimeout)
		defer cancel()
	}

	// The script is a single argv entry, so embedded spaces need no quoting.
	var outBuf, errBuf bytes.Buffer
	cmd := exec.CommandContext(runCtx, e.interpreter(), r.Script)
	cmd.Dir = r.WorkDir
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	cmd.WaitDelay = e.waitDelay()
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		res.Status = StatusLaunchFailed
		res.Err = err
		return res
	}
	waitErr := cmd.Wait()

	res.Stdout = outBuf.String()
	res.Stderr = errBuf.String()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr != nil && runCtx.Err() != nil:
		res.Status = StatusRuntimeFailed
		res.Err = context.Cause(runCtx)
	case errors.As(waitErr, &exitErr):
		res.Status = StatusRuntimeFailed
	case errors.Is(waitErr, exec.ErrWaitDelay):
		// The script exited; a descendant kept the output open.
		res.Status = statusFor(res.ExitCode)
	case waitErr != nil:
		res.Status = StatusRuntimeFailed
		res.Err = waitErr
	default:
		res.Status = statusFor(res.ExitCode)
	}
	return res
}

func statusFor(exitCode int) Status {
	if exitCode == 0 {
		return StatusSucceeded
	}
	return StatusRuntimeFailed
}

func (e Executor) waitDelay() time.Duration {
	if e.WaitDelay > 0 {
		return e.WaitDelay
	}
	return DefaultWaitDelay
}

func (e Executor) interpreter() string {
	if e.Interpreter == "" {
		return DefaultInterpreter
	}
	return e.Interpreter
}
