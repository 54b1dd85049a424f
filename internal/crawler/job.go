package crawler

import (
	"fmt"
	"strings"
	"time"
)

// Job describes one crawler: the folder under the asset directory and the
// entry script inside it.
type Job struct {
	Name   string
	Script string
}

func (j Job) String() string { return j.Name + "/" + j.Script }

// Resolved is a Job bound to concrete paths. It is produced fresh for every
// run because the assets may move between deployment layouts.
type Resolved struct {
	Job     Job
	Script  string // absolute entry point
	WorkDir string // parent directory of Script
	Layout  Layout
}

// Layout reports which candidate location matched.
type Layout int

const (
	LayoutSource Layout = iota
	LayoutDeployed
)

func (l Layout) String() string {
	switch l {
	case LayoutSource:
		return "source"
	case LayoutDeployed:
		return "deployed"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// Status classifies a run.
type Status int

const (
	StatusSucceeded Status = iota
	StatusResolutionFailed
	StatusLaunchFailed
	StatusRuntimeFailed
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusResolutionFailed:
		return "resolution_failed"
	case StatusLaunchFailed:
		return "launch_failed"
	case StatusRuntimeFailed:
		return "runtime_failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is the outcome of one attempt to run a Job.
//
// ExitCode is meaningful for StatusSucceeded and StatusRuntimeFailed; it is -1
// when the process was killed by a signal. Err carries the launch error,
// the resolution error or the timeout cause.
type Result struct {
	Job     Job
	Status  Status
	Script  string
	WorkDir string

	ExitCode int
	Stdout   string
	Stderr   string
	Err      error

	Started  time.Time
	Duration time.Duration
}

func (r Result) OK() bool { return r.Status == StatusSucceeded }

// Summary is a one-line human readable description, used by the CLI.
func (r Result) Summary() string {
	switch r.Status {
	case StatusSucceeded:
		return "ok"
	case StatusRuntimeFailed:
		if r.Err != nil {
			return fmt.Sprintf("exit %d: %v", r.ExitCode, r.Err)
		}
		if line := firstLine(r.Stderr); line != "" {
			return fmt.Sprintf("exit %d: %s", r.ExitCode, line)
		}
		return fmt.Sprintf("exit %d", r.ExitCode)
	default:
		if r.Err != nil {
			return r.Err.Error()
		}
		return r.Status.String()
	}
}

// Unresolved builds the Result for a job whose entry point could not be found.
func Unresolved(job Job, err error) Result {
	return Result{Job: job, Status: StatusResolutionFailed, ExitCode: -1, Err: err, Started: time.Now()}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
