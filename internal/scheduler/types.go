package scheduler

import (
	"context"
	"errors"
	"time"

	"crawlerd/internal/crawler"
)

var ErrClosed = errors.New("scheduler closed")

// Resolver finds the entry point of a job. crawler.Resolver implements it.
type Resolver interface {
	Resolve(job crawler.Job) (crawler.Resolved, error)
}

// Executor runs a resolved job to completion. crawler.Executor implements it.
type Executor interface {
	Execute(ctx context.Context, r crawler.Resolved) crawler.Result
}

// Config controls the timer.
type Config struct {
	Interval   time.Duration
	RunOnStart bool
}

// Plan is what one tick runs. It is captured at the start of each tick, so
// an Update takes effect from the next tick on.
type Plan struct {
	Jobs     []crawler.Job
	Resolver Resolver
	Executor Executor
}

// TickReport summarizes one tick.
type TickReport struct {
	ID       string
	Started  time.Time
	Duration time.Duration
	Results  []crawler.Result
}

// Failed counts the jobs that did not succeed.
func (r TickReport) Failed() int {
	n := 0
	for _, res := range r.Results {
		if !res.OK() {
			n++
		}
	}
	return n
}

// historySize bounds the in-memory tick history returned by Snapshot.
const historySize = 32
