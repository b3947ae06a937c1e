// Package worker runs blocking jobs on an elastic goroutine pool. Jobs are
// queued per user and users are served round robin, so one user uploading a
// batch of large files cannot starve everyone else.
package worker

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrQueueFull = errors.New("worker queue full")
	ErrStopped   = errors.New("worker dispatcher stopped")
)

type jobType int

const (
	jobRun jobType = iota
	jobStop
)

// Task is the unit of work. ctx is the submitter's context.
type Task func(ctx context.Context) (any, error)

// Job is a queued task together with where its result goes.
type Job struct {
	Type   jobType
	UserID int64
	Name   string

	ctx      context.Context
	task     Task
	resultCh chan jobResult
}

type jobResult struct {
	value any
	err   error
}

func (job Job) execute() (res jobResult) {
	defer func() {
		if r := recover(); r != nil {
			res = jobResult{err: fmt.Errorf("job %s panicked: %v", job.Name, r)}
		}
	}()
	if err := job.ctx.Err(); err != nil {
		return jobResult{err: err}
	}
	v, err := job.task(job.ctx)
	return jobResult{value: v, err: err}
}

// Do submits fn for userID and blocks until it finished or ctx is done.
func Do[T any](ctx context.Context, d *Dispatcher, userID int64, name string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	v, err := d.Submit(ctx, userID, name, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}
