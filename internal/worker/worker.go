package worker

import (
	"context"
	"sync/atomic"

	"mathtutor/internal/service/assistant"
)

type JobType string

const (
	Process JobType = "process"
	Stop    JobType = "stop"
)

// Job is one unit of work handed to a pool worker.
type Job struct {
	Type JobType
	Task *processTask
}

// processTask runs the pipeline for one upload.
type processTask struct {
	workspaceID string
	state       *assistant.State
	data        []byte
	finish      func(error)
	taken       atomic.Bool
}

// take reports whether the caller won the task. A task is either handed to
// a worker or cancelled, never both.
func (t *processTask) take() bool {
	return t.taken.CompareAndSwap(false, true)
}

type Worker struct {
	pool       *jobChannelPool
	runner     Runner
	jobChannel chan Job
}

func NewWorker(pool *jobChannelPool, runner Runner) *Worker {
	return &Worker{
		pool:       pool,
		runner:     runner,
		jobChannel: make(chan Job),
	}
}

// Start serves jobs until told to stop. The worker puts itself back into
// the idle list after every job.
func (w *Worker) Start() {
	go func() {
		for job := range w.jobChannel {
			switch job.Type {
			case Stop:
				w.pool.retire(w.jobChannel)
				return
			case Process:
				w.handle(job.Task)
				if !w.pool.Release(w.jobChannel) {
					w.pool.retire(w.jobChannel)
					return
				}
			}
		}
	}()
}

func (w *Worker) handle(task *processTask) {
	if task == nil {
		return
	}
	// uploads outlive the request that started them
	err := w.runner.Run(context.Background(), task.state, task.data)
	if task.finish != nil {
		task.finish(err)
	}
}
