package worker

import "context"

// Job is one unit of client work executed by a pooled worker.
type Job struct {
	clientID int64
	ctx      context.Context
	fn       func(context.Context) error
	done     chan error
	stop     bool
}

func (job Job) run() {
	if err := job.ctx.Err(); err != nil {
		job.done <- err
		return
	}
	job.done <- job.fn(job.ctx)
}
