package worker

import (
	"fmt"

	"go.uber.org/zap"
)

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
	logger     *zap.Logger
}

func NewWorker(id int, pool *jobChannelPool, logger *zap.Logger) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
		logger:     logger,
	}
}

// Start parks the worker in the idle queue and runs jobs until told to stop.
func (w *Worker) Start() {
	go func() {
		for {
			w.pool.Release(w.jobChannel)
			job := <-w.jobChannel
			if job.stop {
				w.pool.retire(w.jobChannel)
				w.logger.Debug("worker retired", zap.Int("worker", w.id))
				return
			}
			w.execute(job)
		}
	}()
}

func (w *Worker) execute(job Job) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job panicked", zap.Int("worker", w.id), zap.Int64("client", job.clientID), zap.Any("panic", r))
			job.done <- fmt.Errorf("job panicked: %v", r)
		}
	}()
	job.run()
}
