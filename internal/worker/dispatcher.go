// Package worker runs client jobs on an elastic worker pool, serving clients round-robin.
package worker

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"gigcrew/internal/logging"
)

var (
	ErrDispatcherBusy   = errors.New("dispatcher queue full")
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

type clientQueue struct {
	jobs     []Job
	enqueued bool
}

type Options struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
	Logger      *zap.Logger
}

// Stats is a snapshot of the dispatcher load.
type Stats struct {
	Workers int `json:"workers"`
	Busy    int `json:"busy"`
	Queued  int `json:"queued"`
}

type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job // entry point for submitted jobs
	logger   *zap.Logger
	quit     chan struct{}
	once     sync.Once

	mu        sync.Mutex
	queues    map[int64]*clientQueue // pending jobs per client
	ready     *list.List             // round-robin order of client IDs
	positions map[int64]*list.Element
	pending   int
}

func NewDispatcher(opts Options) *Dispatcher {
	logger := logging.OrNop(opts.Logger)
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	pool := newJobChannelPool(opts.MinWorkers, opts.MaxWorkers, opts.IdleTimeout, logger)

	d := &Dispatcher{
		queues:    make(map[int64]*clientQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		pool:      pool,
		jobQueue:  make(chan Job, opts.QueueSize),
		logger:    logger,
		quit:      make(chan struct{}),
	}

	// warm up
	for i := 0; i < pool.min; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues fn for clientID and waits until it has run or ctx is done.
// A full queue fails fast with ErrDispatcherBusy.
func (d *Dispatcher) Submit(ctx context.Context, clientID int64, fn func(context.Context) error) error {
	job := Job{clientID: clientID, ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case <-d.quit:
		return ErrDispatcherClosed
	default:
	}
	select {
	case d.jobQueue <- job:
	default:
		d.logger.Warn("dispatcher busy", zap.Int64("client", clientID))
		return ErrDispatcherBusy
	}
	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops dispatching; queued jobs that never started fail with ErrDispatcherClosed.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.quit)
		close(d.pool.quit)
	})
}

func (d *Dispatcher) Stats() Stats {
	running, busy := d.pool.stats()
	d.mu.Lock()
	queued := d.pending
	d.mu.Unlock()
	return Stats{Workers: running, Busy: busy, Queued: queued + len(d.jobQueue)}
}

func (d *Dispatcher) run() {
	for {
		if !d.collect() {
			d.drain()
			return
		}
		// dispatch one job of the client at the front of the ready list
		if d.dispatchOne() {
			continue
		}
		select {
		case job := <-d.jobQueue: // wait for work
			d.enqueueJob(job)
		case <-d.quit:
			d.drain()
			return
		}
	}
}

// collect moves every submitted job into the per-client queues so all waiting
// clients take part in the next round. It reports false once the dispatcher is closed.
func (d *Dispatcher) collect() bool {
	for {
		select {
		case <-d.quit:
			return false
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		default:
			return true
		}
	}
}

// CancelClient drops the client's queued jobs. Running jobs are not interrupted.
func (d *Dispatcher) CancelClient(clientID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if q := d.queues[clientID]; q != nil {
		for _, job := range q.jobs {
			job.done <- context.Canceled
		}
		d.pending -= len(q.jobs)
	}
	delete(d.queues, clientID)
	if elem, ok := d.positions[clientID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, clientID)
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.clientID]
	if q == nil {
		q = &clientQueue{}
		d.queues[job.clientID] = q
	}
	q.jobs = append(q.jobs, job)
	d.pending++
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.clientID] = d.ready.PushBack(job.clientID)
}

// dispatchOne hands the next job of the front client to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	clientID := elem.Value.(int64)
	q := d.queues[clientID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	d.pending--
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, clientID)
		delete(d.queues, clientID)
	} else {
		// go to the back so other clients get a turn
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	d.logger.Debug("job assigned", zap.Int64("client", clientID), zap.Int("worker", d.pool.workerID(workerChan)))
	workerChan <- job
	return true
}

func (d *Dispatcher) drain() {
	for {
		select {
		case job := <-d.jobQueue:
			job.done <- ErrDispatcherClosed
		default:
			d.mu.Lock()
			for id, q := range d.queues {
				for _, job := range q.jobs {
					job.done <- ErrDispatcherClosed
				}
				delete(d.queues, id)
			}
			d.ready.Init()
			d.positions = make(map[int64]*list.Element)
			d.pending = 0
			d.mu.Unlock()
			return
		}
	}
}
