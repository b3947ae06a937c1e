package worker

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type userQueue struct {
	jobs     []Job
	enqueued bool
}

// Config sizes the dispatcher.
type Config struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // entry point for submitted jobs
	log      *zap.Logger

	mu        sync.Mutex
	queues    map[int64]*userQueue // pending jobs per user
	ready     *list.List           // round robin queue of user IDs
	positions map[int64]*list.Element
	pending   int

	stopOnce sync.Once
	quit     chan struct{}
	done     chan struct{}
}

func NewDispatcher(cfg Config, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	pool := newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, log)

	d := &Dispatcher{
		queues:    make(map[int64]*userQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		pool:      pool,
		JobQueue:  make(chan Job, cfg.QueueSize),
		log:       log,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	// warm up
	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues task for userID and waits for its result. A full queue is
// reported immediately instead of blocking the caller.
func (d *Dispatcher) Submit(ctx context.Context, userID int64, name string, task Task) (any, error) {
	job := Job{
		Type:     jobRun,
		UserID:   userID,
		Name:     name,
		ctx:      ctx,
		task:     task,
		resultCh: make(chan jobResult, 1),
	}
	select {
	case <-d.quit:
		return nil, ErrStopped
	default:
	}
	select {
	case d.JobQueue <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, ErrQueueFull
	}

	select {
	case res := <-job.resultCh:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.done:
		select {
		case res := <-job.resultCh:
			return res.value, res.err
		default:
			return nil, ErrStopped
		}
	}
}

// Stop ends dispatching. Queued jobs fail with ErrStopped; running jobs
// finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
		d.pool.close()
		<-d.done
	})
}

// Stats reports pool and queue sizes.
func (d *Dispatcher) Stats() (running, idle, queued int) {
	running, idle = d.pool.stats()
	d.mu.Lock()
	queued = d.pending + len(d.JobQueue)
	d.mu.Unlock()
	return running, idle, queued
}

func (d *Dispatcher) run() {
	defer close(d.done)
	defer d.failPending()
	for {
		d.drainQueue()
		if !d.hasPending() {
			select {
			case job := <-d.JobQueue:
				d.enqueueJob(job)
			case <-d.quit:
				return
			}
			continue
		}
		// wait for a worker first so the choice of job sees everything that
		// arrived in the meantime
		workerChan, workerID := d.pool.acquire()
		if workerChan == nil {
			return
		}
		d.drainQueue()
		job, ok := d.next()
		if !ok {
			d.pool.Release(workerChan)
			continue
		}
		d.log.Debug("assign job", zap.String("job", job.Name), zap.Int64("user", job.UserID), zap.Int("worker", workerID))
		workerChan <- job
	}
}

// drainQueue moves submitted jobs into their user queues without blocking.
func (d *Dispatcher) drainQueue() {
	for {
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		default:
			return
		}
	}
}

func (d *Dispatcher) hasPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending > 0
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.UserID]
	if q == nil {
		q = &userQueue{}
		d.queues[job.UserID] = q
	}
	q.jobs = append(q.jobs, job)
	d.pending++
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.UserID] = d.ready.PushBack(job.UserID)
}

// next pops the first job of the front user and moves that user to the back.
func (d *Dispatcher) next() (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	elem := d.ready.Front()
	if elem == nil {
		return Job{}, false
	}
	userID := elem.Value.(int64)
	q := d.queues[userID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	d.pending--
	if len(q.jobs) == 0 {
		d.ready.Remove(elem)
		delete(d.positions, userID)
		delete(d.queues, userID)
	} else {
		d.ready.MoveToBack(elem)
	}
	return job, true
}

func (d *Dispatcher) failPending() {
	d.mu.Lock()
	for userID, q := range d.queues {
		for _, job := range q.jobs {
			job.resultCh <- jobResult{err: ErrStopped}
		}
		delete(d.queues, userID)
	}
	d.ready.Init()
	d.positions = make(map[int64]*list.Element)
	d.pending = 0
	d.mu.Unlock()

	for {
		select {
		case job := <-d.JobQueue:
			job.resultCh <- jobResult{err: ErrStopped}
		default:
			return
		}
	}
}
