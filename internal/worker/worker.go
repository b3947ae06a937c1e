package worker

import "go.uber.org/zap"

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
	log        *zap.Logger
}

func NewWorker(id int, pool *jobChannelPool, log *zap.Logger) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
		log:        log,
	}
}

// Start registers the worker as idle and serves jobs until told to stop.
func (w *Worker) Start() {
	go func() {
		for {
			if !w.pool.Release(w.jobChannel) {
				w.pool.retire(w.jobChannel)
				return
			}
			job := <-w.jobChannel
			if job.Type == jobStop {
				w.pool.retire(w.jobChannel)
				w.log.Debug("worker stopped", zap.Int("worker", w.id))
				return
			}
			res := job.execute()
			if res.err != nil {
				w.log.Debug("job failed", zap.Int("worker", w.id), zap.String("job", job.Name), zap.Error(res.err))
			}
			job.resultCh <- res
		}
	}()
}
