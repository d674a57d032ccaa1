package server

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Pool runs job functions on a fixed set of workers with a bounded queue.
// Submission fails fast when the queue is full so the HTTP layer can shed
// load instead of buffering unbounded work.
type Pool struct {
	tasks chan func(ctx context.Context)
	wg    sync.WaitGroup
	log   *logrus.Entry
}

// NewPool starts workers goroutines consuming a queue of queueSize slots.
// Workers stop when ctx is done and the queue has drained.
func NewPool(ctx context.Context, workers, queueSize int) *Pool {
	p := &Pool{
		tasks: make(chan func(ctx context.Context), queueSize),
		log:   logrus.WithField("component", "pool"),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	return p
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			task(ctx)
		}
	}
}

// Submit enqueues task, reporting false when the queue is full.
func (p *Pool) Submit(task func(ctx context.Context)) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		p.log.Warn("job queue full, rejecting submission")
		return false
	}
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}
