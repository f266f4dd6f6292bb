// Package utils holds small concurrency helpers shared across the
// core. WorkerPool is adapted from the teacher's internal/worker.go,
// which originally fanned out TCP connection handling across a fixed
// pool of goroutines; here it fans out independent per-book matching
// work for the engine's CrossAllPending (internal/engine/engine.go),
// since each task is self-contained and requires no message framing.
package utils

import (
	"sync"

	"github.com/rs/zerolog/log"
)

const defaultTaskQueueSize = 256

// Task is one unit of submitted work.
type Task = func()

// WorkerPool runs submitted tasks across a fixed number of long-lived
// goroutines. Unlike the teacher's connection pool, a WorkerPool here
// has no notion of "done" tasks returning to the queue — callers
// coordinate completion themselves (e.g. via a sync.WaitGroup), since
// matching work has no natural re-arming step the way a TCP connection
// does.
type WorkerPool struct {
	tasks chan Task

	once sync.Once
	size int
}

func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	pool := &WorkerPool{
		tasks: make(chan Task, defaultTaskQueueSize),
		size:  size,
	}
	pool.start()
	return pool
}

func (p *WorkerPool) start() {
	p.once.Do(func() {
		log.Debug().Int("workers", p.size).Msg("starting worker pool")
		for i := 0; i < p.size; i++ {
			go p.worker()
		}
	})
}

func (p *WorkerPool) worker() {
	for task := range p.tasks {
		task()
	}
}

// Submit enqueues a task for execution by the next free worker. It
// blocks if every worker is busy and the queue is full — by design, the
// reconciliation loop's crossing fan-out is naturally bounded by the
// number of active books, which is small relative to the queue size.
func (p *WorkerPool) Submit(task Task) {
	p.tasks <- task
}
