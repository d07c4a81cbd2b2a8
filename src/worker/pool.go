package worker

import (
	"context"
	"runtime"
	"sync"

	"github.com/charmbracelet/log"
)

// Task is a unit of blocking work. It must honor ctx.
type Task func(ctx context.Context)

// Pool is a fixed-size worker pool with a bounded input queue. Submit never
// blocks: when the queue is full the task is dropped and the caller decides
// how to report it.
type Pool struct {
	jobs chan job
	wg   sync.WaitGroup
	once sync.Once
}

type job struct {
	ctx  context.Context
	name string
	task Task
}

// New creates a worker pool. Size defaults to NumCPU when size<=0 and the
// queue defaults to one slot when queue<=0.
func New(size, queue int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	if queue <= 0 {
		queue = 1
	}
	p := &Pool{jobs: make(chan job, queue)}
	p.start(size)
	return p
}

func (p *Pool) start(n int) {
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for j := range p.jobs {
				p.run(j)
			}
		}()
	}
}

func (p *Pool) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Worker: task %s panicked: %v", j.name, r)
		}
	}()
	if err := j.ctx.Err(); err != nil {
		log.Debugf("Worker: task %s starting with finished context: %v", j.name, err)
	}
	log.Debugf("Worker: starting %s", j.name)
	j.task(j.ctx)
	log.Debugf("Worker: finished %s", j.name)
}

// Submit enqueues a task if the queue has room. Returns false if dropped.
func (p *Pool) Submit(ctx context.Context, name string, task Task) bool {
	select {
	case p.jobs <- job{ctx: ctx, name: name, task: task}:
		return true
	default:
		return false
	}
}

// Close stops the pool after draining queued work. Safe to call twice.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.jobs) })
	p.wg.Wait()
}

// WithContext runs fn in its own goroutine and returns early with ctx.Err()
// when ctx ends first. fn keeps running in the background in that case.
func WithContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	if _, ok := ctx.Deadline(); !ok && ctx.Done() == nil {
		return fn()
	}
	type outcome struct {
		v   T
		err error
	}
	resCh := make(chan outcome, 1)
	go func() {
		v, err := fn()
		resCh <- outcome{v, err}
	}()
	select {
	case r := <-resCh:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
