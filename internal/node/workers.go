package node

import (
	"context"
	"errors"
	"sync"
)

var errWorkersClosed = errors.New("worker pool closed")

// workers bounds concurrent signature work. Stream handlers block on do
// while a worker runs their job.
type workers struct {
	jobs chan func()
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func newWorkers(n int) *workers {
	if n <= 0 {
		n = 1
	}
	w := &workers{jobs: make(chan func()), done: make(chan struct{})}
	w.wg.Add(n)
	for i := 0; i < n; i++ {
		go w.loop()
	}
	return w
}

func (w *workers) loop() {
	defer w.wg.Done()
	for {
		select {
		case job := <-w.jobs:
			job()
		case <-w.done:
			return
		}
	}
}

// do runs fn on a worker and waits for it.
func (w *workers) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	job := func() {
		defer close(finished)
		fn()
	}
	select {
	case w.jobs <- job:
	case <-w.done:
		return errWorkersClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

func (w *workers) close() {
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()
}
