package endpoint

import "sync"

// executor runs queued tasks one at a time on its own goroutine. Posting never blocks.
type executor struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

func newExecutor() *executor {
	e := &executor{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go e.loop()
	return e
}

// post queues fn and reports whether it was accepted.
func (e *executor) post(fn func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

func (e *executor) loop() {
	defer close(e.done)
	for {
		select {
		case <-e.wake:
			e.drain()
		case <-e.quit:
			e.drain()
			return
		}
	}
}

func (e *executor) drain() {
	for {
		e.mu.Lock()
		batch := e.queue
		e.queue = nil
		e.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

// stop rejects further tasks, runs the ones already queued and waits for the loop to exit.
func (e *executor) stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	e.mu.Unlock()
	close(e.quit)
	<-e.done
}
