package session

import "sync"

// generationQueue serializes diagram generation for one session: a
// single worker goroutine drains a FIFO channel, so at most one request
// is in flight and each request observes the previous one's result.
type generationQueue struct {
	mu       sync.RWMutex
	requests chan string
	closed   bool
	done     chan struct{}
}

func newGenerationQueue(buffer int) *generationQueue {
	return &generationQueue{
		requests: make(chan string, buffer),
		done:     make(chan struct{}),
	}
}

// Start launches the worker. run is called once per request, in strict
// submission order, never concurrently.
func (q *generationQueue) Start(run func(prompt string)) {
	go func() {
		defer close(q.done)
		for prompt := range q.requests {
			run(prompt)
		}
	}()
}

// Submit enqueues a prompt, blocking while the buffer is full so no
// batch is lost under backpressure. Returns false once the queue is
// closed. The read lock held across the send keeps Close from closing
// the channel under an in-flight sender.
func (q *generationQueue) Submit(prompt string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return false
	}

	q.requests <- prompt
	return true
}

// Close stops accepting new work. Waits for blocked submitters, then
// the in-flight request, if any, runs to completion.
func (q *generationQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.requests)
}

// Wait blocks until the worker has drained the queue and exited.
func (q *generationQueue) Wait() {
	<-q.done
}
