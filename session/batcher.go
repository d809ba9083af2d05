package session

import (
	"strings"
	"sync"
	"time"
)

// batcher accumulates final transcript fragments and dispatches them as
// one joined prompt after a quiet period (trailing-edge debounce). Each
// Add re-arms the timer; the batch always contains every fragment that
// arrived since the previous dispatch, in arrival order.
type batcher struct {
	mu       sync.Mutex
	window   time.Duration
	pending  []string
	timer    *time.Timer
	stopped  bool
	dispatch func(prompt string)
}

func newBatcher(window time.Duration, dispatch func(string)) *batcher {
	return &batcher{window: window, dispatch: dispatch}
}

func (b *batcher) Add(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}

	b.pending = append(b.pending, text)
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.window, b.fire)
}

// Flush cancels any armed timer and dispatches whatever has accumulated.
// Used on session stop so no fragment is lost at shutdown.
func (b *batcher) Flush() {
	b.fire()
}

// Stop cancels the timer and discards state. After Stop the batcher
// accepts no further fragments.
func (b *batcher) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pending = nil
}

// fire drains and dispatches under the lock, so a timer fire racing an
// explicit flush dispatches each fragment exactly once, and a flush
// does not return while another dispatch is still in flight.
func (b *batcher) fire() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}

	pending := b.pending
	b.pending = nil
	if len(pending) == 0 {
		return
	}
	b.dispatch(strings.Join(pending, " "))
}
