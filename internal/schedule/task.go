// Package schedule runs repeating background work with an explicit
// start/stop handle, so a session can guarantee nothing fires after teardown.
package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrAlreadyStarted is returned when Start is called on a running or
// previously stopped task.
var ErrAlreadyStarted = errors.New("task already started")

// Task invokes fn once per interval on its own goroutine. fn runs
// synchronously inside the loop, so a slow run causes ticks to be dropped,
// never queued.
type Task struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
	log      zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	eager   bool
}

// NewTask creates a stopped task.
func NewTask(name string, interval time.Duration, fn func(ctx context.Context), log zerolog.Logger) *Task {
	return &Task{
		name:     name,
		interval: interval,
		fn:       fn,
		log:      log.With().Str("task", name).Logger(),
	}
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// RunOnStart makes the loop run fn once as soon as it starts, before the
// first interval elapses. It must be called before Start.
func (t *Task) RunOnStart() *Task {
	t.mu.Lock()
	t.eager = true
	t.mu.Unlock()
	return t
}

// Start launches the loop. Unless RunOnStart was set, the first run happens
// one interval after Start.
func (t *Task) Start(parent context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return ErrAlreadyStarted
	}
	t.started = true

	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.loop(ctx, t.done, t.eager)
	return nil
}

func (t *Task) loop(ctx context.Context, done chan struct{}, eager bool) {
	defer close(done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.log.Debug().Dur("interval", t.interval).Bool("eager", eager).Msg("Task started")
	if eager && ctx.Err() == nil {
		t.fn(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			t.log.Debug().Msg("Task stopped")
			return
		case <-ticker.C:
			// A tick racing with cancellation must not run fn.
			if ctx.Err() != nil {
				return
			}
			t.fn(ctx)
		}
	}
}

// Halt cancels the loop without waiting for it. It is safe to call from
// inside fn.
func (t *Task) Halt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
}

// Stop cancels the loop and waits until it has exited, including any fn run
// in progress. Safe to call multiple times and on a task never started, but
// never from inside fn.
func (t *Task) Stop() {
	t.mu.Lock()
	if !t.started {
		t.started = true // a stopped task cannot be started later
		t.mu.Unlock()
		return
	}
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Running reports whether the loop goroutine is alive.
func (t *Task) Running() bool {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}
