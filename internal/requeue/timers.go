package requeue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jcoletaylor/tasker-sub003/internal/errors"
)

// Timers is an in-process Scheduler backed by time.AfterFunc. Wake-ups do not
// survive a process restart; it suits single-process deployments and tests.
type Timers struct {
	settings settings
	waker    Waker

	// ctx is handed to the waker so in-flight deliveries stop on Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	gen     uint64
	pending map[uuid.UUID]*pendingTimer
}

// pendingTimer tracks one scheduled wake-up. gen ties a fired AfterFunc back
// to the map entry that created it, so a replaced timer that already fired
// cannot deliver a stale wake-up.
type pendingTimer struct {
	timer *time.Timer
	due   time.Time
	gen   uint64
}

// NewTimers builds an in-process scheduler delivering to waker.
func NewTimers(waker Waker, opts ...Option) *Timers {
	ctx, cancel := context.WithCancel(context.Background())
	return &Timers{
		settings: newSettings(opts),
		waker:    waker,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[uuid.UUID]*pendingTimer),
	}
}

// Schedule implements Scheduler. The earliest due time wins when the task is
// already pending.
func (t *Timers) Schedule(_ context.Context, taskID uuid.UUID, delay time.Duration) error {
	delay = t.settings.clampDelay(delay)
	due := t.settings.clock.Now().Add(delay)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errors.Wrapf(errors.ErrSchedulerClosed, "schedule task %s", taskID)
	}

	if existing, ok := t.pending[taskID]; ok {
		if !due.Before(existing.due) {
			return nil
		}
		existing.timer.Stop()
	}

	t.gen++
	gen := t.gen
	t.pending[taskID] = &pendingTimer{
		timer: time.AfterFunc(delay, func() { t.fire(taskID, gen) }),
		due:   due,
		gen:   gen,
	}

	t.settings.logger.Debug().
		Str("task_id", taskID.String()).
		Dur("delay", delay).
		Msg("wake-up scheduled")

	return nil
}

// fire delivers one wake-up if its map entry is still current.
func (t *Timers) fire(taskID uuid.UUID, gen uint64) {
	t.mu.Lock()
	entry, ok := t.pending[taskID]
	if !ok || entry.gen != gen || t.closed {
		t.mu.Unlock()
		return
	}
	delete(t.pending, taskID)
	t.mu.Unlock()

	if err := t.waker(t.ctx, taskID); err != nil {
		t.settings.logger.Warn().
			Err(err).
			Str("task_id", taskID.String()).
			Msg("wake-up delivery failed")
	}
}

// Pending reports how many tasks currently await a wake-up.
func (t *Timers) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close cancels all pending wake-ups. Schedule calls after Close fail with
// ErrSchedulerClosed.
func (t *Timers) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for taskID, entry := range t.pending {
		entry.timer.Stop()
		delete(t.pending, taskID)
	}
	t.mu.Unlock()

	t.cancel()
}

// Ensure Timers implements Scheduler.
var _ Scheduler = (*Timers)(nil)
