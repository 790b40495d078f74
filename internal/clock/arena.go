package clock

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrArenaStopped is returned when scheduling on an arena that has been stopped.
var ErrArenaStopped = errors.New("timer arena stopped")

// TimerInfo describes an outstanding timer.
type TimerInfo struct {
	ID          string    `json:"id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Remaining   string    `json:"remaining"`
	Repeating   bool      `json:"repeating"`
	Description string    `json:"description"`
}

// entry tracks one scheduled timer. A repeating timer keeps its ID and gets
// a fresh entry each time it is re-armed.
type entry struct {
	handle      Handle
	scheduledAt time.Time
	expiresAt   time.Time
	every       time.Duration
	description string
}

// Arena owns every timer of a session so they can be cancelled together.
type Arena struct {
	clock   Clock
	mu      sync.Mutex
	timers  map[string]*entry
	nextID  int64
	stopped bool
}

// NewArena creates an Arena scheduling on c.
func NewArena(c Clock) *Arena {
	slog.Debug("Creating timer Arena")
	return &Arena{
		clock:  c,
		timers: make(map[string]*entry),
	}
}

// ScheduleAfter runs fn once after delay.
func (a *Arena) ScheduleAfter(delay time.Duration, description string, fn func()) (string, error) {
	id, err := a.arm("", delay, 0, description, fn)
	if err != nil {
		return "", err
	}
	slog.Debug("Arena.ScheduleAfter: scheduled", "id", id, "delay", delay, "description", description)
	return id, nil
}

// ScheduleEvery runs fn every interval until the timer is cancelled.
func (a *Arena) ScheduleEvery(interval time.Duration, description string, fn func()) (string, error) {
	if interval <= 0 {
		return "", fmt.Errorf("invalid interval %v", interval)
	}
	id, err := a.arm("", interval, interval, description, fn)
	if err != nil {
		return "", err
	}
	slog.Debug("Arena.ScheduleEvery: scheduled", "id", id, "interval", interval, "description", description)
	return id, nil
}

// arm registers a timer. An empty id allocates a new one.
func (a *Arena) arm(id string, delay, every time.Duration, description string, fn func()) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return "", ErrArenaStopped
	}
	if id == "" {
		a.nextID++
		id = fmt.Sprintf("timer_%d", a.nextID)
	}

	now := a.clock.Now()
	e := &entry{
		scheduledAt: now,
		expiresAt:   now.Add(delay),
		every:       every,
		description: description,
	}
	e.handle = a.clock.AfterFunc(delay, func() { a.fire(id, e, fn) })
	a.timers[id] = e
	return id, nil
}

func (a *Arena) fire(id string, e *entry, fn func()) {
	a.mu.Lock()
	if a.timers[id] != e {
		// cancelled or replaced
		a.mu.Unlock()
		return
	}
	if e.every == 0 {
		delete(a.timers, id)
	}
	a.mu.Unlock()

	fn()

	if e.every > 0 {
		a.rearm(id, e, fn)
	}
}

func (a *Arena) rearm(id string, prev *entry, fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped || a.timers[id] != prev {
		return
	}
	now := a.clock.Now()
	e := &entry{
		scheduledAt: now,
		expiresAt:   now.Add(prev.every),
		every:       prev.every,
		description: prev.description,
	}
	e.handle = a.clock.AfterFunc(prev.every, func() { a.fire(id, e, fn) })
	a.timers[id] = e
}

// Cancel stops the timer with the given ID. Unknown IDs are ignored.
func (a *Arena) Cancel(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if e, ok := a.timers[id]; ok {
		e.handle.Stop()
		delete(a.timers, id)
		slog.Debug("Arena.Cancel: cancelled", "id", id)
	}
}

// Stop cancels every outstanding timer and refuses further scheduling.
func (a *Arena) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, e := range a.timers {
		e.handle.Stop()
		slog.Debug("Arena.Stop: stopped timer", "id", id)
	}
	a.timers = make(map[string]*entry)
	a.stopped = true
	slog.Debug("Arena.Stop: stopped all timers")
}

// Active reports whether the timer with the given ID is still outstanding.
func (a *Arena) Active(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.timers[id]
	return ok
}

// ListActive returns information about all outstanding timers.
func (a *Arena) ListActive() []TimerInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	result := make([]TimerInfo, 0, len(a.timers))
	for id, e := range a.timers {
		remaining := e.expiresAt.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		result = append(result, TimerInfo{
			ID:          id,
			ScheduledAt: e.scheduledAt,
			ExpiresAt:   e.expiresAt,
			Remaining:   remaining.String(),
			Repeating:   e.every > 0,
			Description: e.description,
		})
	}
	return result
}
