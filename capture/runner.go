package capture

import (
	"context"
	"log"
	"sync"
	"time"
)

// Runner drives an Engine from a ticker on its own goroutine.  All methods
// are safe for concurrent use; they take effect between ticks.
type Runner struct {
	mu     sync.Mutex
	eng    *Engine
	period time.Duration
	paused bool
	done   chan struct{}
}

// NewRunner returns a Runner that ticks eng once per period
func NewRunner(eng *Engine, period time.Duration) *Runner {
	return &Runner{eng: eng, period: period}
}

// Start begins a session over queue and starts ticking it
func (r *Runner) Start(queue []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.eng.Start(queue); err != nil {
		return err
	}
	r.paused = false
	r.done = make(chan struct{})
	go r.run(r.done)
	return nil
}

// Pause freezes the session between ticks
func (r *Runner) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.eng.Active() {
		return ErrNoSession
	}
	r.paused = true
	log.Println("capture: paused")
	return nil
}

// Continue resumes a paused session in the sub-state it was paused in
func (r *Runner) Continue() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.eng.Active() {
		return ErrNoSession
	}
	r.paused = false
	log.Println("capture: continued")
	return nil
}

// Stop ends the session, releasing the device.  It does not wait for the
// ticker goroutine to exit; use Wait for that.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
	r.eng.Stop()
}

// Paused reports if the session is paused
func (r *Runner) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// State returns a snapshot of the engine
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eng.State()
}

// Do runs fn with exclusive access to the engine, for work that must not
// interleave with a tick
func (r *Runner) Do(fn func(*Engine) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(r.eng)
}

// Wait blocks until the current session's goroutine exits or ctx is done
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) run(done chan struct{}) {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()
	defer close(done)
	for range ticker.C {
		if !r.step(done) {
			return
		}
	}
}

// step ticks the engine once unless paused.  A goroutine left over from a
// stopped session exits without touching the engine.  A panic inside the
// tick stops the session so the device is still released.
func (r *Runner) step(done chan struct{}) (alive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if done != r.done {
		return false
	}
	defer func() {
		if p := recover(); p != nil {
			log.Printf("capture: tick panicked, stopping session: %v\n", p)
			r.eng.Stop()
			alive = false
		}
	}()
	if r.paused {
		return r.eng.Active()
	}
	return r.eng.Tick()
}
