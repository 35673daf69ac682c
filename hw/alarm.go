package hw

import (
	"sync"
	"time"
)

// Alarm schedules one-shot callbacks on behalf of the core. The real
// binding runs callbacks on its timer goroutine; fakes can fire them by
// hand.
type Alarm interface {

	// After arranges for fn to run once after d. The returned cancel
	// function stops the callback if it hasn't fired yet.
	After(d time.Duration, fn func()) (cancel func(), err error)
}

// TimerAlarm schedules callbacks with time.AfterFunc.
type TimerAlarm struct{}

func (TimerAlarm) After(d time.Duration, fn func()) (cancel func(), err error) {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }, nil
}

// Periodic re-arms an alarm at a fixed period for as long as the keep
// predicate holds. The predicate is checked after each tick completes,
// so one extra tick may run after it goes false.
type Periodic struct {
	Alarm  Alarm
	Period time.Duration
	Keep   func() bool
	Tick   func()

	// Fail, if set, is called when re-arming the alarm fails. The task
	// stops in that case.
	Fail func(err error)

	mu     sync.Mutex
	cancel func()
}

// Start schedules the first tick.
func (p *Periodic) Start() error {
	return p.arm()
}

// Stop cancels the pending tick, if any. A tick that is already running
// is not interrupted, and it will not re-arm if Keep has gone false.
func (p *Periodic) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *Periodic) arm() error {
	cancel, err := p.Alarm.After(p.Period, p.run)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	return nil
}

func (p *Periodic) run() {
	p.Tick()

	if p.Keep() {
		if err := p.arm(); err != nil && p.Fail != nil {
			p.Fail(err)
		}
	}
}

// StepAlarm is an Alarm whose callbacks fire only when Fire is called.
// It is mainly useful in tests.
type StepAlarm struct {
	// Err, if set, is returned by After instead of scheduling.
	Err error

	mu      sync.Mutex
	nextID  int
	pending []stepEntry
}

type stepEntry struct {
	id int
	fn func()
}

func (a *StepAlarm) After(d time.Duration, fn func()) (cancel func(), err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.Err != nil {
		return nil, a.Err
	}

	id := a.nextID
	a.nextID++
	a.pending = append(a.pending, stepEntry{id: id, fn: fn})

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()

		for i := range a.pending {
			if a.pending[i].id == id {
				a.pending = append(a.pending[:i], a.pending[i+1:]...)
				break
			}
		}
	}, nil
}

// Fire runs all pending callbacks in the order they were scheduled.
// Callbacks scheduled while firing run on the next Fire.
func (a *StepAlarm) Fire() {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()

	for _, e := range batch {
		e.fn()
	}
}

// Pending reports the number of scheduled callbacks.
func (a *StepAlarm) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
