/*Package capture sequences a multi-light capture session.

An Engine is a state machine advanced one step per call to Tick.  For each
light in its queue it switches the light on and fires the shutter (idle),
waits a fixed number of ticks for the hardware (preparing), then watches the
folder for the image once per tick (polling).  A light whose image does not
arrive in time is retried, and after the last retry recorded as failed; either
way the engine moves on.  Nothing inside the engine blocks between ticks, so
whatever drives it (a Runner, a GUI timer, a test) stays responsive.

The engine is not safe for concurrent use; Runner serializes access.
*/
package capture

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/paleobytes/ptmrig/arrival"
	"github.com/paleobytes/ptmrig/session"
	"github.com/paleobytes/ptmrig/util"
)

var (
	// ErrCaptureTimeout is generated when no image arrives within the polling timeout
	ErrCaptureTimeout = errors.New("capture: no image arrived before the polling timeout")

	// ErrSessionActive is generated when a session is started while one is running
	ErrSessionActive = errors.New("capture: a session is already active")

	// ErrNoSession is generated when a session is paused or resumed while none is running
	ErrNoSession = errors.New("capture: no active session")

	// ErrEmptyQueue is generated when a session is started with nothing to capture
	ErrEmptyQueue = errors.New("capture: nothing to capture")

	// ErrIndexOutOfRange is generated by CheckQueue
	ErrIndexOutOfRange = errors.New("capture: light index out of range")
)

// Status is the sub-state of the light being captured
type Status int

const (
	// Idle is about to switch a light on and fire
	Idle Status = iota

	// Preparing waits for the light and camera to settle
	Preparing

	// Polling watches the folder for the image
	Polling
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preparing:
		return "preparing"
	case Polling:
		return "polling"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalText makes Status show up by name in JSON
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText is the inverse of MarshalText
func (s *Status) UnmarshalText(b []byte) error {
	for _, c := range []Status{Idle, Preparing, Polling} {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("capture: unknown status %q", b)
}

// noIndex is the out-of-range sentinel for "no previous light"
const noIndex = -1

// Device is the light controller as seen by the engine
type Device interface {
	Illuminate(index int) error
	Shoot(index int) error
	Close() error
}

// Opener acquires the device at session start
type Opener func() (Device, error)

// Watcher finds images that arrived after a watermark
type Watcher interface {
	PollNewest(dir string, watermark time.Time) (arrival.Image, bool, error)
}

// Params are the session constants, fixed for the life of a session
type Params struct {
	// LightCount is N, the number of lights
	LightCount int

	// AutoRetryMaximum is the number of retries after the first attempt
	AutoRetryMaximum int

	// PreparationTicks is the number of ticks between firing and the first poll
	PreparationTicks int

	// PollingTimeout is the number of unsuccessful polls tolerated before a retry
	PollingTimeout int
}

// State is a snapshot of the engine
type State struct {
	Active    bool      `json:"active"`
	Status    Status    `json:"status"`
	Current   int       `json:"current"`
	Previous  int       `json:"previous"`
	Pending   []int     `json:"pending"`
	Retry     int       `json:"retry"`
	Counter   int       `json:"counter"`
	Watermark time.Time `json:"watermark"`
	Dir       string    `json:"dir"`
}

// Engine runs capture sessions against one folder's session log
type Engine struct {
	params  Params
	open    Opener
	watcher Watcher
	log     *session.Log

	// Now is the clock used for watermarks
	Now func() time.Time

	// Report, if not nil, is called synchronously with every event
	Report func(Event)

	// Metrics, if not nil, are updated with every event
	Metrics *Metrics

	dev       Device
	active    bool
	status    Status
	current   int
	previous  int
	queue     []int
	retry     int
	counter   int
	watermark time.Time
}

// NewEngine returns an idle engine.  It panics if p.LightCount is not positive.
func NewEngine(p Params, open Opener, w Watcher, l *session.Log) *Engine {
	if p.LightCount <= 0 {
		panic(fmt.Sprintf("capture: light count must be positive, got %d", p.LightCount))
	}
	return &Engine{
		params:   p,
		open:     open,
		watcher:  w,
		log:      l,
		Now:      time.Now,
		current:  noIndex,
		previous: noIndex,
	}
}

// CheckQueue returns an error wrapping ErrIndexOutOfRange if any index is
// outside [0, n)
func CheckQueue(queue []int, n int) error {
	for _, i := range queue {
		if i < 0 || i >= n {
			return fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, i, n)
		}
	}
	return nil
}

// FullQueue returns 0..n-1
func FullQueue(n int) []int {
	q := make([]int, n)
	for i := range q {
		q[i] = i
	}
	return q
}

// RetakeQueue orders a user selection for capture: ascending, without repeats
func RetakeQueue(selected []int) []int {
	return util.UniqueSortedInts(selected)
}

// Log is the session log the engine records into
func (e *Engine) Log() *session.Log {
	return e.log
}

// Params returns the session constants
func (e *Engine) Params() Params {
	return e.params
}

// Active reports if a session is running
func (e *Engine) Active() bool {
	return e.active
}

// State returns a snapshot of the engine
func (e *Engine) State() State {
	pending := make([]int, len(e.queue))
	copy(pending, e.queue)
	return State{
		Active:    e.active,
		Status:    e.status,
		Current:   e.current,
		Previous:  e.previous,
		Pending:   pending,
		Retry:     e.retry,
		Counter:   e.counter,
		Watermark: e.watermark,
		Dir:       e.log.Dir(),
	}
}

// Start opens the device and begins a session over queue, which is consumed
// front to back.  Records for queued lights are overwritten in place.  Start
// panics if queue holds an index outside [0, LightCount); check user input
// with CheckQueue.
func (e *Engine) Start(queue []int) error {
	if e.active {
		return ErrSessionActive
	}
	if len(queue) == 0 {
		return ErrEmptyQueue
	}
	if err := CheckQueue(queue, e.params.LightCount); err != nil {
		panic(err)
	}
	dev, err := e.open()
	if err != nil {
		return err
	}
	e.dev = dev
	e.queue = append([]int(nil), queue[1:]...)
	e.current = queue[0]
	e.previous = noIndex
	e.status = Idle
	e.retry = 0
	e.counter = 0
	e.watermark = e.Now()
	e.active = true
	log.Printf("capture: session started in %s, lights %s\n", e.log.Dir(), util.IntSliceToCSV(plusOne(queue)))
	e.emit(Event{Kind: EventStarted, Index: e.current})
	return nil
}

func plusOne(is []int) []int {
	out := make([]int, len(is))
	for i, v := range is {
		out[i] = v + 1
	}
	return out
}

// Tick advances the session by one step.  It returns false once no session
// is active, including after the step that completes one.
func (e *Engine) Tick() bool {
	if !e.active {
		return false
	}
	switch e.status {
	case Idle:
		e.fire()
	case Preparing:
		if e.counter >= e.params.PreparationTicks {
			e.status = Polling
			e.counter = 0
		} else {
			e.counter++
		}
	case Polling:
		e.poll()
	}
	return e.active
}

// fire switches the current light on and fires the shutter.  The shutter goes
// immediately; Preparing covers the time the camera needs to write the file.
func (e *Engine) fire() {
	if e.current != e.previous {
		// never look backward: a file claimed for the previous light stays claimed
		if now := e.Now(); now.After(e.watermark) {
			e.watermark = now
		}
	}
	if err := e.dev.Illuminate(e.current); err != nil {
		e.emit(Event{Kind: EventDeviceError, Index: e.current, Retry: e.retry, Err: err})
	}
	if err := e.dev.Shoot(e.current); err != nil {
		e.emit(Event{Kind: EventDeviceError, Index: e.current, Retry: e.retry, Err: err})
	}
	e.emit(Event{Kind: EventFired, Index: e.current, Retry: e.retry})
	e.counter = 0
	e.status = Preparing
}

func (e *Engine) poll() {
	dir := e.log.Dir()
	img, ok, err := e.watcher.PollNewest(dir, e.watermark)
	if err != nil {
		log.Printf("capture: [#%d-%d] polling %s: %v\n", e.current+1, e.retry, dir, err)
	}
	switch {
	case ok:
		if img.ModTime.After(e.watermark) {
			e.watermark = img.ModTime
		}
		e.record(session.Record{Index: e.current, Dir: dir, Filename: img.Name, Included: true}, nil)
		e.advance()
	case e.counter < e.params.PollingTimeout:
		e.counter++
	case e.retry < e.params.AutoRetryMaximum:
		e.retry++
		e.counter = 0
		e.status = Idle
		e.emit(Event{Kind: EventRetry, Index: e.current, Retry: e.retry, Err: ErrCaptureTimeout})
	default:
		e.record(session.Failed(e.current), ErrCaptureTimeout)
		e.advance()
	}
}

func (e *Engine) record(r session.Record, failure error) {
	if err := e.log.Append(r); err != nil {
		e.emit(Event{Kind: EventLogError, Index: r.Index, Err: err})
	}
	kind := EventRecorded
	if failure != nil {
		kind = EventFailed
	}
	e.emit(Event{Kind: kind, Index: r.Index, Retry: e.retry, Record: r, Err: failure})
}

// advance moves to the next queued light, or finishes the session
func (e *Engine) advance() {
	e.retry = 0
	e.counter = 0
	e.previous = e.current
	e.status = Idle
	if len(e.queue) > 0 {
		e.current = e.queue[0]
		e.queue = e.queue[1:]
		return
	}
	e.finish(EventComplete)
}

// Stop ends the session now.  The light in progress is left unrecorded.
// Stopping an inactive engine does nothing.
func (e *Engine) Stop() {
	if !e.active {
		return
	}
	e.queue = nil
	e.finish(EventStopped)
}

func (e *Engine) finish(kind EventKind) {
	idx := e.current
	e.active = false
	e.status = Idle
	e.queue = nil
	if err := e.log.Save(); err != nil {
		e.emit(Event{Kind: EventLogError, Index: idx, Err: err})
	}
	if err := e.dev.Close(); err != nil {
		e.emit(Event{Kind: EventDeviceError, Index: idx, Err: err})
	}
	e.dev = nil
	e.emit(Event{Kind: kind, Index: idx})
}

func (e *Engine) emit(ev Event) {
	logEvent(ev)
	if e.Metrics != nil {
		e.Metrics.observe(ev)
	}
	if e.Report != nil {
		e.Report(ev)
	}
}
