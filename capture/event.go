package capture

import (
	"log"

	"github.com/paleobytes/ptmrig/session"
)

// EventKind classifies an Event
type EventKind int

const (
	// EventStarted is emitted when a session begins
	EventStarted EventKind = iota

	// EventFired is emitted after the light is switched on and the shutter fired
	EventFired

	// EventRecorded is emitted when an image is attributed to a light
	EventRecorded

	// EventRetry is emitted when a light is attempted again after a timeout
	EventRetry

	// EventFailed is emitted when a light runs out of retries
	EventFailed

	// EventComplete is emitted when the queue is exhausted
	EventComplete

	// EventStopped is emitted when a session is stopped early
	EventStopped

	// EventDeviceError is emitted when a device write or close fails.
	// The session carries on; the timeout path covers a lost shot.
	EventDeviceError

	// EventLogError is emitted when the session log cannot be written
	EventLogError
)

var eventNames = [...]string{
	EventStarted:     "started",
	EventFired:       "fired",
	EventRecorded:    "recorded",
	EventRetry:       "retry",
	EventFailed:      "failed",
	EventComplete:    "complete",
	EventStopped:     "stopped",
	EventDeviceError: "device-error",
	EventLogError:    "log-error",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

// Event reports progress of a session
type Event struct {
	Kind   EventKind
	Index  int
	Retry  int
	Record session.Record
	Err    error
}

func logEvent(ev Event) {
	switch ev.Kind {
	case EventRecorded:
		log.Printf("capture: [#%d-%d] %s\n", ev.Index+1, ev.Retry, ev.Record.Filename)
	case EventRetry:
		log.Printf("capture: [#%d-%d] %v, retrying\n", ev.Index+1, ev.Retry, ev.Err)
	case EventFailed:
		log.Printf("capture: [#%d-%d] %v, recorded as missing\n", ev.Index+1, ev.Retry, ev.Err)
	case EventComplete:
		log.Println("capture: session complete")
	case EventStopped:
		log.Printf("capture: session stopped at light %d\n", ev.Index+1)
	case EventDeviceError, EventLogError:
		log.Printf("capture: [#%d] %s: %v\n", ev.Index+1, ev.Kind, ev.Err)
	}
}
