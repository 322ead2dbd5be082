// Package events provides a small in-process event bus the supervisor uses
// to announce lifecycle and action transitions to any subscriber (e.g. the
// out-of-scope HTTP façade, or a log sink).
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the event kinds spec.md §6 names.
type Type string

const (
	// TypeStarted fires once the supervisor's tick loop begins running.
	TypeStarted Type = "started"
	// TypeStopped fires once the supervisor's tick loop has been cancelled.
	TypeStopped Type = "stopped"
	// TypeAction fires after every dispatch attempt, successful or not.
	TypeAction Type = "action"
	// TypeRecovery fires when a modem transitions from an active problem
	// episode back to healthy.
	TypeRecovery Type = "recovery"
	// TypeRebootImminent fires at the start of a MAXIMUM-level dispatch's
	// warning countdown, before the host reboot is issued.
	TypeRebootImminent Type = "reboot_imminent"
)

// Event is a single notification emitted by the supervisor.
type Event struct {
	ID        string
	Type      Type
	ModemID   string
	Timestamp time.Time
	Payload   any
}

// ActionPayload is the Payload of a TypeAction event.
type ActionPayload struct {
	ModemID   string
	Level     int
	LevelName string
	Problem   string
	Action    string
	Success   bool
}

// RecoveryPayload is the Payload of a TypeRecovery event.
type RecoveryPayload struct {
	ModemID         string
	PreviousLevel   int
	ProblemDuration time.Duration
}

// RebootImminentPayload is the Payload of a TypeRebootImminent event.
type RebootImminentPayload struct {
	ModemID   string
	Reason    string
	Countdown time.Duration
}

// Bus fans events out to any number of subscribers. Construct with New
// (the zero value is also ready to use). Publish never blocks: a subscriber that falls
// behind drops events rather than stalling the supervisor's tick loop.
type Bus struct {
	mu   sync.Mutex
	subs []chan Event
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe returns a channel that receives every event published after the
// call to Subscribe. The channel has a small buffer; if a subscriber can't
// keep up, events are dropped for that subscriber rather than blocking
// Publish.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, 32)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish stamps the event with a fresh ID and the given timestamp and
// delivers it to all subscribers.
func (b *Bus) Publish(typ Type, modemID string, now time.Time, payload any) Event {
	evt := Event{
		ID:        uuid.NewString(),
		Type:      typ,
		ModemID:   modemID,
		Timestamp: now,
		Payload:   payload,
	}
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
	return evt
}
