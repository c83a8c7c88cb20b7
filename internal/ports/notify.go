package ports

import "context"

// EventKind names a notification pushed to a participant.
type EventKind string

const (
	EventQueued        EventKind = "queued"
	EventQueueReleased EventKind = "queue_released"
	EventMatchStarted  EventKind = "match_started"
	EventRoundStarted  EventKind = "round_started"
	EventMoveApplied   EventKind = "move_applied"
	EventRoundOver     EventKind = "round_over"
	EventMatchOver     EventKind = "match_over"
)

// Notifier delivers events to participants. Delivery is best effort; callers
// log errors and carry on.
type Notifier interface {
	Notify(ctx context.Context, participantID string, kind EventKind, payload any) error
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, EventKind, any) error { return nil }
