// Package notify fans pipeline events out to operators. Delivery is best
// effort: callers log a failed notification and carry on.
package notify

import (
	"context"
	"errors"
	"time"
)

// Kind names what happened.
type Kind string

const (
	StageFailed     Kind = "stage_failed"
	UploadSucceeded Kind = "upload_succeeded"
	MarkerSet       Kind = "marker_set"
)

// Failure reports whether the kind needs operator attention.
func (k Kind) Failure() bool { return k == StageFailed || k == MarkerSet }

// Event is one notification.
type Event struct {
	Kind    Kind      `json:"kind"`
	Room    string    `json:"room_id"`
	Session string    `json:"session,omitempty"`
	Stage   string    `json:"stage,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	IDs     []string  `json:"published,omitempty"`
	Time    time.Time `json:"time"`
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
