// Package announce turns background detection labels into spoken-style
// announcements and delivers them to sinks such as websocket clients.
package announce

import (
	"context"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Kind tells whether an announcement reports new objects or repeats the
// current scene.
type Kind string

const (
	KindNew    Kind = "new"
	KindRepeat Kind = "repeat"
)

type Announcement struct {
	Kind   Kind      `json:"kind"`
	Text   string    `json:"text"`
	Labels []string  `json:"labels"`
	At     time.Time `json:"at"`
}

func newAnnouncement(kind Kind, labels []string, at time.Time) Announcement {
	return Announcement{
		Kind:   kind,
		Text:   strings.Join(labels, ", "),
		Labels: labels,
		At:     at,
	}
}

// Sink receives announcements.
type Sink interface {
	Announce(ctx context.Context, a Announcement) error
}

// Multi delivers to every sink, even when some fail.
type Multi []Sink

func (m Multi) Announce(ctx context.Context, a Announcement) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Announce(ctx, a))
	}
	return err
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, a Announcement) error

func (f SinkFunc) Announce(ctx context.Context, a Announcement) error {
	return f(ctx, a)
}
