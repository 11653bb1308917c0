// Package overlay records a room's chat as a timestamped JSONL log during a
// session, and renders that log into scrolling ASS subtitles for burn-in.
package overlay

import (
	"strings"
	"time"
)

// Kind classifies raw feed events.
type Kind int

const (
	KindText Kind = iota
	KindNotice
	KindGift
	KindSystem
)

// RawEvent is what a Feed delivers.
type RawEvent struct {
	Kind       Kind
	Time       time.Time
	AuthorID   string
	AuthorName string
	Text       string
}

// Event is one line of the overlay log.
type Event struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Time  int64  `json:"time"` // unix milliseconds
	UID   string `json:"uid"`
	UName string `json:"uname"`
}

const eventType = "danmaku"

// Accept reports whether ev belongs in the overlay log: only text messages
// with an identified author and non-blank text are kept. Kept text is logged
// as delivered.
func Accept(ev RawEvent) bool {
	if ev.Kind != KindText {
		return false
	}
	if ev.AuthorID == "" || ev.AuthorName == "" {
		return false
	}
	return strings.TrimSpace(ev.Text) != ""
}

func toEvent(ev RawEvent) Event {
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return Event{
		Type:  eventType,
		Text:  ev.Text,
		Time:  ts.UnixMilli(),
		UID:   ev.AuthorID,
		UName: ev.AuthorName,
	}
}
