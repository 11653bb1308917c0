package notify

import (
	"context"
	"fmt"

	slackapi "github.com/slack-go/slack"
)

// Slack posts failure events to an incoming webhook. Other kinds are ignored.
type Slack struct {
	WebhookURL string
}

func (s *Slack) Notify(ctx context.Context, ev Event) error {
	if s.WebhookURL == "" || !ev.Kind.Failure() {
		return nil
	}
	msg := &slackapi.WebhookMessage{
		Text:        fmt.Sprintf("live-tender: %s for room %s", ev.Kind, ev.Room),
		Attachments: []slackapi.Attachment{eventToAttachment(ev)},
	}
	if err := slackapi.PostWebhookContext(ctx, s.WebhookURL, msg); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}

func eventToAttachment(ev Event) slackapi.Attachment {
	att := slackapi.Attachment{
		Title:    string(ev.Kind),
		Text:     ev.Detail,
		Color:    "danger",
		Fallback: fmt.Sprintf("%s %s %s", ev.Kind, ev.Room, ev.Session),
	}
	add := func(title, value string) {
		if value != "" {
			att.Fields = append(att.Fields, slackapi.AttachmentField{Title: title, Value: value, Short: true})
		}
	}
	add("Room", ev.Room)
	add("Session", ev.Session)
	add("Stage", ev.Stage)
	return att
}
