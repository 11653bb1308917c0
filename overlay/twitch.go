package overlay

import (
	"context"
	"errors"
	"strings"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// Feed delivers a room's raw events until ctx ends or the connection drops.
type Feed interface {
	Run(ctx context.Context, roomID string, emit func(RawEvent)) error
}

// TwitchFeed reads a channel's chat over IRC. Without credentials it joins
// anonymously (read-only), which is all recording needs.
type TwitchFeed struct {
	Username   string
	OAuthToken string
}

func (f *TwitchFeed) client() *twitch.Client {
	if f.Username == "" || f.OAuthToken == "" {
		return twitch.NewAnonymousClient()
	}
	token := f.OAuthToken
	if !strings.HasPrefix(token, "oauth:") {
		token = "oauth:" + token
	}
	return twitch.NewClient(f.Username, token)
}

// Run connects, joins roomID and blocks until ctx is done or the connection ends.
func (f *TwitchFeed) Run(ctx context.Context, roomID string, emit func(RawEvent)) error {
	client := f.client()

	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		name := msg.User.DisplayName
		if name == "" {
			name = msg.User.Name
		}
		emit(RawEvent{Kind: KindText, Time: msg.Time, AuthorID: msg.User.ID, AuthorName: name, Text: msg.Message})
	})
	client.OnUserNoticeMessage(func(msg twitch.UserNoticeMessage) {
		kind := KindNotice
		if strings.Contains(msg.MsgID, "gift") {
			kind = KindGift
		}
		emit(RawEvent{Kind: kind, Time: msg.Time, AuthorID: msg.User.ID, AuthorName: msg.User.Name, Text: msg.Message})
	})
	client.OnClearChatMessage(func(msg twitch.ClearChatMessage) {
		emit(RawEvent{Kind: KindSystem, Time: msg.Time})
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = client.Disconnect()
		case <-done:
		}
	}()

	client.Join(strings.ToLower(roomID))
	err := client.Connect()
	if ctx.Err() != nil && (err == nil || errors.Is(err, twitch.ErrClientDisconnected)) {
		return nil
	}
	if err == nil {
		err = errors.New("chat connection closed")
	}
	return err
}
