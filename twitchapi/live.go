package twitchapi

import (
	"context"
	"strings"
)

// LiveSource answers liveness for the room runners.
type LiveSource struct {
	Helix *HelixClient
}

// NewLiveSource builds a LiveSource from app credentials.
func NewLiveSource(clientID, clientSecret string) *LiveSource {
	return &LiveSource{Helix: &HelixClient{
		AppTokenSource: &TokenSource{ClientID: clientID, ClientSecret: clientSecret},
		ClientID:       clientID,
	}}
}

// IsLive reports whether login is broadcasting. An error means the state is
// unknown, not that the channel is offline.
func (l *LiveSource) IsLive(ctx context.Context, login string) (bool, error) {
	streams, err := l.Helix.GetStreams(ctx, login)
	if err != nil {
		return false, err
	}
	for _, s := range streams {
		if strings.EqualFold(s.UserLogin, login) || s.UserLogin == "" {
			return true, nil
		}
	}
	return false, nil
}
