package api

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/victornm/trivia/internal/broadcast"
	"github.com/victornm/trivia/internal/event"
)

const maxConcurrent = 100

// PublishEvent fans an engine event out to the redis channels of its audiences, so displays
// attached to another process can follow the match.
func (a *API) PublishEvent(ctx context.Context, e event.Event) error {
	msgs := broadcast.Route(e)
	if len(msgs) == 0 {
		return nil
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, m := range msgs {
		eg.Go(func() error {
			return a.publishMessage(ctx, m)
		})
	}

	return eg.Wait()
}

func (a *API) publishMessage(ctx context.Context, m broadcast.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", m.Event, err)
	}

	return a.redis.Publish(ctx, Channel(a.prefix, m), b).Err()
}

// Channel is the redis channel a message is published on:
// {prefix}:match:{session}:operator, …:players or …:participant:{id}.
func Channel(prefix string, m broadcast.Message) string {
	c := fmt.Sprintf("%s:match:%s:%s", prefix, m.SessionID, m.Audience)
	if m.Audience == broadcast.AudienceParticipant {
		c += ":" + m.ParticipantID
	}
	return c
}
