// Package assist orchestrates the AI compose step. Preview returns a
// suggestion without touching conversation state; the client holds the
// draft and commits by calling the relay explicitly. DirectReply, used
// when the peer is the AI identity itself, persists the provider's answer
// as a message from the AI.
package assist

import (
	"context"
	"time"

	"go.uber.org/zap"

	"convo/models"
	"convo/relay"
)

type Coordinator struct {
	provider Provider
	relay    *relay.Relay
	aiUser   string
	timeout  time.Duration
	log      *zap.Logger
}

func NewCoordinator(provider Provider, messageRelay *relay.Relay, aiUser string,
	timeout time.Duration, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		provider: provider,
		relay:    messageRelay,
		aiUser:   aiUser,
		timeout:  timeout,
		log:      log,
	}
}

// Preview asks the provider for a suggested reply to the draft. It never
// creates a message; discarding, editing and committing are all up to the
// caller.
func (c *Coordinator) Preview(ctx context.Context, username, draft string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	suggestion, err := c.provider.Complete(ctx, draft)
	if err != nil {
		c.log.Warn("compose preview failed", zap.String("user", username), zap.Error(err))
		return "", err
	}
	return suggestion, nil
}

// DirectReply answers a user chatting with the AI identity: the
// provider's reply is persisted as a message from the AI to the user,
// bypassing the friendship gate. Provider failure persists nothing.
func (c *Coordinator) DirectReply(ctx context.Context, username, draft string) (*models.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reply, err := c.provider.Complete(ctx, draft)
	if err != nil {
		c.log.Warn("direct reply failed", zap.String("user", username), zap.Error(err))
		return nil, err
	}

	return c.relay.Send(c.aiUser, username, reply)
}
