// Package devlink is a loopback transport for local development. It pairs
// instantly with a synthetic number and logs every send instead of
// delivering it. Production deployments plug a real bridge in through the
// transport.Dialer seam.
package devlink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"wabot/internal/transport"
	"wabot/pkg/logx"
)

type Dialer struct {
	log logx.Logger
}

func New(log logx.Logger) *Dialer {
	return &Dialer{log: log}
}

func (d *Dialer) Dial(_ context.Context, clientID string, h transport.Handlers) (transport.Client, error) {
	return &client{
		id:  clientID,
		h:   h,
		log: d.log.With(logx.String("client", clientID)),
	}, nil
}

type client struct {
	id  string
	h   transport.Handlers
	log logx.Logger

	mu        sync.Mutex
	connected bool
}

func (c *client) Connect(ctx context.Context) error {
	if c.h.OnPairingCode != nil {
		c.h.OnPairingCode("devlink:" + c.id)
	}
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	if c.h.OnReady != nil {
		c.h.OnReady(transport.UserJID(syntheticNumber(c.id)))
	}
	return nil
}

func (c *client) Close(context.Context) error {
	c.mu.Lock()
	was := c.connected
	c.connected = false
	c.mu.Unlock()
	if was && c.h.OnDisconnect != nil {
		c.h.OnDisconnect("closed")
	}
	return nil
}

func (c *client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *client) SendText(_ context.Context, to transport.JID, text string, _ *transport.SendOptions) error {
	c.log.Info("devlink text", logx.String("to", string(to)), logx.String("text", text))
	return nil
}

func (c *client) SendMedia(_ context.Context, to transport.JID, media transport.Media, _ *transport.SendOptions) error {
	c.log.Info("devlink media", logx.String("to", string(to)), logx.String("kind", string(media.Kind)), logx.Int("bytes", len(media.Data)))
	return nil
}

func (c *client) Participants(context.Context, transport.JID) ([]transport.Participant, error) {
	return nil, nil
}

func (c *client) RemoveParticipants(_ context.Context, group transport.JID, members []transport.JID) error {
	c.log.Info("devlink remove", logx.String("group", string(group)), logx.Int("members", len(members)))
	return nil
}

func (c *client) CreateGroup(_ context.Context, name string, _ []transport.JID) (transport.JID, error) {
	c.log.Info("devlink create group", logx.String("name", name))
	return transport.JID(name + "@g.us"), nil
}

func (c *client) DeleteMessage(context.Context, transport.MessageRef) error { return nil }

func (c *client) React(context.Context, transport.MessageRef, string) error { return nil }

func (c *client) DownloadMedia(context.Context, transport.MessageRef) (transport.Media, error) {
	return transport.Media{}, transport.ErrMediaExpired
}

// syntheticNumber derives a stable fake number from the client id so the
// same session pairs to the same identity across restarts.
func syntheticNumber(id string) string {
	var sum uint32
	for i := 0; i < len(id); i++ {
		sum = sum*31 + uint32(id[i])
	}
	return fmt.Sprintf("62%09d", sum%1_000_000_000)
}
