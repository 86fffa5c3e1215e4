// Package transporttest provides in-memory transport fakes for engine tests.
package transporttest

import (
	"context"
	"sync"

	"wabot/internal/transport"
)

// Dialer hands out fake clients and remembers them per clientID.
type Dialer struct {
	mu      sync.Mutex
	DialErr error
	clients []*Client
}

func (d *Dialer) Dial(_ context.Context, clientID string, h transport.Handlers) (transport.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	c := &Client{ClientID: clientID, Handlers: h, Parts: map[transport.JID][]transport.Participant{}, Downloads: map[string]transport.Media{}}
	d.clients = append(d.clients, c)
	return c, nil
}

// Last returns the most recently dialed client, or nil.
func (d *Dialer) Last() *Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.clients) == 0 {
		return nil
	}
	return d.clients[len(d.clients)-1]
}

func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

type SentText struct {
	To   transport.JID
	Text string
	Opt  *transport.SendOptions
}

type SentMedia struct {
	To    transport.JID
	Media transport.Media
	Opt   *transport.SendOptions
}

type Reaction struct {
	Ref   transport.MessageRef
	Emoji string
}

type Removal struct {
	Group   transport.JID
	Members []transport.JID
}

// Client is a scriptable transport.Client. Zero value is usable; populate
// the exported fields to script behavior and inspect them to assert calls.
type Client struct {
	mu sync.Mutex

	ClientID string
	Handlers transport.Handlers

	ConnectErr  error
	SendTextErr func(to transport.JID) error
	RemoveErr   func(member transport.JID) error
	DeleteErr   error
	DownloadErr error
	closed      bool
	connected   bool

	Texts     []SentText
	Medias    []SentMedia
	Reactions []Reaction
	Deleted   []transport.MessageRef
	Removals  []Removal
	Groups    []string

	Parts     map[transport.JID][]transport.Participant
	Downloads map[string]transport.Media
}

func (c *Client) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	c.connected = true
	return nil
}

func (c *Client) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.closed = true
	return nil
}

func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) SetConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Client) SendText(_ context.Context, to transport.JID, text string, opt *transport.SendOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendTextErr != nil {
		if err := c.SendTextErr(to); err != nil {
			return err
		}
	}
	c.Texts = append(c.Texts, SentText{To: to, Text: text, Opt: opt})
	return nil
}

func (c *Client) SendMedia(_ context.Context, to transport.JID, media transport.Media, opt *transport.SendOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Medias = append(c.Medias, SentMedia{To: to, Media: media, Opt: opt})
	return nil
}

func (c *Client) Participants(_ context.Context, group transport.JID) ([]transport.Participant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Participant(nil), c.Parts[group]...), nil
}

func (c *Client) RemoveParticipants(_ context.Context, group transport.JID, members []transport.JID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.RemoveErr != nil {
		for _, m := range members {
			if err := c.RemoveErr(m); err != nil {
				return err
			}
		}
	}
	c.Removals = append(c.Removals, Removal{Group: group, Members: append([]transport.JID(nil), members...)})
	return nil
}

func (c *Client) CreateGroup(_ context.Context, name string, _ []transport.JID) (transport.JID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Groups = append(c.Groups, name)
	return transport.JID("created@g.us"), nil
}

func (c *Client) DeleteMessage(_ context.Context, ref transport.MessageRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DeleteErr != nil {
		return c.DeleteErr
	}
	c.Deleted = append(c.Deleted, ref)
	return nil
}

func (c *Client) React(_ context.Context, ref transport.MessageRef, emoji string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Reactions = append(c.Reactions, Reaction{Ref: ref, Emoji: emoji})
	return nil
}

func (c *Client) DownloadMedia(_ context.Context, ref transport.MessageRef) (transport.Media, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DownloadErr != nil {
		return transport.Media{}, c.DownloadErr
	}
	m, ok := c.Downloads[ref.ID]
	if !ok {
		return transport.Media{}, transport.ErrMediaExpired
	}
	return m, nil
}

// ---- event emission (drive Handlers from tests) ----

func (c *Client) EmitPairingCode(code string) {
	if c.Handlers.OnPairingCode != nil {
		c.Handlers.OnPairingCode(code)
	}
}

func (c *Client) EmitReady(self transport.JID) {
	if c.Handlers.OnReady != nil {
		c.Handlers.OnReady(self)
	}
}

func (c *Client) EmitMessage(msg *transport.Message) {
	if c.Handlers.OnMessage != nil {
		c.Handlers.OnMessage(msg)
	}
}

func (c *Client) EmitDisconnect(reason string) {
	if c.Handlers.OnDisconnect != nil {
		c.Handlers.OnDisconnect(reason)
	}
}
