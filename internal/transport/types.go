// Package transport defines the contract between the engine and the
// underlying messaging client library.
//
// The engine treats the transport as an opaque capability: it dials a
// connection for a given client id, receives events through Handlers, and
// drives the connection through the Client interface. Pairing mechanics,
// wire protocol and media codecs live entirely behind this boundary.
package transport

import (
	"context"
	"errors"
	"strings"
)

// JID is an addressable identity on the messaging network, e.g.
// "15551234567@c.us" for a user or "1203630@g.us" for a group.
type JID string

func (j JID) IsGroup() bool { return strings.HasSuffix(string(j), "@g.us") }

// Number returns the bare phone number with a leading "+", or "" for groups.
func (j JID) Number() string {
	s := string(j)
	if i := strings.IndexByte(s, '@'); i > 0 {
		s = s[:i]
	}
	if s == "" || j.IsGroup() {
		return ""
	}
	return "+" + s
}

// UserJID builds a user JID from a phone number ("+123..." or "123...").
func UserJID(number string) JID {
	return JID(strings.TrimPrefix(number, "+") + "@c.us")
}

// MessageRef identifies one message within one chat.
type MessageRef struct {
	Chat JID
	ID   string
}

type MediaKind string

const (
	MediaImage   MediaKind = "image"
	MediaVideo   MediaKind = "video"
	MediaSticker MediaKind = "sticker"
)

// Media is downloaded or outbound message content.
type Media struct {
	Kind     MediaKind
	MimeType string
	Data     []byte
	Filename string
}

// QuotedMessage is the subset of a replied-to message the dispatcher needs.
type QuotedMessage struct {
	Ref        MessageRef
	HasMedia   bool
	MediaKind  MediaKind
	IsViewOnce bool
}

// Message is one inbound message event.
type Message struct {
	Ref       MessageRef
	From      JID // individual sender, also in groups
	FromMe    bool
	Text      string
	IsGroup   bool
	GroupName string

	Mentions []JID // JIDs mentioned in the body

	HasMedia   bool
	MediaKind  MediaKind
	IsViewOnce bool

	Quoted *QuotedMessage // non-nil when the message is a reply
}

type Participant struct {
	JID     JID
	IsAdmin bool
}

type SendOptions struct {
	Caption   string
	Mentions  []JID
	AsSticker bool
}

// Handlers receives connection events. All callbacks are invoked from the
// connection's own event loop, in transport-emission order; they must not
// block for long.
type Handlers struct {
	// OnPairingCode fires for each pairing challenge with the raw code to render.
	OnPairingCode func(code string)
	// OnReady fires once pairing completes, with the connection's own identity.
	OnReady func(self JID)
	OnMessage func(msg *Message)
	// OnDisconnect fires when the connection drops, with a transport reason.
	OnDisconnect func(reason string)
}

// Client is one live connection. It is never shared across users.
type Client interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	// Connected reports transport-level liveness (used by keep-alive).
	Connected() bool

	SendText(ctx context.Context, to JID, text string, opt *SendOptions) error
	SendMedia(ctx context.Context, to JID, media Media, opt *SendOptions) error

	Participants(ctx context.Context, group JID) ([]Participant, error)
	RemoveParticipants(ctx context.Context, group JID, members []JID) error
	CreateGroup(ctx context.Context, name string, members []JID) (JID, error)

	DeleteMessage(ctx context.Context, ref MessageRef) error
	React(ctx context.Context, ref MessageRef, emoji string) error
	DownloadMedia(ctx context.Context, ref MessageRef) (Media, error)
}

// Dialer creates connections. clientID scopes the transport's own persisted
// pairing state, one namespace per user.
type Dialer interface {
	Dial(ctx context.Context, clientID string, h Handlers) (Client, error)
}

// ErrMediaExpired is returned by DownloadMedia when ephemeral content is no
// longer retrievable.
var ErrMediaExpired = errors.New("media no longer available")
