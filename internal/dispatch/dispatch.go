// Package dispatch routes inbound messages on a live connection to command
// handlers, after authorization and moderation checks.
//
// The command surface is a table of (pattern, preconditions, handler)
// entries rather than a parse chain, so each handler can be tested in
// isolation and the recognized surface is readable in one place.
package dispatch

import (
	"context"
	"strings"
	"time"

	"wabot/internal/eventbus"
	"wabot/internal/metrics"
	"wabot/internal/moderation"
	"wabot/internal/storage"
	"wabot/internal/transport"
	"wabot/pkg/logx"
)

// Options carries the dispatch configuration resolved from the config file.
type Options struct {
	// Prefix marks prefixed commands, default ".".
	Prefix string
	// PublicCommands are exempt from authorization in public mode (bare names).
	PublicCommands []string
	// FreeRecipientCap is surfaced in the quota info reply.
	FreeRecipientCap int
}

type Dispatcher struct {
	store   storage.Store
	bus     eventbus.Bus
	metrics *metrics.Metrics
	mod     *moderation.Engine
	fetcher VideoFetcher
	log     logx.Logger

	prefix    string
	publicSet map[string]bool
	freeCap   int

	table []command
}

func New(store storage.Store, bus eventbus.Bus, m *metrics.Metrics, mod *moderation.Engine, fetcher VideoFetcher, log logx.Logger, opt Options) *Dispatcher {
	prefix := opt.Prefix
	if prefix == "" {
		prefix = "."
	}
	pub := make(map[string]bool, len(opt.PublicCommands))
	for _, c := range opt.PublicCommands {
		pub[strings.ToLower(strings.TrimSpace(c))] = true
	}
	freeCap := opt.FreeRecipientCap
	if freeCap <= 0 {
		freeCap = 5
	}
	d := &Dispatcher{
		store:     store,
		bus:       bus,
		metrics:   m,
		mod:       mod,
		fetcher:   fetcher,
		log:       log,
		prefix:    prefix,
		publicSet: pub,
		freeCap:   freeCap,
	}
	d.table = commandTable()
	return d
}

// commandForm controls how a table entry is recognized relative to the prefix.
type commandForm int

const (
	formPrefixed commandForm = iota // ".name"
	formBare                        // "name" (legacy toggle convention)
	formEither                      // both
)

type command struct {
	// name is the metric/audit label and the primary match token.
	name string
	// aliases are additional match tokens (e.g. "repo" for "sc").
	aliases []string
	form    commandForm
	// takesArgs matches "name <rest>" in addition to the exact token.
	takesArgs bool
	groupOnly bool
	// ownerOnly rejects unauthorized senders with an explicit notice
	// (the silent gates are handled before table matching).
	ownerOnly bool
	handler   func(ctx context.Context, d *Dispatcher, r *request, args string) error
}

// request is the per-message context handed to handlers.
type request struct {
	userID  string
	sess    *storage.Session
	client  transport.Client
	msg     transport.Message
	sender  string // "+<number>"
	isOwner bool
	isSelf  bool
}

func (r *request) authorized() bool { return r.isOwner || r.isSelf }

// reply sends text into the originating chat.
func (r *request) reply(ctx context.Context, client transport.Client, text string) error {
	return client.SendText(ctx, r.msg.Ref.Chat, text, nil)
}

func (r *request) react(ctx context.Context, client transport.Client, emoji string) {
	_ = client.React(ctx, r.msg.Ref, emoji)
}

// HandleMessage is the per-message entry point, invoked from the session's
// transport event loop.
func (d *Dispatcher) HandleMessage(ctx context.Context, userID string, client transport.Client, msg transport.Message) {
	timer := time.Now()
	defer func() {
		d.metrics.DispatchDuration.Observe(time.Since(timer).Seconds())
	}()

	sess, err := d.store.Session(ctx, userID)
	if err != nil {
		if err != storage.ErrNotFound {
			d.log.Warn("session lookup failed", logx.String("user", userID), logx.Err(err))
		}
		return
	}

	sender := msg.From.Number()
	r := &request{
		userID:  userID,
		sess:    sess,
		client:  client,
		msg:     msg,
		sender:  sender,
		isOwner: sess.OwnerNumber != "" && sender == sess.OwnerNumber,
		isSelf:  sess.ConnectedNumber != "" && sender == sess.ConnectedNumber,
	}

	// Hard gate: in private mode, unauthorized senders produce no reply,
	// no reaction and no audit entry, regardless of content.
	if sess.Mode == storage.ModePrivate && !r.authorized() {
		return
	}

	text := strings.TrimSpace(msg.Text)
	lower := strings.ToLower(text)
	prefixed := strings.HasPrefix(lower, d.prefix)

	// Moderation runs before command parsing, for non-command group text only.
	if msg.IsGroup && !prefixed {
		if d.mod.HandleGroupMessage(ctx, client, sess, msg, r.authorized()) {
			return
		}
	}

	// In a group, prefixed commands from unauthorized senders are silently
	// dropped unless on the public allow-list.
	if msg.IsGroup && prefixed && !r.authorized() && !d.isPublicCommand(lower) {
		return
	}

	cmd, args, ok := d.match(lower, text)
	if !ok {
		return
	}

	// Authorization outranks context: an unauthorized sender gets the owner
	// refusal even when the command also only works in groups.
	if cmd.ownerOnly && !r.authorized() {
		r.react(ctx, client, "🔒")
		_ = r.reply(ctx, client, "🔒 *Owner Only*\n\nOnly bot owners can use this command!")
		d.metrics.CommandsTotal.WithLabelValues(cmd.name, "rejected").Inc()
		return
	}
	if cmd.groupOnly && !msg.IsGroup {
		r.react(ctx, client, "❌")
		_ = r.reply(ctx, client, "❌ *Error*\n\nThis command only works in groups!")
		d.metrics.CommandsTotal.WithLabelValues(cmd.name, "rejected").Inc()
		return
	}

	if err := cmd.handler(ctx, d, r, args); err != nil {
		d.log.Warn("command failed",
			logx.String("command", cmd.name),
			logx.String("user", userID),
			logx.Err(err),
		)
		r.react(ctx, client, "❌")
		_ = r.reply(ctx, client, "❌ *Error*\n\nSomething went wrong while executing the command. Please try again.")
		_ = d.store.AppendAudit(ctx, sess.ID, storage.AuditError, "Error executing command: "+err.Error())
		d.metrics.CommandsTotal.WithLabelValues(cmd.name, "error").Inc()
		return
	}
	d.metrics.CommandsTotal.WithLabelValues(cmd.name, "ok").Inc()
}

func (d *Dispatcher) isPublicCommand(lower string) bool {
	rest := strings.TrimPrefix(lower, d.prefix)
	tok := rest
	if i := strings.IndexByte(rest, ' '); i >= 0 {
		tok = rest[:i]
	}
	return d.publicSet[tok]
}

// match scans the table in order and returns the first entry whose token
// matches, with the original-case remainder as args.
func (d *Dispatcher) match(lower, original string) (*command, string, bool) {
	for i := range d.table {
		cmd := &d.table[i]
		for _, name := range append([]string{cmd.name}, cmd.aliases...) {
			var tokens []string
			switch cmd.form {
			case formPrefixed:
				tokens = []string{d.prefix + name}
			case formBare:
				tokens = []string{name}
			case formEither:
				tokens = []string{d.prefix + name, name}
			}
			for _, tok := range tokens {
				if lower == tok {
					return cmd, "", true
				}
				if cmd.takesArgs && strings.HasPrefix(lower, tok+" ") {
					return cmd, strings.TrimSpace(original[len(tok):]), true
				}
			}
		}
	}
	return nil, "", false
}

// audit appends a command audit entry and notifies live listeners that the
// activity feed changed.
func (d *Dispatcher) audit(ctx context.Context, r *request, message string) {
	if err := d.store.AppendAudit(ctx, r.sess.ID, storage.AuditCommand, message); err != nil {
		d.log.Warn("audit append failed", logx.Err(err))
		return
	}
	d.bus.Publish(r.userID, eventbus.Log())
}

// chatName labels the originating chat for audit messages.
func (r *request) chatName() string {
	if r.msg.IsGroup {
		return r.msg.GroupName
	}
	return "DM"
}
