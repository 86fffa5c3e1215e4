// Package moderation enforces per-group policies on inbound group messages:
// ban suppression, anti-view-once interception, and link removal with
// warning escalation.
package moderation

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"wabot/internal/metrics"
	"wabot/internal/storage"
	"wabot/internal/transport"
	"wabot/pkg/logx"
)

// linkRe matches URLs and bare domains across common TLDs.
var linkRe = regexp.MustCompile(`(?i)(https?://[^\s]+)|(www\.[^\s]+)|([a-zA-Z0-9-]+\.(com|net|org|io|co|app|dev|info|xyz|me|tv|cc|biz|online|site|tech|store|shop|blog|ai|ml|gg|tk|ga|cf|gq|pl|us|uk|ca|au|in|br|jp|cn|de|ru|fr|it|es|nl|se|no|fi|dk|be|ch|at|pt|gr|cz|ro|hu|bg|hr|sk|si|lt|lv|ee|ie|nz|za|ae|sa|il|tr|mx|ar|cl|co|pe|ve|ec|bo|uy|py|cr|pa|gt|hn|ni|sv|do|pr|jm|bs|bb|gy|sr|gf|ht|cu|bz|aw|ai|vg|vi|ky|tc))(/[^\s]*)?`)

// ContainsLink reports whether text carries a URL or bare domain.
func ContainsLink(text string) bool { return linkRe.MatchString(text) }

type Engine struct {
	store     storage.Store
	metrics   *metrics.Metrics
	log       logx.Logger
	warnLimit int
	prefix    string
}

func New(store storage.Store, m *metrics.Metrics, log logx.Logger, warnLimit int, prefix string) *Engine {
	if warnLimit <= 0 {
		warnLimit = 3
	}
	if prefix == "" {
		prefix = "."
	}
	return &Engine{store: store, metrics: m, log: log, warnLimit: warnLimit, prefix: prefix}
}

// HandleGroupMessage applies the group's policy to msg. It returns true when
// the message was consumed by an enforcement action and must not reach
// command dispatch. Enforcement failures are logged and audited but never
// propagate; a moderation error must not break the session loop.
func (e *Engine) HandleGroupMessage(ctx context.Context, client transport.Client, sess *storage.Session, msg transport.Message, authorized bool) bool {
	policy, err := e.store.GroupPolicy(ctx, sess.ID, string(msg.Ref.Chat))
	if err != nil {
		if err != storage.ErrNotFound {
			e.log.Warn("group policy lookup failed", logx.String("group", string(msg.Ref.Chat)), logx.Err(err))
		}
		return false
	}

	sender := msg.From.Number()

	// Banned senders take precedence over everything else.
	if !msg.FromMe {
		if banned, err := e.store.BannedUser(ctx, policy.ID, sender); err == nil {
			e.suppressBanned(ctx, client, msg, banned)
			return true
		} else if err != storage.ErrNotFound {
			e.log.Warn("ban lookup failed", logx.String("sender", sender), logx.Err(err))
		}
	}

	// View-once interception observes but does not consume.
	if policy.AntiViewOnce && msg.HasMedia && msg.MediaKind == transport.MediaImage && msg.IsViewOnce {
		e.interceptViewOnce(ctx, client, sess, msg)
	}

	if policy.LinkMode != storage.LinkOff &&
		!strings.HasPrefix(strings.TrimSpace(msg.Text), e.prefix) &&
		ContainsLink(msg.Text) && !authorized {
		return e.enforceLink(ctx, client, sess, policy, msg, sender)
	}

	return false
}

func (e *Engine) suppressBanned(ctx context.Context, client transport.Client, msg transport.Message, banned *storage.BannedEntry) {
	if err := client.DeleteMessage(ctx, msg.Ref); err != nil {
		e.log.Warn("banned message delete failed", logx.Err(err))
		return
	}
	e.metrics.ModerationTotal.WithLabelValues("ban_delete").Inc()
	text := fmt.Sprintf("🚫 *User Banned*\n\n@%s, you are banned from sending messages.\n\n*Reason:* %s",
		strings.TrimPrefix(banned.Number, "+"), banned.Reason)
	if err := client.SendText(ctx, msg.Ref.Chat, text, &transport.SendOptions{Mentions: []transport.JID{msg.From}}); err != nil {
		e.log.Warn("banned notice send failed", logx.Err(err))
	}
}

func (e *Engine) interceptViewOnce(ctx context.Context, client transport.Client, sess *storage.Session, msg transport.Message) {
	media, err := client.DownloadMedia(ctx, msg.Ref)
	if err != nil {
		e.log.Warn("view-once download failed", logx.Err(err))
		return
	}
	if err := client.SendMedia(ctx, msg.Ref.Chat, media, &transport.SendOptions{
		Caption: "🔓 *Anti-View-Once*\n\nThis view-once media has been saved for transparency.",
	}); err != nil {
		e.log.Warn("view-once resend failed", logx.Err(err))
		return
	}
	e.metrics.ModerationTotal.WithLabelValues("view_once").Inc()
	_ = e.store.AppendAudit(ctx, sess.ID, storage.AuditCommand,
		fmt.Sprintf("Anti-view-once: saved view-once media in %s", msg.GroupName))
}

// enforceLink reports whether the message was consumed. A failed delete
// leaves the message to normal handling.
func (e *Engine) enforceLink(ctx context.Context, client transport.Client, sess *storage.Session, policy *storage.GroupPolicy, msg transport.Message, sender string) bool {
	if err := client.DeleteMessage(ctx, msg.Ref); err != nil {
		e.log.Warn("link message delete failed", logx.Err(err))
		return false
	}
	_ = client.React(ctx, msg.Ref, "❌")

	if policy.LinkMode != storage.LinkWarn {
		e.metrics.ModerationTotal.WithLabelValues("link_delete").Inc()
		if err := client.SendText(ctx, msg.Ref.Chat,
			"🚫 *Link Detected*\n\nLinks are not allowed in this group!", nil); err != nil {
			e.log.Warn("link notice send failed", logx.Err(err))
		}
		return true
	}

	count, err := e.store.IncrementLinkWarning(ctx, policy.ID, sender)
	if err != nil {
		e.log.Error("link warning increment failed", logx.String("sender", sender), logx.Err(err))
		return true
	}
	e.metrics.ModerationTotal.WithLabelValues("link_warn").Inc()

	if count >= e.warnLimit {
		if err := client.RemoveParticipants(ctx, msg.Ref.Chat, []transport.JID{msg.From}); err != nil {
			e.log.Warn("offender removal failed", logx.String("sender", sender), logx.Err(err))
			return true
		}
		e.metrics.ModerationTotal.WithLabelValues("link_remove").Inc()
		_ = client.SendText(ctx, msg.Ref.Chat,
			fmt.Sprintf("⛔ *User Removed*\n\n%s has been removed for sending links after %d warnings!", sender, e.warnLimit),
			nil)
		_ = e.store.AppendAudit(ctx, sess.ID, storage.AuditCommand,
			fmt.Sprintf("Anti-link: removed %s from %s after %d warnings", sender, msg.GroupName, count))
		return true
	}

	_ = client.SendText(ctx, msg.Ref.Chat,
		fmt.Sprintf("⚠️ *Warning %d/%d*\n\n@%s, links are not allowed in this group!\n\n_Next violations will result in removal._",
			count, e.warnLimit, strings.TrimPrefix(sender, "+")),
		&transport.SendOptions{Mentions: []transport.JID{msg.From}})
	return true
}
