// Package broadcast fans a message out to a recipient list at a fixed pace,
// gated by the caller's quota grant.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"wabot/internal/metrics"
	"wabot/internal/session"
	"wabot/internal/storage"
	"wabot/internal/transport"
	"wabot/pkg/logx"
)

var (
	// ErrQuotaExceeded rejects a batch above the free cap with no grant
	// active. The batch is refused in full, never truncated.
	ErrQuotaExceeded = errors.New("recipient count exceeds free quota")
	// ErrNoLiveConnection means no connected session is available to send.
	ErrNoLiveConnection = errors.New("no active connection available")
	// ErrNoRecipients rejects an empty batch.
	ErrNoRecipients = errors.New("no recipients supplied")
	// ErrEmptyMessage rejects a blank message body.
	ErrEmptyMessage = errors.New("message must not be empty")
)

// maxImageBytes bounds the one-time image fetch.
const maxImageBytes = 20 << 20

type Throttler struct {
	store   storage.Store
	mgr     *session.Manager
	metrics *metrics.Metrics
	log     logx.Logger

	httpClient *http.Client
	delay      time.Duration
	freeCap    int
}

// Result reports one batch. Attempted counts every recipient a send was
// tried for, independent of individual failures.
type Result struct {
	Attempted int `json:"attempted"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
}

func (r *Result) add(o Result) {
	r.Attempted += o.Attempted
	r.Sent += o.Sent
	r.Failed += o.Failed
}

func New(store storage.Store, mgr *session.Manager, m *metrics.Metrics, log logx.Logger, delay time.Duration, freeCap int) *Throttler {
	if delay <= 0 {
		delay = 2 * time.Second
	}
	if freeCap <= 0 {
		freeCap = 5
	}
	return &Throttler{
		store:      store,
		mgr:        mgr,
		metrics:    m,
		log:        log,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		delay:      delay,
		freeCap:    freeCap,
	}
}

// FreeCap is the per-batch recipient ceiling without an active grant.
func (t *Throttler) FreeCap() int { return t.freeCap }

// BulkSend fans message out to recipients over the user's own connection.
// Without an active quota grant, a batch above the free cap is rejected
// outright with zero sends attempted.
func (t *Throttler) BulkSend(ctx context.Context, userID string, recipients []string, message, imageURL string) (Result, error) {
	recipients = uniqueNumbers(recipients)
	if len(recipients) == 0 {
		return Result{}, ErrNoRecipients
	}
	if strings.TrimSpace(message) == "" {
		return Result{}, ErrEmptyMessage
	}

	active, err := t.store.IsQuotaActive(ctx, userID, time.Now())
	if err != nil {
		return Result{}, err
	}
	if !active && len(recipients) > t.freeCap {
		return Result{}, fmt.Errorf("%w: %d recipients, cap %d", ErrQuotaExceeded, len(recipients), t.freeCap)
	}

	client, ok := t.mgr.Client(userID)
	if !ok {
		return Result{}, ErrNoLiveConnection
	}
	return t.run(ctx, client, recipients, message, imageURL), nil
}

// BroadcastConnected sends message to every session's currently connected
// number, using one arbitrary live connection as the sending identity.
// Operator mode: no quota gate.
func (t *Throttler) BroadcastConnected(ctx context.Context, message, imageURL string) (Result, error) {
	if strings.TrimSpace(message) == "" {
		return Result{}, ErrEmptyMessage
	}
	client, ok := t.mgr.AnyClient()
	if !ok {
		return Result{}, ErrNoLiveConnection
	}
	users, err := t.store.ListUsers(ctx)
	if err != nil {
		return Result{}, err
	}
	var recipients []string
	for _, u := range users {
		if u.ConnectedNumber != "" {
			recipients = append(recipients, u.ConnectedNumber)
		}
	}
	recipients = uniqueNumbers(recipients)
	if len(recipients) == 0 {
		return Result{}, ErrNoRecipients
	}
	return t.run(ctx, client, recipients, message, imageURL), nil
}

// BroadcastContacts iterates every user's extracted-contact union and sends
// from that user's own connection. Per-user failures are counted, never
// abort the batch. Operator mode: no quota gate.
func (t *Throttler) BroadcastContacts(ctx context.Context, message, imageURL string) (Result, error) {
	if strings.TrimSpace(message) == "" {
		return Result{}, ErrEmptyMessage
	}
	users, err := t.store.ListUsers(ctx)
	if err != nil {
		return Result{}, err
	}

	var total Result
	sentAny := false
	for _, u := range users {
		client, ok := t.mgr.Client(u.ID)
		if !ok {
			continue
		}
		sess, err := t.store.Session(ctx, u.ID)
		if err != nil {
			t.log.Warn("broadcast: session lookup failed", logx.String("user", u.ID), logx.Err(err))
			continue
		}
		exports, err := t.store.ContactExports(ctx, sess.ID)
		if err != nil {
			t.log.Warn("broadcast: exports lookup failed", logx.String("user", u.ID), logx.Err(err))
			continue
		}
		var contacts []string
		for _, e := range exports {
			contacts = append(contacts, e.Contacts...)
		}
		contacts = uniqueNumbers(contacts)
		if len(contacts) == 0 {
			continue
		}
		sentAny = true
		total.add(t.run(ctx, client, contacts, message, imageURL))
	}
	if !sentAny {
		return total, ErrNoLiveConnection
	}
	return total, nil
}

// run performs one paced batch. Sends are strictly sequential; the limiter
// enforces the fixed inter-send delay.
func (t *Throttler) run(ctx context.Context, client transport.Client, recipients []string, message, imageURL string) Result {
	media := t.fetchImage(ctx, imageURL)

	lim := rate.NewLimiter(rate.Every(t.delay), 1)
	var res Result
	for _, rcpt := range recipients {
		if err := lim.Wait(ctx); err != nil {
			break
		}
		res.Attempted++

		to := transport.UserJID(rcpt)
		var err error
		if media != nil {
			err = client.SendMedia(ctx, to, *media, &transport.SendOptions{Caption: message})
		} else {
			err = client.SendText(ctx, to, message, nil)
		}
		if err != nil {
			res.Failed++
			t.metrics.BroadcastSends.WithLabelValues("error").Inc()
			t.log.Warn("broadcast send failed", logx.String("recipient", rcpt), logx.Err(err))
			continue
		}
		res.Sent++
		t.metrics.BroadcastSends.WithLabelValues("ok").Inc()
	}
	return res
}

// fetchImage fetches the attachment once for reuse across the whole batch.
// Failure degrades the batch to text-only.
func (t *Throttler) fetchImage(ctx context.Context, imageURL string) *transport.Media {
	if strings.TrimSpace(imageURL) == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		t.log.Warn("broadcast image fetch failed", logx.String("url", imageURL), logx.Err(err))
		return nil
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.log.Warn("broadcast image fetch failed", logx.String("url", imageURL), logx.Err(err))
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.log.Warn("broadcast image fetch failed", logx.String("url", imageURL), logx.Int("status", resp.StatusCode))
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		t.log.Warn("broadcast image read failed", logx.Err(err))
		return nil
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "image/jpeg"
	}
	return &transport.Media{Kind: transport.MediaImage, MimeType: mime, Data: data}
}

// uniqueNumbers drops empties and duplicates, preserving order.
func uniqueNumbers(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
