package broadcast

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"wabot/internal/eventbus"
	"wabot/internal/metrics"
	"wabot/internal/runtime/supervisor"
	"wabot/internal/session"
	"wabot/internal/storage"
	"wabot/internal/transport"
	"wabot/internal/transport/transporttest"
	"wabot/pkg/logx"
)

type castFixture struct {
	throttler *Throttler
	store     storage.Store
	mgr       *session.Manager
	dialer    *transporttest.Dialer
	userID    string
}

func newCastFixture(t *testing.T) *castFixture {
	t.Helper()
	ctx := context.Background()

	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "cast.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	u, err := st.CreateUser(ctx, "caster", "CastBot", "")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	sup := supervisor.New(ctx)
	t.Cleanup(sup.Cancel)
	dialer := &transporttest.Dialer{}
	mgr := session.NewManager(st, eventbus.New(), dialer, metrics.New(), sup, logx.Nop(), session.Options{})

	thr := New(st, mgr, metrics.New(), logx.Nop(), time.Millisecond, 5)
	return &castFixture{throttler: thr, store: st, mgr: mgr, dialer: dialer, userID: u.ID}
}

// goLive opens a connection for the user and returns its fake client.
func (f *castFixture) goLive(t *testing.T, number string) *transporttest.Client {
	t.Helper()
	if err := f.mgr.StartPairing(context.Background(), f.userID); err != nil {
		t.Fatalf("StartPairing: %v", err)
	}
	client := f.dialer.Last()
	client.EmitReady(transport.UserJID(number))
	return client
}

func TestFreeTierCapRejectsOutright(t *testing.T) {
	t.Parallel()
	f := newCastFixture(t)
	client := f.goLive(t, "100")

	recipients := []string{"1", "2", "3", "4", "5", "6"}
	res, err := f.throttler.BulkSend(context.Background(), f.userID, recipients, "hello", "")
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}
	if res.Attempted != 0 || len(client.Texts) != 0 {
		t.Fatalf("sends happened despite rejection: attempted=%d texts=%d", res.Attempted, len(client.Texts))
	}
}

func TestFreeTierAtCapSends(t *testing.T) {
	t.Parallel()
	f := newCastFixture(t)
	client := f.goLive(t, "100")

	res, err := f.throttler.BulkSend(context.Background(), f.userID, []string{"1", "2", "3", "4", "5"}, "hello", "")
	if err != nil {
		t.Fatalf("BulkSend: %v", err)
	}
	if res.Attempted != 5 || res.Sent != 5 || res.Failed != 0 {
		t.Fatalf("result = %+v, want 5/5/0", res)
	}
	if len(client.Texts) != 5 {
		t.Fatalf("texts = %d, want 5", len(client.Texts))
	}
}

func TestPremiumLiftsCap(t *testing.T) {
	t.Parallel()
	f := newCastFixture(t)
	client := f.goLive(t, "100")
	ctx := context.Background()

	if err := f.store.GrantQuota(ctx, f.userID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("GrantQuota: %v", err)
	}
	res, err := f.throttler.BulkSend(ctx, f.userID, []string{"1", "2", "3", "4", "5", "6", "7"}, "hello", "")
	if err != nil {
		t.Fatalf("BulkSend: %v", err)
	}
	if res.Sent != 7 || len(client.Texts) != 7 {
		t.Fatalf("sent = %d texts = %d, want 7", res.Sent, len(client.Texts))
	}
}

func TestRecipientsDeduplicated(t *testing.T) {
	t.Parallel()
	f := newCastFixture(t)
	client := f.goLive(t, "100")

	res, err := f.throttler.BulkSend(context.Background(), f.userID, []string{"1", "1", " 2 ", "2", ""}, "hello", "")
	if err != nil {
		t.Fatalf("BulkSend: %v", err)
	}
	if res.Attempted != 2 || len(client.Texts) != 2 {
		t.Fatalf("attempted = %d texts = %d, want 2", res.Attempted, len(client.Texts))
	}
}

func TestPerRecipientFailureContained(t *testing.T) {
	t.Parallel()
	f := newCastFixture(t)
	client := f.goLive(t, "100")

	client.SendTextErr = func(to transport.JID) error {
		if to == transport.UserJID("2") {
			return errors.New("recipient unavailable")
		}
		return nil
	}
	res, err := f.throttler.BulkSend(context.Background(), f.userID, []string{"1", "2", "3"}, "hello", "")
	if err != nil {
		t.Fatalf("BulkSend: %v", err)
	}
	if res.Attempted != 3 || res.Sent != 2 || res.Failed != 1 {
		t.Fatalf("result = %+v, want 3 attempted, 2 sent, 1 failed", res)
	}
}

func TestNoLiveConnection(t *testing.T) {
	t.Parallel()
	f := newCastFixture(t)

	_, err := f.throttler.BulkSend(context.Background(), f.userID, []string{"1"}, "hello", "")
	if !errors.Is(err, ErrNoLiveConnection) {
		t.Fatalf("err = %v, want ErrNoLiveConnection", err)
	}
}

func TestEmptyInputsRejected(t *testing.T) {
	t.Parallel()
	f := newCastFixture(t)
	f.goLive(t, "100")

	if _, err := f.throttler.BulkSend(context.Background(), f.userID, nil, "hello", ""); !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("err = %v, want ErrNoRecipients", err)
	}
	if _, err := f.throttler.BulkSend(context.Background(), f.userID, []string{"1"}, "   ", ""); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
}

func TestImageAttachedToEverySend(t *testing.T) {
	t.Parallel()
	f := newCastFixture(t)
	client := f.goLive(t, "100")

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	res, err := f.throttler.BulkSend(context.Background(), f.userID, []string{"1", "2", "3"}, "promo", srv.URL)
	if err != nil {
		t.Fatalf("BulkSend: %v", err)
	}
	if res.Sent != 3 || len(client.Medias) != 3 {
		t.Fatalf("sent = %d medias = %d, want 3", res.Sent, len(client.Medias))
	}
	if hits.Load() != 1 {
		t.Fatalf("image fetched %d times, want once", hits.Load())
	}
	for _, m := range client.Medias {
		if m.Media.MimeType != "image/png" || m.Opt.Caption != "promo" {
			t.Fatalf("media = %+v", m)
		}
	}
}

func TestImageFetchFailureDegradesToText(t *testing.T) {
	t.Parallel()
	f := newCastFixture(t)
	client := f.goLive(t, "100")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusInternalServerError)
	}))
	defer srv.Close()

	res, err := f.throttler.BulkSend(context.Background(), f.userID, []string{"1", "2"}, "promo", srv.URL)
	if err != nil {
		t.Fatalf("BulkSend: %v", err)
	}
	if res.Sent != 2 || len(client.Texts) != 2 || len(client.Medias) != 0 {
		t.Fatalf("sent=%d texts=%d medias=%d, want text-only fallback", res.Sent, len(client.Texts), len(client.Medias))
	}
}

func TestBroadcastConnectedTargetsAllSessions(t *testing.T) {
	t.Parallel()
	f := newCastFixture(t)
	client := f.goLive(t, "100")
	ctx := context.Background()

	// A second user whose session is recorded as connected but not live
	// here; its number is still a target.
	other, err := f.store.CreateUser(ctx, "other", "OtherBot", "")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := f.store.MarkActive(ctx, other.ID, "+222"); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}

	res, err := f.throttler.BroadcastConnected(ctx, "announcement", "")
	if err != nil {
		t.Fatalf("BroadcastConnected: %v", err)
	}
	if res.Sent != 2 || len(client.Texts) != 2 {
		t.Fatalf("sent = %d texts = %d, want both connected numbers", res.Sent, len(client.Texts))
	}
}

func TestBroadcastContactsUsesOwnClients(t *testing.T) {
	t.Parallel()
	f := newCastFixture(t)
	client := f.goLive(t, "100")
	ctx := context.Background()

	sess, err := f.store.Session(ctx, f.userID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if _, err := f.store.SaveContactExport(ctx, sess.ID, "G1", []string{"+1", "+2"}); err != nil {
		t.Fatalf("SaveContactExport: %v", err)
	}
	if _, err := f.store.SaveContactExport(ctx, sess.ID, "G2", []string{"+2", "+3"}); err != nil {
		t.Fatalf("SaveContactExport: %v", err)
	}

	res, err := f.throttler.BroadcastContacts(ctx, "hello contacts", "")
	if err != nil {
		t.Fatalf("BroadcastContacts: %v", err)
	}
	// Union across snapshots, per-user dedupe.
	if res.Attempted != 3 || len(client.Texts) != 3 {
		t.Fatalf("attempted = %d texts = %d, want deduped union of 3", res.Attempted, len(client.Texts))
	}
}

func TestBroadcastContactsNoLiveSessions(t *testing.T) {
	t.Parallel()
	f := newCastFixture(t)

	_, err := f.throttler.BroadcastContacts(context.Background(), "hello", "")
	if !errors.Is(err, ErrNoLiveConnection) {
		t.Fatalf("err = %v, want ErrNoLiveConnection", err)
	}
}
