package session

import (
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"wabot/internal/eventbus"
	"wabot/internal/metrics"
	"wabot/internal/runtime/supervisor"
	"wabot/internal/storage"
	"wabot/internal/transport"
	"wabot/internal/transport/transporttest"
	"wabot/pkg/logx"
)

type managerFixture struct {
	mgr    *Manager
	store  storage.Store
	bus    eventbus.Bus
	dialer *transporttest.Dialer
	sup    *supervisor.Supervisor
	userID string
}

func newManagerFixture(t *testing.T, opt Options) *managerFixture {
	t.Helper()
	ctx := context.Background()

	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "session.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	u, err := st.CreateUser(ctx, "pair", "PairBot", "")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	bus := eventbus.New()
	dialer := &transporttest.Dialer{}
	sup := supervisor.New(ctx)
	t.Cleanup(func() {
		sup.Cancel()
		waitCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		_ = sup.Wait(waitCtx)
	})

	mgr := NewManager(st, bus, dialer, metrics.New(), sup, logx.Nop(), opt)
	return &managerFixture{mgr: mgr, store: st, bus: bus, dialer: dialer, sup: sup, userID: u.ID}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func drainEvents(ch <-chan eventbus.Event) []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestPairingFlow(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, Options{})
	ctx := context.Background()

	if err := f.store.SetOwnerNumber(ctx, f.userID, "+100"); err != nil {
		t.Fatalf("SetOwnerNumber: %v", err)
	}

	events, unsub := f.bus.Subscribe(f.userID, 16)
	defer unsub()

	if err := f.mgr.StartPairing(ctx, f.userID); err != nil {
		t.Fatalf("StartPairing: %v", err)
	}
	if !f.mgr.IsLive(f.userID) {
		t.Fatal("connection not registered")
	}
	client := f.dialer.Last()

	client.EmitPairingCode("challenge-1")
	sess, err := f.store.Session(ctx, f.userID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if !strings.HasPrefix(sess.PairingImage, "data:image/png;base64,") {
		t.Fatalf("PairingImage = %q, want data URL", sess.PairingImage)
	}

	client.EmitReady(transport.UserJID("777"))
	sess, err = f.store.Session(ctx, f.userID)
	if err != nil {
		t.Fatalf("Session reload: %v", err)
	}
	if sess.Status != storage.StatusActive {
		t.Fatalf("Status = %s, want active", sess.Status)
	}
	if sess.ConnectedNumber != "+777" || sess.PairedNumber != "+777" {
		t.Fatalf("numbers = %q/%q, want +777", sess.ConnectedNumber, sess.PairedNumber)
	}

	// Welcome note goes to the configured owner.
	if len(client.Texts) != 1 || client.Texts[0].To != transport.UserJID("+100") {
		t.Fatalf("welcome = %+v, want one text to owner", client.Texts)
	}
	if !strings.Contains(client.Texts[0].Text, "BOT CONNECTED") {
		t.Fatalf("welcome text = %q", client.Texts[0].Text)
	}

	got := drainEvents(events)
	var types []string
	for _, e := range got {
		types = append(types, e.Type)
	}
	joined := strings.Join(types, ",")
	if !strings.Contains(joined, eventbus.TypeQR) || !strings.Contains(joined, eventbus.TypeStatus) {
		t.Fatalf("event types = %v, want QR and status events", types)
	}
}

func TestPairingChallengeBudget(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, Options{QRAttempts: 2})
	ctx := context.Background()

	if err := f.mgr.StartPairing(ctx, f.userID); err != nil {
		t.Fatalf("StartPairing: %v", err)
	}
	client := f.dialer.Last()

	client.EmitPairingCode("c1")
	client.EmitPairingCode("c2")
	if !f.mgr.IsLive(f.userID) {
		t.Fatal("stopped inside the challenge budget")
	}

	// One over budget abandons the attempt.
	client.EmitPairingCode("c3")
	waitFor(t, func() bool { return !f.mgr.IsLive(f.userID) }, "auto-stop")
	waitFor(t, client.Closed, "transport close")

	sess, err := f.store.Session(ctx, f.userID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	waitFor(t, func() bool {
		sess, err = f.store.Session(ctx, f.userID)
		return err == nil && sess.Status == storage.StatusInactive
	}, "inactive status")
}

func TestStartRequiresPairing(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, Options{})
	if err := f.mgr.Start(context.Background(), f.userID); err != ErrNotPaired {
		t.Fatalf("Start = %v, want ErrNotPaired", err)
	}
}

func TestStartAfterPairingRedials(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, Options{})
	ctx := context.Background()

	if err := f.mgr.StartPairing(ctx, f.userID); err != nil {
		t.Fatalf("StartPairing: %v", err)
	}
	f.dialer.Last().EmitReady(transport.UserJID("888"))

	if err := f.mgr.Stop(ctx, f.userID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if f.mgr.IsLive(f.userID) {
		t.Fatal("still live after stop")
	}
	// Stopping again is harmless.
	if err := f.mgr.Stop(ctx, f.userID); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	if err := f.mgr.Start(ctx, f.userID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if f.dialer.Dials() != 2 {
		t.Fatalf("dials = %d, want 2", f.dialer.Dials())
	}
	// An already-live session is a no-op, not a reconnect.
	if err := f.mgr.Start(ctx, f.userID); err != nil {
		t.Fatalf("redundant Start: %v", err)
	}
	if f.dialer.Dials() != 2 {
		t.Fatalf("redundant Start dialed, dials = %d", f.dialer.Dials())
	}
}

func TestDisconnectMarksInactive(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, Options{})
	ctx := context.Background()

	if err := f.mgr.StartPairing(ctx, f.userID); err != nil {
		t.Fatalf("StartPairing: %v", err)
	}
	client := f.dialer.Last()
	client.EmitReady(transport.UserJID("999"))

	client.EmitDisconnect("stream error")
	if f.mgr.IsLive(f.userID) {
		t.Fatal("still live after disconnect")
	}
	sess, err := f.store.Session(ctx, f.userID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if sess.Status != storage.StatusInactive {
		t.Fatalf("Status = %s, want inactive", sess.Status)
	}
	entries, err := f.store.RecentAudit(ctx, sess.ID, 5)
	if err != nil {
		t.Fatalf("RecentAudit: %v", err)
	}
	found := false
	for _, e := range entries {
		if strings.Contains(e.Message, "Bot disconnected: stream error") {
			found = true
		}
	}
	if !found {
		t.Fatalf("disconnect audit missing, entries = %+v", entries)
	}

	// A late event from the dead connection is ignored.
	client.EmitDisconnect("echo")
}

func TestInboundMessageReachesHandler(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, Options{})
	ctx := context.Background()

	var handled atomic.Int32
	f.mgr.SetMessageHandler(func(_ context.Context, userID string, _ transport.Client, msg transport.Message) {
		if userID == f.userID && msg.Text == "ping" {
			handled.Add(1)
		}
	})

	if err := f.mgr.StartPairing(ctx, f.userID); err != nil {
		t.Fatalf("StartPairing: %v", err)
	}
	client := f.dialer.Last()
	client.EmitReady(transport.UserJID("555"))

	client.EmitMessage(&transport.Message{Text: "ping"})
	waitFor(t, func() bool { return handled.Load() == 1 }, "handler invocation")
}

func TestDialFailureMarksError(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, Options{})
	ctx := context.Background()

	f.dialer.DialErr = context.DeadlineExceeded
	if err := f.mgr.StartPairing(ctx, f.userID); err == nil {
		t.Fatal("expected dial error")
	}
	if f.mgr.IsLive(f.userID) {
		t.Fatal("failed pairing left a live connection")
	}
	sess, err := f.store.Session(ctx, f.userID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if sess.Status != storage.StatusError {
		t.Fatalf("Status = %s, want error", sess.Status)
	}
}

func TestKeepAliveRefreshesAndRedials(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, Options{KeepAliveInterval: 10 * time.Millisecond})
	ctx := context.Background()

	if err := f.store.SetKeepAlive(ctx, f.userID, true); err != nil {
		t.Fatalf("SetKeepAlive: %v", err)
	}
	if err := f.mgr.StartPairing(ctx, f.userID); err != nil {
		t.Fatalf("StartPairing: %v", err)
	}
	client := f.dialer.Last()
	client.EmitReady(transport.UserJID("777"))

	sess, err := f.store.Session(ctx, f.userID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	first := sess.LastActive

	// Healthy link: ticks refresh the last-active stamp.
	waitFor(t, func() bool {
		s, err := f.store.Session(ctx, f.userID)
		return err == nil && s.LastActive.After(first)
	}, "last-active refresh")

	// Silent connection loss (no disconnect event): next tick re-pairs.
	client.SetConnected(false)
	waitFor(t, func() bool { return f.dialer.Dials() == 2 }, "re-dial of lost connection")
	waitFor(t, func() bool { return f.mgr.IsLive(f.userID) }, "replacement connection registered")
}

func TestKeepAliveOffLeavesLostConnectionAlone(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, Options{KeepAliveInterval: 10 * time.Millisecond})
	ctx := context.Background()

	if err := f.store.SetKeepAlive(ctx, f.userID, false); err != nil {
		t.Fatalf("SetKeepAlive: %v", err)
	}
	if err := f.mgr.StartPairing(ctx, f.userID); err != nil {
		t.Fatalf("StartPairing: %v", err)
	}
	client := f.dialer.Last()
	client.EmitReady(transport.UserJID("777"))

	client.SetConnected(false)
	time.Sleep(60 * time.Millisecond)
	if n := f.dialer.Dials(); n != 1 {
		t.Fatalf("Dials = %d, want 1 (no keep-alive re-dial)", n)
	}
}
