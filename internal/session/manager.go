// Package session owns the registry of live connections, one per user, and
// drives session state transitions: pairing, activation, keep-alive and stop.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"wabot/internal/eventbus"
	"wabot/internal/metrics"
	"wabot/internal/runtime/supervisor"
	"wabot/internal/storage"
	"wabot/internal/transport"
	"wabot/pkg/logx"
)

// ErrNotPaired is returned by Start when the session has never completed a
// pairing; callers must run StartPairing first.
var ErrNotPaired = errors.New("bot not connected: generate a pairing code first")

// MessageHandler consumes inbound messages from a live connection.
type MessageHandler func(ctx context.Context, userID string, client transport.Client, msg transport.Message)

// Options carries the session tunables resolved from the config file.
type Options struct {
	// QRAttempts is how many pairing challenges are surfaced before the
	// attempt is abandoned.
	QRAttempts int
	// KeepAliveInterval is the presence-check cadence.
	KeepAliveInterval time.Duration
	// ConnectTimeout bounds one transport dial.
	ConnectTimeout time.Duration
}

type Manager struct {
	store   storage.Store
	bus     eventbus.Bus
	dialer  transport.Dialer
	metrics *metrics.Metrics
	sup     *supervisor.Supervisor
	log     logx.Logger
	handler MessageHandler

	qrAttempts     int
	keepAliveEvery time.Duration
	connectTimeout time.Duration

	mu   sync.Mutex
	live map[string]*connection
}

// connection is one live transport handle. Its ctx is cancelled atomically
// with removal from the registry, so keep-alive timers cannot outlive it.
type connection struct {
	userID    string
	sessionID string
	client    transport.Client
	ctx       context.Context
	cancel    context.CancelFunc
	attempts  atomic.Int32
}

func NewManager(store storage.Store, bus eventbus.Bus, dialer transport.Dialer, m *metrics.Metrics, sup *supervisor.Supervisor, log logx.Logger, opt Options) *Manager {
	if opt.QRAttempts <= 0 {
		opt.QRAttempts = 3
	}
	if opt.KeepAliveInterval <= 0 {
		opt.KeepAliveInterval = 5 * time.Minute
	}
	if opt.ConnectTimeout <= 0 {
		opt.ConnectTimeout = 2 * time.Minute
	}
	return &Manager{
		store:          store,
		bus:            bus,
		dialer:         dialer,
		metrics:        m,
		sup:            sup,
		log:            log,
		qrAttempts:     opt.QRAttempts,
		keepAliveEvery: opt.KeepAliveInterval,
		connectTimeout: opt.ConnectTimeout,
		live:           map[string]*connection{},
	}
}

// SetMessageHandler wires the dispatcher. Must be called before any
// connection is started.
func (m *Manager) SetMessageHandler(h MessageHandler) { m.handler = h }

// StartPairing tears down any existing connection for the user and opens a
// fresh one, surfacing pairing challenges as QR events until the transport
// reports ready or the challenge budget is exhausted.
func (m *Manager) StartPairing(ctx context.Context, userID string) error {
	if err := m.Stop(ctx, userID); err != nil {
		return err
	}

	sess, err := m.store.EnsureSession(ctx, userID)
	if err != nil {
		return err
	}
	if err := m.store.MarkConnecting(ctx, userID); err != nil {
		return err
	}
	m.bus.Publish(userID, eventbus.Status(string(storage.StatusConnecting), ""))

	connCtx, cancel := context.WithCancel(m.sup.Context())
	conn := &connection{
		userID:    userID,
		sessionID: sess.ID,
		ctx:       connCtx,
		cancel:    cancel,
	}

	client, err := m.dialer.Dial(connCtx, userID, transport.Handlers{
		OnPairingCode: func(code string) { m.onPairingCode(conn, code) },
		OnReady:       func(self transport.JID) { m.onReady(conn, self) },
		OnMessage:     func(msg *transport.Message) { m.onMessage(conn, msg) },
		OnDisconnect:  func(reason string) { m.onDisconnect(conn, reason) },
	})
	if err != nil {
		cancel()
		m.failPairing(ctx, conn, err)
		return err
	}
	conn.client = client

	m.mu.Lock()
	m.live[userID] = conn
	m.mu.Unlock()
	m.metrics.SessionsLive.Inc()

	cctx, ccancel := context.WithTimeout(connCtx, m.connectTimeout)
	defer ccancel()
	if err := client.Connect(cctx); err != nil {
		if m.release(conn) {
			_ = client.Close(ctx)
		}
		m.failPairing(ctx, conn, err)
		return err
	}
	m.metrics.SessionStarts.WithLabelValues("ok").Inc()
	return nil
}

// Start resumes a previously paired session. It refuses sessions that have
// never paired; an already-live session is a no-op.
func (m *Manager) Start(ctx context.Context, userID string) error {
	sess, err := m.store.Session(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotPaired
		}
		return err
	}
	if sess.PairedNumber == "" {
		return ErrNotPaired
	}
	if m.IsLive(userID) {
		return nil
	}
	return m.StartPairing(ctx, userID)
}

// Stop tears down the user's live connection (if any), marks the session
// inactive and notifies listeners. Stopping a stopped session is a no-op
// apart from the status write.
func (m *Manager) Stop(ctx context.Context, userID string) error {
	m.mu.Lock()
	conn := m.live[userID]
	m.mu.Unlock()
	if conn != nil && m.release(conn) {
		_ = conn.client.Close(ctx)
	}

	if err := m.store.MarkInactive(ctx, userID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	m.bus.Publish(userID, eventbus.Status(string(storage.StatusInactive), ""))
	return nil
}

// StopAll tears down every live connection, for process shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	users := make([]string, 0, len(m.live))
	for id := range m.live {
		users = append(users, id)
	}
	m.mu.Unlock()
	for _, id := range users {
		if err := m.Stop(ctx, id); err != nil {
			m.log.Warn("stop failed during shutdown", logx.String("user", id), logx.Err(err))
		}
	}
}

// release removes conn from the registry and cancels its context, but only
// if it is still the registered connection for its user. Check-and-clear
// under one lock makes a late timer or disconnect for a replaced connection
// harmless.
func (m *Manager) release(conn *connection) bool {
	m.mu.Lock()
	cur := m.live[conn.userID]
	if cur == conn {
		delete(m.live, conn.userID)
	}
	m.mu.Unlock()
	if cur != conn {
		return false
	}
	conn.cancel()
	m.metrics.SessionsLive.Dec()
	return true
}

func (m *Manager) IsLive(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[userID] != nil
}

// Status reports the registry view of a session: "active" when a live
// connection exists, "inactive" otherwise.
func (m *Manager) Status(userID string) storage.SessionStatus {
	if m.IsLive(userID) {
		return storage.StatusActive
	}
	return storage.StatusInactive
}

// Client returns the user's live client.
func (m *Manager) Client(userID string) (transport.Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn := m.live[userID]
	if conn == nil {
		return nil, false
	}
	return conn.client, true
}

// AnyClient returns an arbitrary live client, for operator-wide sends.
func (m *Manager) AnyClient() (transport.Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.live {
		return conn.client, true
	}
	return nil, false
}

func (m *Manager) failPairing(ctx context.Context, conn *connection, cause error) {
	m.metrics.SessionStarts.WithLabelValues("error").Inc()
	m.log.Error("pairing failed", logx.String("user", conn.userID), logx.Err(cause))
	if err := m.store.MarkError(ctx, conn.userID); err != nil {
		m.log.Warn("error status write failed", logx.String("user", conn.userID), logx.Err(err))
	}
	_ = m.store.AppendAudit(ctx, conn.sessionID, storage.AuditError, "Bot initialization error: "+cause.Error())
	m.bus.Publish(conn.userID, eventbus.Status(string(storage.StatusError), ""))
}

func (m *Manager) onPairingCode(conn *connection, code string) {
	ctx := conn.ctx
	image, err := renderQRDataURL(code)
	if err != nil {
		m.log.Warn("pairing image render failed", logx.String("user", conn.userID), logx.Err(err))
		return
	}
	if err := m.store.SetPairingImage(ctx, conn.userID, image); err != nil {
		m.log.Warn("pairing image persist failed", logx.String("user", conn.userID), logx.Err(err))
	}
	m.bus.Publish(conn.userID, eventbus.QR(image))
	m.metrics.EventsPublished.WithLabelValues(eventbus.TypeQR).Inc()

	if int(conn.attempts.Add(1)) > m.qrAttempts {
		// Challenge budget exhausted: abandon the attempt off the event loop.
		m.sup.Go0("pairing-autostop:"+conn.userID, func(ctx context.Context) {
			if m.release(conn) {
				_ = conn.client.Close(ctx)
				if err := m.store.MarkInactive(ctx, conn.userID); err != nil && !errors.Is(err, storage.ErrNotFound) {
					m.log.Warn("inactive status write failed", logx.String("user", conn.userID), logx.Err(err))
				}
				m.bus.Publish(conn.userID, eventbus.Status(string(storage.StatusInactive), ""))
			}
		})
	}
}

func (m *Manager) onReady(conn *connection, self transport.JID) {
	ctx := conn.ctx
	number := self.Number()
	if number == "" {
		number = "+unknown"
	}

	if err := m.store.MarkActive(ctx, conn.userID, number); err != nil {
		m.log.Error("active status write failed", logx.String("user", conn.userID), logx.Err(err))
		return
	}
	_ = m.store.AppendAudit(ctx, conn.sessionID, storage.AuditSuccess, "Bot connected successfully as "+number)
	m.bus.Publish(conn.userID, eventbus.Status(string(storage.StatusActive), number))
	m.metrics.EventsPublished.WithLabelValues(eventbus.TypeStatus).Inc()

	sess, err := m.store.Session(ctx, conn.userID)
	if err != nil {
		m.log.Warn("session reload failed", logx.String("user", conn.userID), logx.Err(err))
		return
	}

	if sess.OwnerNumber != "" {
		if err := conn.client.SendText(ctx, transport.UserJID(sess.OwnerNumber), welcomeText(number, sess.Mode), nil); err != nil {
			m.log.Warn("welcome message failed", logx.String("user", conn.userID), logx.Err(err))
		}
	}

	if sess.KeepAlive {
		m.sup.Go0("keepalive:"+conn.userID, func(context.Context) {
			m.keepAliveLoop(conn)
		})
	}
}

func (m *Manager) onMessage(conn *connection, msg *transport.Message) {
	if m.handler == nil || msg == nil {
		return
	}
	message := *msg
	m.sup.Go0("dispatch:"+conn.userID, func(ctx context.Context) {
		m.handler(ctx, conn.userID, conn.client, message)
	})
}

func (m *Manager) onDisconnect(conn *connection, reason string) {
	if !m.release(conn) {
		return
	}
	ctx := m.sup.Context()
	if err := m.store.MarkInactive(ctx, conn.userID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.log.Warn("inactive status write failed", logx.String("user", conn.userID), logx.Err(err))
	}
	_ = m.store.AppendAudit(ctx, conn.sessionID, storage.AuditError, "Bot disconnected: "+reason)
	m.bus.Publish(conn.userID, eventbus.Status(string(storage.StatusInactive), ""))
	m.log.Info("session disconnected", logx.String("user", conn.userID), logx.String("reason", reason))
}

// keepAliveLoop runs on the connection's own context; it dies with the
// connection, never after it.
func (m *Manager) keepAliveLoop(conn *connection) {
	ticker := time.NewTicker(m.keepAliveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-conn.ctx.Done():
			return
		case <-ticker.C:
		}

		sess, err := m.store.Session(conn.ctx, conn.userID)
		if err != nil {
			continue
		}
		if !sess.KeepAlive {
			continue
		}
		if conn.client.Connected() {
			if err := m.store.TouchLastActive(conn.ctx, conn.userID); err != nil {
				m.log.Warn("last-active touch failed", logx.String("user", conn.userID), logx.Err(err))
			}
			continue
		}

		m.log.Info("keep-alive: connection lost, re-pairing", logx.String("user", conn.userID))
		m.sup.Go0("keepalive-repair:"+conn.userID, func(ctx context.Context) {
			if err := m.StartPairing(ctx, conn.userID); err != nil {
				m.log.Warn("keep-alive re-pair failed", logx.String("user", conn.userID), logx.Err(err))
			}
		})
		return
	}
}

func welcomeText(number string, mode storage.BotMode) string {
	modeLine := "🌐 Anyone can use bot commands"
	if mode == storage.ModePrivate {
		modeLine = "🔒 Only you and the bot owner can use commands"
	}
	return fmt.Sprintf(`╔══════════════════════════╗
║  🤖 *BOT CONNECTED!* 🤖  ║
╚══════════════════════════╝

✨ *Welcome to Your WhatsApp Bot!* ✨

🎉 *Your bot is now active and ready!*
📱 Connected as: *%s*

━━━━━━━━━━━━━━━━━━━━━━━━━━

📋 *Quick Start Guide:*

Type *menu* or *.menu* to see all available commands!

🔐 *Security Notice:*
Your bot is currently in *%s* mode
%s

━━━━━━━━━━━━━━━━━━━━━━━━━━

💡 *Pro Tip:*
Set your owner number in the dashboard to enable command authorization!

━━━━━━━━━━━━━━━━━━━━━━━━━━

🚀 Happy botting! 🚀`, number, strings.ToUpper(string(mode)), modeLine)
}
