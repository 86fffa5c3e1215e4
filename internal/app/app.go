// Package app assembles the engine: storage, session manager, dispatcher,
// broadcaster and the operational surfaces, behind one facade the outer
// boundary (HTTP layer, CLI) calls into.
package app

import (
	"context"
	"fmt"
	"time"

	"wabot/internal/broadcast"
	"wabot/internal/config"
	"wabot/internal/contacts"
	"wabot/internal/dispatch"
	"wabot/internal/eventbus"
	"wabot/internal/maintenance"
	"wabot/internal/metrics"
	"wabot/internal/moderation"
	"wabot/internal/ops"
	"wabot/internal/runtime/supervisor"
	"wabot/internal/session"
	"wabot/internal/storage"
	"wabot/internal/transport"
	"wabot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	met  *metrics.Metrics

	store    storage.Store
	sessions *session.Manager
	disp     *dispatch.Dispatcher
	caster   *broadcast.Throttler
	ops      *ops.Service
	sweeper  *maintenance.Sweeper

	// buildSessions defers session-manager construction until Start, when
	// the app supervisor exists.
	buildSessions func(sup *supervisor.Supervisor)
}

func New(cfgPath string, dialer transport.Dialer) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()
	met := metrics.New()

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	sessOpts, err := mapSessionOptions(cfg)
	if err != nil {
		return nil, err
	}

	prefix := cfg.Dispatch.ResolvedPrefix()
	mod := moderation.New(store, met, log.With(logx.String("comp", "moderation")),
		cfg.Moderation.ResolvedWarnLimit(), prefix)

	disp := dispatch.New(store, bus, met, mod, dispatch.NewVideoFetcher(),
		log.With(logx.String("comp", "dispatch")), dispatch.Options{
			Prefix:           prefix,
			PublicCommands:   cfg.Dispatch.ResolvedPublicCommands(),
			FreeRecipientCap: cfg.Broadcast.ResolvedFreeRecipientCap(),
		})

	sendDelay, err := cfg.Broadcast.ResolvedSendDelay()
	if err != nil {
		return nil, err
	}

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}

	sweepOpts, err := mapMaintenanceOptions(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		met:     met,
		store:   store,
	}
	a.buildSessions = func(sup *supervisor.Supervisor) {
		a.sessions = session.NewManager(store, bus, dialer, met, sup,
			log.With(logx.String("comp", "session")), sessOpts)
		a.sessions.SetMessageHandler(disp.HandleMessage)
		a.caster = broadcast.New(store, a.sessions, met,
			log.With(logx.String("comp", "broadcast")), sendDelay,
			cfg.Broadcast.ResolvedFreeRecipientCap())
	}
	a.disp = disp
	a.ops = ops.New(opsCfg, met, log.With(logx.String("comp", "ops")))
	a.sweeper = maintenance.New(store, log.With(logx.String("comp", "maintenance")), sweepOpts)
	return a, nil
}

// Start brings the engine up: operational server, retention sweeps, config
// watch, and resumption of sessions that were live before the last shutdown.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.buildSessions(a.sup)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	if err := a.ops.Start(); err != nil {
		return err
	}
	if cfg := a.cfgm.Get(); cfg != nil && cfg.Maintain.Enabled {
		if err := a.sweeper.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	// Hot reload: logging applies live; everything else logs a restart note.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})
				a.log.Info("config reloaded; non-logging changes take effect on restart")
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.resumeSessions(a.sup.Context())

	a.log.Info("engine started")
	return nil
}

// resumeSessions reconnects every session that was active at last shutdown.
func (a *App) resumeSessions(ctx context.Context) {
	users, err := a.store.ListUsers(ctx)
	if err != nil {
		a.log.Error("session resume scan failed", logx.Err(err))
		return
	}
	for _, u := range users {
		if u.Status != storage.StatusActive {
			continue
		}
		userID := u.ID
		a.sup.Go0("session.resume:"+userID, func(c context.Context) {
			if err := a.sessions.Start(c, userID); err != nil {
				a.log.Warn("session resume failed", logx.String("user", userID), logx.Err(err))
			}
		})
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	a.sessions.StopAll(ctx)
	a.sweeper.Stop()
	a.ops.Stop(ctx)
	if err := a.sup.Wait(ctx); err != nil {
		a.log.Warn("supervisor drain incomplete", logx.Err(err))
	}
	err := a.store.Close()
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}

// Done is closed when the run context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// ---- user lifecycle ----

func (a *App) CreateUser(ctx context.Context, username, botName, email string) (*storage.User, error) {
	return a.store.CreateUser(ctx, username, botName, email)
}

func (a *App) ListUsers(ctx context.Context) ([]storage.UserOverview, error) {
	return a.store.ListUsers(ctx)
}

// ---- session lifecycle ----

// GenerateQR tears down any live connection for the user and opens a fresh
// pairing attempt. Challenges are surfaced as QR events on the bus and
// persisted on the session record.
func (a *App) GenerateQR(ctx context.Context, userID string) error {
	return a.sessions.StartPairing(ctx, userID)
}

// StartBot reconnects a previously paired session.
func (a *App) StartBot(ctx context.Context, userID string) error {
	return a.sessions.Start(ctx, userID)
}

func (a *App) StopBot(ctx context.Context, userID string) error {
	return a.sessions.Stop(ctx, userID)
}

// SessionInfo returns the durable session record with its status overlaid
// by registry liveness.
func (a *App) SessionInfo(ctx context.Context, userID string) (*storage.Session, error) {
	sess, err := a.store.Session(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !a.sessions.IsLive(userID) && sess.Status == storage.StatusActive {
		sess.Status = storage.StatusInactive
	}
	return sess, nil
}

func (a *App) SetOwnerNumber(ctx context.Context, userID, number string) error {
	return a.store.SetOwnerNumber(ctx, userID, number)
}

func (a *App) SetMode(ctx context.Context, userID string, mode storage.BotMode) error {
	if mode != storage.ModePrivate && mode != storage.ModePublic {
		return fmt.Errorf("invalid mode %q", mode)
	}
	return a.store.SetMode(ctx, userID, mode)
}

func (a *App) SetKeepAlive(ctx context.Context, userID string, enabled bool) error {
	return a.store.SetKeepAlive(ctx, userID, enabled)
}

// Subscribe streams session events (QR challenges, status transitions, log
// lines) for one user. The returned cancel must be called when done.
func (a *App) Subscribe(userID string, buffer int) (<-chan eventbus.Event, func()) {
	return a.bus.Subscribe(userID, buffer)
}

// RecentAudit returns the newest audit entries for the user's session.
func (a *App) RecentAudit(ctx context.Context, userID string, limit int) ([]storage.AuditEntry, error) {
	sess, err := a.store.Session(ctx, userID)
	if err != nil {
		return nil, err
	}
	return a.store.RecentAudit(ctx, sess.ID, limit)
}

// ---- broadcast ----

func (a *App) BulkSend(ctx context.Context, userID string, recipients []string, message, imageURL string) (broadcast.Result, error) {
	return a.caster.BulkSend(ctx, userID, recipients, message, imageURL)
}

// BroadcastConnected messages every session's connected number (operator).
func (a *App) BroadcastConnected(ctx context.Context, message, imageURL string) (broadcast.Result, error) {
	return a.caster.BroadcastConnected(ctx, message, imageURL)
}

// BroadcastContacts messages each user's extracted-contact union from that
// user's own connection (operator).
func (a *App) BroadcastContacts(ctx context.Context, message, imageURL string) (broadcast.Result, error) {
	return a.caster.BroadcastContacts(ctx, message, imageURL)
}

// ---- quota ----

// QuotaStatus is the caller-facing view of a user's broadcast allowance.
// MaxRecipients is 0 while a grant is active (uncapped).
type QuotaStatus struct {
	IsPremium     bool       `json:"isPremium"`
	PremiumUntil  *time.Time `json:"premiumUntil,omitempty"`
	MaxRecipients int        `json:"maxRecipients"`
}

func (a *App) QuotaStatus(ctx context.Context, userID string) (QuotaStatus, error) {
	grant, err := a.store.QuotaGrant(ctx, userID)
	if err != nil && err != storage.ErrNotFound {
		return QuotaStatus{}, err
	}
	st := QuotaStatus{MaxRecipients: a.caster.FreeCap()}
	if grant.Active(time.Now()) {
		st.IsPremium = true
		st.PremiumUntil = &grant.PremiumUntil
		st.MaxRecipients = 0
	}
	return st, nil
}

func (a *App) GrantQuota(ctx context.Context, userID string, until time.Time) error {
	return a.store.GrantQuota(ctx, userID, until)
}

func (a *App) RevokeQuota(ctx context.Context, userID string) error {
	return a.store.RevokeQuota(ctx, userID)
}

// ---- contact exports ----

// ExportContactsCSV renders one user's extracted snapshots as CSV.
func (a *App) ExportContactsCSV(ctx context.Context, userID string) ([]byte, error) {
	sess, err := a.store.Session(ctx, userID)
	if err != nil {
		return nil, err
	}
	return contacts.ExportCSV(ctx, a.store, sess.ID)
}

// ExportAllContactsCSV renders every user's snapshots with a username column.
func (a *App) ExportAllContactsCSV(ctx context.Context) ([]byte, error) {
	return contacts.ExportAllCSV(ctx, a.store)
}

// ---- operator settings ----

func (a *App) AdminSettings(ctx context.Context) (*storage.AdminSettings, error) {
	return a.store.AdminSettings(ctx)
}

func (a *App) UpdateAdminSettings(ctx context.Context, s storage.AdminSettings) error {
	return a.store.UpdateAdminSettings(ctx, s)
}
