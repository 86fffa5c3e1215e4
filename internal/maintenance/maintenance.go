// Package maintenance runs periodic retention sweeps over the store.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"wabot/internal/storage"
	"wabot/pkg/logx"
)

type Options struct {
	// AuditRetention is how long audit entries are kept.
	AuditRetention time.Duration
	// SweepSpec is the cron spec for the retention sweep.
	SweepSpec string
	Location  *time.Location
}

type Sweeper struct {
	store storage.Store
	log   logx.Logger
	opts  Options
	cron  *cron.Cron
}

func New(store storage.Store, log logx.Logger, opts Options) *Sweeper {
	if opts.AuditRetention <= 0 {
		opts.AuditRetention = 720 * time.Hour
	}
	if opts.SweepSpec == "" {
		opts.SweepSpec = "0 3 * * *"
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Sweeper{store: store, log: log, opts: opts}
}

// Start schedules the sweep. The returned error reports a bad cron spec.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New(cron.WithLocation(s.opts.Location))
	_, err := c.AddFunc(s.opts.SweepSpec, func() {
		s.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	s.cron = c
	c.Start()
	s.log.Info("maintenance sweeps scheduled", logx.String("spec", s.opts.SweepSpec))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Sweep prunes expired audit entries and lapsed quota grants once.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now()

	n, err := s.store.PruneAudit(ctx, now.Add(-s.opts.AuditRetention))
	if err != nil {
		s.log.Error("audit prune failed", logx.Err(err))
	} else if n > 0 {
		s.log.Info("audit entries pruned", logx.Int64("count", n))
	}

	n, err = s.store.PruneExpiredQuota(ctx, now)
	if err != nil {
		s.log.Error("quota prune failed", logx.Err(err))
	} else if n > 0 {
		s.log.Info("expired quota grants pruned", logx.Int64("count", n))
	}
}
