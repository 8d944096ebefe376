// Package janitor runs periodic storage maintenance: flushing buffered
// audit writes and pruning audit history past its retention window.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"modbot/internal/storage"
	logx "modbot/pkg/logx"
)

type Config struct {
	Enabled        bool
	FlushSpec      string
	AuditPruneSpec string
	AuditRetention time.Duration
}

func (c *Config) applyDefaults() {
	if c.FlushSpec == "" {
		c.FlushSpec = "@every 30s"
	}
	if c.AuditPruneSpec == "" {
		c.AuditPruneSpec = "@daily"
	}
	if c.AuditRetention <= 0 {
		c.AuditRetention = 90 * 24 * time.Hour
	}
}

type Service struct {
	cfg   Config
	store storage.Store
	log   logx.Logger
	cron  *cron.Cron
}

func New(cfg Config, store storage.Store, log logx.Logger) *Service {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, store: store, log: log}
}

// Start registers the maintenance jobs and starts the cron runner. Jobs are
// only registered for capabilities the storage backend actually has.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Debug("janitor disabled")
		return nil
	}
	if s.cron != nil {
		return nil
	}

	c := cron.New(cron.WithChain(cron.Recover(cronLogger{s.log})))

	if fl, ok := s.store.(storage.Flusher); ok {
		if _, err := c.AddFunc(s.cfg.FlushSpec, func() {
			if err := fl.Flush(ctx); err != nil {
				s.log.Warn("storage flush failed", logx.Err(err))
			}
		}); err != nil {
			return fmt.Errorf("janitor: flush spec %q: %w", s.cfg.FlushSpec, err)
		}
	}

	if pr, ok := s.store.(storage.AuditPruner); ok {
		retention := s.cfg.AuditRetention
		if _, err := c.AddFunc(s.cfg.AuditPruneSpec, func() {
			cutoff := time.Now().Add(-retention)
			n, err := pr.PruneAudit(ctx, cutoff)
			if err != nil {
				s.log.Warn("audit prune failed", logx.Err(err))
				return
			}
			if n > 0 {
				s.log.Info("audit pruned", logx.Int("removed", n), logx.Time("cutoff", cutoff))
			}
		}); err != nil {
			return fmt.Errorf("janitor: prune spec %q: %w", s.cfg.AuditPruneSpec, err)
		}
	}

	c.Start()
	s.cron = c
	s.log.Info("janitor started",
		logx.String("flush", s.cfg.FlushSpec), logx.String("prune", s.cfg.AuditPruneSpec))
	return nil
}

func (s *Service) Stop() {
	if s.cron == nil {
		return
	}
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.log.Warn("janitor jobs did not finish before timeout")
	}
	s.cron = nil
}

// cronLogger adapts logx to cron's logger interface for panic recovery.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug(msg, logx.Any("detail", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error(msg, logx.Err(err), logx.Any("detail", kv))
}
