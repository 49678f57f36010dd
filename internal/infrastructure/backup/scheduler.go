package backup

import (
	"context"
	"sync"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/pkg/backup"

	"go.uber.org/zap"
)

const grantsKind = "grants"

// GrantSnapshotter is the in-process grant store seen from the backup side.
type GrantSnapshotter interface {
	All() []*domain.AccessGrant
	Restore(grants []*domain.AccessGrant)
}

// Scheduler writes a snapshot of the grant store every interval and keeps
// the newest Retain of them.
type Scheduler struct {
	backupService *backup.BackupService
	store         GrantSnapshotter
	interval      time.Duration
	retain        int
	logger        *zap.SugaredLogger

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

type Config struct {
	Interval time.Duration
	Retain   int
}

func NewScheduler(backupService *backup.BackupService, store GrantSnapshotter, cfg Config, logger *zap.SugaredLogger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.Retain <= 0 {
		cfg.Retain = 5
	}
	return &Scheduler{
		backupService: backupService,
		store:         store,
		interval:      cfg.Interval,
		retain:        cfg.Retain,
		logger:        logger,
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start snapshots until ctx ends or Stop is called, then writes one final
// snapshot so a clean shutdown loses nothing.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunBackup(ctx)
		case <-s.stopChan:
			s.RunBackup(context.Background())
			return
		case <-ctx.Done():
			s.RunBackup(context.Background())
			return
		}
	}
}

// Stop ends Start and waits for the final snapshot.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	<-s.done
}

// RunBackup writes one snapshot and prunes old ones. Failures are logged;
// the next tick tries again.
func (s *Scheduler) RunBackup(ctx context.Context) string {
	grants := s.store.All()

	active := 0
	for _, g := range grants {
		if g.IsActive {
			active++
		}
	}

	name, err := s.backupService.CreateBackup(ctx, grantsKind, grants, map[string]interface{}{
		"grant_count":  len(grants),
		"active_count": active,
	})
	if err != nil {
		s.logger.Errorw("failed to write grant snapshot", "error", err)
		return ""
	}
	s.logger.Debugw("grant snapshot written", "backup_name", name, "grants", len(grants))

	if n, err := s.backupService.Prune(ctx, grantsKind, s.retain); err != nil {
		s.logger.Warnw("failed to prune grant snapshots", "error", err)
	} else if n > 0 {
		s.logger.Debugw("pruned grant snapshots", "deleted", n)
	}
	return name
}
