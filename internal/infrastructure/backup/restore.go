package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/pkg/backup"

	"go.uber.org/zap"
)

// RestoreService loads grant snapshots back into the in-process store.
type RestoreService struct {
	backupService *backup.BackupService
	store         GrantSnapshotter
	logger        *zap.SugaredLogger
}

func NewRestoreService(backupService *backup.BackupService, store GrantSnapshotter, logger *zap.SugaredLogger) *RestoreService {
	return &RestoreService{backupService: backupService, store: store, logger: logger}
}

// RestoreLatest loads the newest snapshot. Having none is not an error; it
// returns zero grants restored.
func (rs *RestoreService) RestoreLatest(ctx context.Context) (int, error) {
	name, err := rs.backupService.Latest(ctx, grantsKind)
	if errors.Is(err, backup.ErrNoBackups) {
		rs.logger.Info("no grant snapshot to restore")
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to find latest snapshot: %w", err)
	}
	return rs.RestoreFromBackup(ctx, name)
}

// RestoreFromBackup replaces the store contents with the named snapshot.
// Viewer slots start empty since no channel survives a restart.
func (rs *RestoreService) RestoreFromBackup(ctx context.Context, name string) (int, error) {
	var grants []*domain.AccessGrant
	snap, err := rs.backupService.RestoreBackup(ctx, name, &grants)
	if err != nil {
		return 0, err
	}
	if snap.Kind != grantsKind {
		return 0, fmt.Errorf("backup %s holds %q, not grants", name, snap.Kind)
	}

	rs.store.Restore(grants)
	rs.logger.Infow("grant snapshot restored",
		"backup_name", name,
		"grants", len(grants),
		"taken_at", snap.Timestamp,
	)
	return len(grants), nil
}

// FindBackupByTime returns the newest snapshot taken at or before target.
func (rs *RestoreService) FindBackupByTime(ctx context.Context, target time.Time) (string, error) {
	names, err := rs.backupService.ListBackups(ctx, grantsKind)
	if err != nil {
		return "", fmt.Errorf("failed to list backups: %w", err)
	}

	var found string
	for _, name := range names {
		ts, err := backup.Timestamp(name)
		if err != nil {
			continue
		}
		if ts.After(target) {
			break
		}
		found = name
	}
	if found == "" {
		return "", fmt.Errorf("no backup found at or before %s", target.Format(time.RFC3339))
	}
	return found, nil
}
