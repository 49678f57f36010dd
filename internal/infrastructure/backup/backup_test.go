package backup

import (
	"context"
	"testing"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/infrastructure/repositories/memory"
	"camrelay/pkg/backup"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func seedGrant(t *testing.T, store *memory.MemoryGrantStore, token string, viewers int) {
	t.Helper()
	now := time.Now()
	require.NoError(t, store.Put(context.Background(), &domain.AccessGrant{
		ID:                   domain.GrantID("grant-" + token),
		InviteToken:          token,
		ExpiresAt:            now.Add(time.Hour),
		AllowedSources:       []domain.SourceID{"cam-1"},
		MaxConcurrentViewers: 2,
		CurrentViewers:       viewers,
		Admissions:           map[domain.AdmissionID]time.Time{"adm-1": now},
		IsActive:             true,
		CreatedBy:            "owner-1",
		CreatedAt:            now,
	}))
}

func TestScheduler_SnapshotAndRestore(t *testing.T) {
	storage, err := backup.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	svc := backup.NewBackupService(storage, "test")
	logger := zaptest.NewLogger(t).Sugar()

	src := memory.NewMemoryGrantStore()
	seedGrant(t, src, "tok-a", 1)
	seedGrant(t, src, "tok-b", 0)

	sched := NewScheduler(svc, src, Config{Interval: time.Hour, Retain: 2}, logger)
	name := sched.RunBackup(context.Background())
	require.NotEmpty(t, name)

	dst := memory.NewMemoryGrantStore()
	n, err := NewRestoreService(svc, dst, logger).RestoreLatest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := dst.Get(context.Background(), "tok-a")
	require.NoError(t, err)
	assert.Equal(t, domain.GrantID("grant-tok-a"), got.ID)
	assert.Equal(t, 0, got.CurrentViewers)
	assert.Empty(t, got.Admissions)
}

func TestRestoreService_NoSnapshot(t *testing.T) {
	storage, err := backup.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	rs := NewRestoreService(backup.NewBackupService(storage, "test"), memory.NewMemoryGrantStore(), zaptest.NewLogger(t).Sugar())

	n, err := rs.RestoreLatest(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = rs.FindBackupByTime(context.Background(), time.Now())
	assert.Error(t, err)
}

func TestScheduler_StopWritesFinalSnapshot(t *testing.T) {
	storage, err := backup.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	svc := backup.NewBackupService(storage, "test")

	src := memory.NewMemoryGrantStore()
	seedGrant(t, src, "tok-a", 0)

	sched := NewScheduler(svc, src, Config{Interval: time.Hour}, zaptest.NewLogger(t).Sugar())
	go sched.Start(context.Background())
	sched.Stop()

	names, err := svc.ListBackups(context.Background(), "grants")
	require.NoError(t, err)
	assert.Len(t, names, 1)

	rs := NewRestoreService(svc, memory.NewMemoryGrantStore(), zaptest.NewLogger(t).Sugar())
	found, err := rs.FindBackupByTime(context.Background(), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, names[0], found)
}
