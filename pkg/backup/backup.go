package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

const (
	namePrefix = "backup-"
	nameSuffix = ".json"
	timeLayout = "20060102-150405.000"
)

var ErrNoBackups = errors.New("no backups available")

// Snapshot is one saved backup. Payload holds the caller's data as raw JSON
// so this package stays independent of what is being saved.
type Snapshot struct {
	Version   string                 `json:"version"`
	Kind      string                 `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   json.RawMessage        `json:"payload"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Storage defines interface for backup storage
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) error
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// BackupService handles backup operations
type BackupService struct {
	storage Storage
	version string
	now     func() time.Time
}

func NewBackupService(storage Storage, version string) *BackupService {
	return &BackupService{
		storage: storage,
		version: version,
		now:     time.Now,
	}
}

// CreateBackup saves payload under a timestamped name and returns the name.
func (bs *BackupService) CreateBackup(ctx context.Context, kind string, payload interface{}, metadata map[string]interface{}) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal backup payload: %w", err)
	}

	snap := Snapshot{
		Version:   bs.version,
		Kind:      kind,
		Timestamp: bs.now().UTC(),
		Payload:   raw,
		Metadata:  metadata,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("failed to marshal backup: %w", err)
	}

	name := nameFor(kind, snap.Timestamp)
	if err := bs.storage.Save(ctx, name, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("failed to save backup: %w", err)
	}
	return name, nil
}

// RestoreBackup loads the named backup and decodes its payload into out.
func (bs *BackupService) RestoreBackup(ctx context.Context, name string, out interface{}) (*Snapshot, error) {
	reader, err := bs.storage.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load backup: %w", err)
	}
	defer reader.Close()

	var snap Snapshot
	if err := json.NewDecoder(reader).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode backup %s: %w", name, err)
	}
	if snap.Version == "" {
		return nil, fmt.Errorf("invalid backup %s: missing version", name)
	}
	if out != nil {
		if err := json.Unmarshal(snap.Payload, out); err != nil {
			return nil, fmt.Errorf("failed to decode backup payload: %w", err)
		}
	}
	return &snap, nil
}

// ListBackups returns the backups of kind, oldest first.
func (bs *BackupService) ListBackups(ctx context.Context, kind string) ([]string, error) {
	names, err := bs.storage.List(ctx, namePrefix+kind+"-")
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, n := range names {
		if strings.HasSuffix(n, nameSuffix) {
			out = append(out, n)
		}
	}
	// the timestamp layout sorts lexically
	sort.Strings(out)
	return out, nil
}

// Latest returns the newest backup of kind.
func (bs *BackupService) Latest(ctx context.Context, kind string) (string, error) {
	names, err := bs.ListBackups(ctx, kind)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", ErrNoBackups
	}
	return names[len(names)-1], nil
}

// Prune keeps the newest retain backups of kind and deletes the rest. It
// returns how many were deleted.
func (bs *BackupService) Prune(ctx context.Context, kind string, retain int) (int, error) {
	names, err := bs.ListBackups(ctx, kind)
	if err != nil {
		return 0, err
	}
	if retain < 1 {
		retain = 1
	}
	deleted := 0
	for len(names)-deleted > retain {
		if err := bs.DeleteBackup(ctx, names[deleted]); err != nil {
			return deleted, fmt.Errorf("failed to delete backup %s: %w", names[deleted], err)
		}
		deleted++
	}
	return deleted, nil
}

// DeleteBackup removes one backup by name.
func (bs *BackupService) DeleteBackup(ctx context.Context, name string) error {
	return bs.storage.Delete(ctx, name)
}

// Timestamp parses the creation time out of a backup name.
func Timestamp(name string) (time.Time, error) {
	trimmed := strings.TrimSuffix(name, nameSuffix)
	if len(trimmed) < len(timeLayout) {
		return time.Time{}, fmt.Errorf("malformed backup name %q", name)
	}
	return time.Parse(timeLayout, trimmed[len(trimmed)-len(timeLayout):])
}

func nameFor(kind string, ts time.Time) string {
	return namePrefix + kind + "-" + ts.Format(timeLayout) + nameSuffix
}
