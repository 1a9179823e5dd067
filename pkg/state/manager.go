package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/unitctl/pkg/engine"
)

// DefaultBackupPrefix is where snapshots are written when none is configured.
const DefaultBackupPrefix = "backups"

// ErrBackupNotFound is returned when no backup record matches an ID.
var ErrBackupNotFound = errors.New("backup record not found")

// RecordStore persists backup records outside the state store.
type RecordStore interface {
	SaveBackup(ctx context.Context, rec *engine.StateBackupRecord) error
	GetBackup(ctx context.Context, id string) (*engine.StateBackupRecord, error)
	ListBackups(ctx context.Context, key engine.BackendKey) ([]*engine.StateBackupRecord, error)
}

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	// StatePrefix is prepended to backend keys to address live state.
	StatePrefix string

	// BackupPrefix is where snapshots and their records are written.
	BackupPrefix string

	// Records mirrors backup records into a database. Optional.
	Records RecordStore

	// Clock overrides time.Now.
	Clock func() time.Time
}

// Manager takes and restores snapshots of remote state. It implements
// engine.StateBackuper.
type Manager struct {
	store        Store
	statePrefix  string
	backupPrefix string
	records      RecordStore
	now          func() time.Time
	logger       zerolog.Logger
}

var _ engine.StateBackuper = (*Manager)(nil)

// NewManager creates a manager over store.
func NewManager(store Store, opts ManagerOptions, logger zerolog.Logger) *Manager {
	m := &Manager{
		store:        store,
		statePrefix:  strings.Trim(opts.StatePrefix, "/"),
		backupPrefix: strings.Trim(opts.BackupPrefix, "/"),
		records:      opts.Records,
		now:          opts.Clock,
		logger:       logger.With().Str("component", "state").Logger(),
	}
	if m.backupPrefix == "" {
		m.backupPrefix = DefaultBackupPrefix
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

func (m *Manager) stateObject(key engine.BackendKey) string {
	if m.statePrefix == "" {
		return key.String()
	}
	return path.Join(m.statePrefix, key.String())
}

func (m *Manager) backupDir(key engine.BackendKey) string {
	return path.Join(m.backupPrefix, strings.TrimSuffix(key.String(), ".tfstate"))
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Backup copies the live state at key to a new snapshot. A key without state
// yields an empty record.
func (m *Manager) Backup(ctx context.Context, key engine.BackendKey) (*engine.StateBackupRecord, error) {
	data, err := m.store.Get(ctx, m.stateObject(key))
	empty := errors.Is(err, ErrNotFound)
	if err != nil && !empty {
		return nil, fmt.Errorf("failed to read state for %s: %w", key, err)
	}

	ts := m.now().UTC()
	id := uuid.NewString()
	base := path.Join(m.backupDir(key), ts.Format("20060102T150405.000000000Z")+"-"+id)

	rec := &engine.StateBackupRecord{
		ID:               id,
		BackendKey:       key,
		SnapshotLocation: base + ".tfstate",
		Empty:            empty,
		Timestamp:        ts,
	}
	if !empty {
		rec.Checksum = checksum(data)
		rec.Size = int64(len(data))
		if err := m.store.Put(ctx, rec.SnapshotLocation, data); err != nil {
			return nil, fmt.Errorf("failed to write snapshot for %s: %w", key, err)
		}
	}
	if err := m.saveRecord(ctx, rec); err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("backend_key", key.String()).
		Str("backup_id", id).
		Bool("empty", empty).
		Int64("size", rec.Size).
		Msg("State backed up")
	return rec, nil
}

// Changed reports whether the live state differs from the snapshot.
func (m *Manager) Changed(ctx context.Context, rec *engine.StateBackupRecord) (bool, error) {
	data, err := m.store.Get(ctx, m.stateObject(rec.BackendKey))
	if errors.Is(err, ErrNotFound) {
		return !rec.Empty, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read state for %s: %w", rec.BackendKey, err)
	}
	if rec.Empty {
		return true, nil
	}
	return checksum(data) != rec.Checksum, nil
}

// Restore copies the snapshot back over the live state. Restoring an empty
// snapshot is a no-op: removing state would orphan the resources it tracks.
func (m *Manager) Restore(ctx context.Context, rec *engine.StateBackupRecord) (bool, error) {
	logger := m.logger.With().Str("backend_key", rec.BackendKey.String()).Str("backup_id", rec.ID).Logger()

	if rec.Empty {
		logger.Warn().Msg("Snapshot is empty, leaving state in place")
		return false, nil
	}

	data, err := m.store.Get(ctx, rec.SnapshotLocation)
	if err != nil {
		return false, fmt.Errorf("failed to read snapshot %s: %w", rec.SnapshotLocation, err)
	}
	if got := checksum(data); got != rec.Checksum {
		return false, fmt.Errorf("snapshot %s checksum mismatch: got %s, want %s", rec.SnapshotLocation, got, rec.Checksum)
	}
	if err := m.store.Put(ctx, m.stateObject(rec.BackendKey), data); err != nil {
		return false, fmt.Errorf("failed to write state for %s: %w", rec.BackendKey, err)
	}

	restoredAt := m.now().UTC()
	rec.RestoredAt = &restoredAt
	if err := m.saveRecord(ctx, rec); err != nil {
		logger.Warn().Err(err).Msg("State restored but the backup record was not updated")
	}

	logger.Info().Msg("State restored")
	return true, nil
}

// List returns the backups of key, oldest first.
func (m *Manager) List(ctx context.Context, key engine.BackendKey) ([]*engine.StateBackupRecord, error) {
	if m.records != nil {
		recs, err := m.records.ListBackups(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to list backups for %s: %w", key, err)
		}
		return recs, nil
	}
	return m.scan(ctx, m.backupDir(key))
}

// Find returns the backup record with the given ID.
func (m *Manager) Find(ctx context.Context, id string) (*engine.StateBackupRecord, error) {
	if m.records != nil {
		rec, err := m.records.GetBackup(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBackupNotFound, id, err)
		}
		return rec, nil
	}

	recs, err := m.scan(ctx, m.backupPrefix)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, id)
}

// RestoreByID restores the snapshot with the given ID.
func (m *Manager) RestoreByID(ctx context.Context, id string) (*engine.StateBackupRecord, bool, error) {
	rec, err := m.Find(ctx, id)
	if err != nil {
		return nil, false, err
	}
	restored, err := m.Restore(ctx, rec)
	return rec, restored, err
}

func (m *Manager) saveRecord(ctx context.Context, rec *engine.StateBackupRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode backup record: %w", err)
	}
	loc := strings.TrimSuffix(rec.SnapshotLocation, ".tfstate") + ".json"
	if err := m.store.Put(ctx, loc, data); err != nil {
		return fmt.Errorf("failed to write backup record %s: %w", loc, err)
	}
	if m.records != nil {
		if err := m.records.SaveBackup(ctx, rec); err != nil {
			return fmt.Errorf("failed to save backup record %s: %w", rec.ID, err)
		}
	}
	return nil
}

func (m *Manager) scan(ctx context.Context, prefix string) ([]*engine.StateBackupRecord, error) {
	keys, err := m.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups under %s: %w", prefix, err)
	}

	var recs []*engine.StateBackupRecord
	for _, k := range keys {
		if path.Ext(k) != ".json" {
			continue
		}
		data, err := m.store.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		var rec engine.StateBackupRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			m.logger.Warn().Err(err).Str("record", k).Msg("Skipping unreadable backup record")
			continue
		}
		recs = append(recs, &rec)
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Timestamp.Before(recs[j].Timestamp) })
	return recs, nil
}
