package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-git/go-billy/v5"

	"github.com/openfroyo/unitctl/pkg/stores"
)

// Sink receives audit records.
type Sink interface {
	Write(ctx context.Context, rec *Record) error
}

// JSONLSink appends records as JSON lines to one file.
type JSONLSink struct {
	mu   sync.Mutex
	file billy.File
}

// NewJSONLSink opens path on fs for appending, creating parent directories.
func NewJSONLSink(fs billy.Filesystem, path string) (*JSONLSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
	}
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &JSONLSink{file: f}, nil
}

// Write implements Sink.
func (s *JSONLSink) Write(_ context.Context, rec *Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode audit record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// AuditStore is the persistence needed by StoreSink.
type AuditStore interface {
	SaveAuditRecord(ctx context.Context, rec *stores.AuditRecord) error
}

// StoreSink writes full records to the run database.
type StoreSink struct {
	store AuditStore
}

// NewStoreSink creates a sink backed by store.
func NewStoreSink(store AuditStore) *StoreSink {
	return &StoreSink{store: store}
}

// Write implements Sink.
func (s *StoreSink) Write(ctx context.Context, rec *Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode audit record: %w", err)
	}
	return s.store.SaveAuditRecord(ctx, &stores.AuditRecord{
		ID:        rec.ID,
		RunID:     rec.RunID,
		UnitID:    rec.Unit.ID,
		Kind:      string(rec.Kind),
		Payload:   string(payload),
		CreatedAt: rec.Timestamp,
	})
}

// MemorySink keeps records in memory.
type MemorySink struct {
	mu      sync.Mutex
	records []*Record
}

// Write implements Sink.
func (s *MemorySink) Write(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Records returns the records written so far.
func (s *MemorySink) Records() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Record(nil), s.records...)
}
