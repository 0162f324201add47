package storage

import (
	"context"
	"io"
	"time"

	"github.com/Sriram-PR/frontier-crawler/pkg/models"
)

// maxBatch bounds the number of keys per transaction or IN (...) clause
const maxBatch = 500

// RecordStore persists URL records and their status
type RecordStore interface {
	// ExistingHashes returns the subset of hashes already present, in any status
	ExistingHashes(ctx context.Context, hashes []string) (map[string]struct{}, error)

	// Insert adds records whose hash is not yet present. Returns how many were written.
	Insert(ctx context.Context, records []models.URLRecord) (int, error)

	// ClaimQueued atomically moves up to n QUEUED records to PROCESSING and returns them
	// ordered by priority DESC, created_at ASC. Concurrent callers never receive the same record.
	ClaimQueued(ctx context.Context, n int) ([]models.URLRecord, error)

	// Transition moves records currently in from to to. Records in any other status are left alone.
	// Returns how many records changed.
	Transition(ctx context.Context, hashes []string, from, to models.URLStatus) (int, error)

	// ResetProcessing moves every PROCESSING record back to QUEUED
	ResetProcessing(ctx context.Context) (int, error)

	// CountByStatus scans the store and returns per-status counts
	CountByStatus(ctx context.Context) (models.FrontierStatus, error)
}

// StoreAdmin handles lifecycle and administrative operations
type StoreAdmin interface {
	// WriteFrontierLog writes one "hash\tstatus\tpriority\turl" line per record
	WriteFrontierLog(ctx context.Context, w io.Writer) (int, error)

	// Close cleanly closes the underlying database
	Close() error
}

// FrontierStore combines all store interfaces
type FrontierStore interface {
	RecordStore
	StoreAdmin
}

// GarbageCollector is implemented by backends that need periodic compaction
type GarbageCollector interface {
	RunGC(ctx context.Context, interval time.Duration)
}
