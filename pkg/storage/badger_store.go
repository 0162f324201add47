package storage

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/frontier-crawler/pkg/log"
	"github.com/Sriram-PR/frontier-crawler/pkg/models"
	"github.com/Sriram-PR/frontier-crawler/pkg/utils"
)

const (
	recordKeyPrefix = "rec:"         // rec:<hash> -> JSON URLRecord
	queueKeyPrefix  = "q:"           // q:<inverted priority><created_at><hash> -> empty, only for QUEUED records
	frontierDBDir   = "frontier_db" // Subdirectory name within stateDir for Badger DB files
	queueKeyFixed   = len(queueKeyPrefix) + 16
)

// BadgerStore implements FrontierStore on BadgerDB.
// QUEUED records are mirrored in an ordered index so claims never scan the whole keyspace.
type BadgerStore struct {
	db      *badger.DB
	log     *logrus.Entry
	claimMu sync.Mutex // Serializes ClaimQueued within this process
}

// NewBadgerStore opens (or, when resume is false, recreates) the frontier database for jobID
func NewBadgerStore(ctx context.Context, stateDir, jobID string, resume bool, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{log: logger}

	dbPath := filepath.Join(stateDir, utils.SanitizeFilename(jobID)+"_"+frontierDBDir)

	if !resume {
		logger.Warnf("Resume flag is false. REMOVING existing frontier directory: %s", dbPath)
		if err := os.RemoveAll(dbPath); err != nil {
			logger.Errorf("Failed to remove existing frontier directory %s: %v", dbPath, err)
		}
	}

	logger.Infof("Initializing frontier database at: %s (Resume: %v)", dbPath, resume)

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create state directory %s: %w", utils.ErrFilesystem, dbPath, err)
	}

	badgerLogger := log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))
	opts := badger.DefaultOptions(dbPath).
		WithLogger(badgerLogger).
		WithNumVersionsToKeep(1)

	var err error
	store.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database at %s: %w", utils.ErrPersistence, dbPath, err)
	}

	logger.Info("Frontier database initialized successfully.")
	return store, nil
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent MVCC transactions on overlapping keys can return badger.ErrConflict;
// these resolve in microseconds, so a tight retry loop is sufficient.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrPersistence, maxConflictRetries)
}

func recordKey(hash string) []byte {
	return []byte(recordKeyPrefix + hash)
}

// queueKey orders by priority DESC then created_at ASC under plain byte ordering
func queueKey(rec *models.URLRecord) []byte {
	key := make([]byte, 0, queueKeyFixed+len(rec.Hash))
	key = append(key, queueKeyPrefix...)
	key = binary.BigEndian.AppendUint64(key, ^(uint64(int64(rec.Priority)) ^ (1 << 63)))
	key = binary.BigEndian.AppendUint64(key, uint64(rec.CreatedAt.UnixNano()))
	return append(key, rec.Hash...)
}

func getRecord(txn *badger.Txn, hash string) (*models.URLRecord, error) {
	item, err := txn.Get(recordKey(hash))
	if err != nil {
		return nil, err
	}
	var rec models.URLRecord
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, fmt.Errorf("%w: decoding record %s: %w", utils.ErrParsing, hash, err)
	}
	return &rec, nil
}

func putRecord(txn *badger.Txn, rec *models.URLRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encoding record %s JSON: %w", utils.ErrParsing, rec.Hash, err)
	}
	return txn.SetEntry(badger.NewEntry(recordKey(rec.Hash), data))
}

// ExistingHashes implements RecordStore
func (s *BadgerStore) ExistingHashes(ctx context.Context, hashes []string) (map[string]struct{}, error) {
	found := make(map[string]struct{})
	err := s.db.View(func(txn *badger.Txn) error {
		for i, h := range hashes {
			if i%maxBatch == 0 && ctx.Err() != nil {
				return ctx.Err()
			}
			_, err := txn.Get(recordKey(h))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			found[h] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: checking %d hashes: %w", utils.ErrPersistence, len(hashes), err)
	}
	return found, nil
}

// Insert implements RecordStore
func (s *BadgerStore) Insert(ctx context.Context, records []models.URLRecord) (int, error) {
	total := 0
	for start := 0; start < len(records); start += maxBatch {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		chunk := records[start:min(start+maxBatch, len(records))]
		added := 0
		err := s.dbUpdate(func(txn *badger.Txn) error {
			added = 0
			for i := range chunk {
				rec := chunk[i]
				_, errGet := txn.Get(recordKey(rec.Hash))
				if errGet == nil {
					continue
				}
				if !errors.Is(errGet, badger.ErrKeyNotFound) {
					return errGet
				}
				if err := putRecord(txn, &rec); err != nil {
					return err
				}
				if rec.Status == models.URLStatusQueued {
					if err := txn.Set(queueKey(&rec), nil); err != nil {
						return err
					}
				}
				added++
			}
			return nil
		})
		if err != nil {
			s.log.Errorf("DB Update error in Insert: %v", err)
			return total, fmt.Errorf("%w: inserting %d records: %w", utils.ErrPersistence, len(chunk), err)
		}
		total += added
	}
	return total, nil
}

// ClaimQueued implements RecordStore
func (s *BadgerStore) ClaimQueued(ctx context.Context, n int) ([]models.URLRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	var claimed []models.URLRecord
	err := s.dbUpdate(func(txn *badger.Txn) error {
		claimed = claimed[:0]

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(queueKeyPrefix)
		it := txn.NewIterator(opts)
		var queueKeys [][]byte
		for it.Rewind(); it.Valid() && len(queueKeys) < n; it.Next() {
			queueKeys = append(queueKeys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, qk := range queueKeys {
			hash := string(qk[queueKeyFixed:])
			if err := txn.Delete(qk); err != nil {
				return err
			}
			rec, err := getRecord(txn, hash)
			if errors.Is(err, badger.ErrKeyNotFound) {
				s.log.Warnf("Dropping dangling queue entry for %s", hash)
				continue
			}
			if err != nil {
				return err
			}
			if rec.Status != models.URLStatusQueued {
				continue
			}
			rec.Status = models.URLStatusProcessing
			if err := putRecord(txn, rec); err != nil {
				return err
			}
			claimed = append(claimed, *rec)
		}
		return nil
	})
	if err != nil {
		s.log.Errorf("DB Update error in ClaimQueued: %v", err)
		return nil, fmt.Errorf("%w: claiming %d records: %w", utils.ErrPersistence, n, err)
	}
	return claimed, nil
}

// Transition implements RecordStore
func (s *BadgerStore) Transition(ctx context.Context, hashes []string, from, to models.URLStatus) (int, error) {
	total := 0
	for start := 0; start < len(hashes); start += maxBatch {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		chunk := hashes[start:min(start+maxBatch, len(hashes))]
		changed := 0
		err := s.dbUpdate(func(txn *badger.Txn) error {
			changed = 0
			for _, h := range chunk {
				rec, err := getRecord(txn, h)
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				if rec.Status != from {
					continue
				}
				if from == models.URLStatusQueued {
					if err := txn.Delete(queueKey(rec)); err != nil {
						return err
					}
				}
				rec.Status = to
				if err := putRecord(txn, rec); err != nil {
					return err
				}
				if to == models.URLStatusQueued {
					if err := txn.Set(queueKey(rec), nil); err != nil {
						return err
					}
				}
				changed++
			}
			return nil
		})
		if err != nil {
			s.log.Errorf("DB Update error in Transition %s->%s: %v", from, to, err)
			return total, fmt.Errorf("%w: %s->%s for %d records: %w", utils.ErrPersistence, from, to, len(chunk), err)
		}
		total += changed
	}
	return total, nil
}

// scanRecords calls fn for every record in key order
func (s *BadgerStore) scanRecords(ctx context.Context, fn func(rec *models.URLRecord) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var rec models.URLRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				s.log.Errorf("Skipping undecodable record %s: %v", string(it.Item().Key()), err)
				continue
			}
			if err := fn(&rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// ResetProcessing implements RecordStore
func (s *BadgerStore) ResetProcessing(ctx context.Context) (int, error) {
	var orphans []string
	err := s.scanRecords(ctx, func(rec *models.URLRecord) error {
		if rec.Status == models.URLStatusProcessing {
			orphans = append(orphans, rec.Hash)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: scanning for orphans: %w", utils.ErrPersistence, err)
	}
	if len(orphans) == 0 {
		return 0, nil
	}
	return s.Transition(ctx, orphans, models.URLStatusProcessing, models.URLStatusQueued)
}

// CountByStatus implements RecordStore
func (s *BadgerStore) CountByStatus(ctx context.Context) (models.FrontierStatus, error) {
	var st models.FrontierStatus
	err := s.scanRecords(ctx, func(rec *models.URLRecord) error {
		switch rec.Status {
		case models.URLStatusQueued:
			st.Queued++
		case models.URLStatusProcessing:
			st.Processing++
		case models.URLStatusProcessed:
			st.Processed++
		case models.URLStatusFailed:
			st.Failed++
		}
		return nil
	})
	if err != nil {
		return models.FrontierStatus{}, fmt.Errorf("%w: counting records: %w", utils.ErrPersistence, err)
	}
	return st, nil
}

// WriteFrontierLog implements StoreAdmin
func (s *BadgerStore) WriteFrontierLog(ctx context.Context, w io.Writer) (int, error) {
	writer := bufio.NewWriter(w)
	written := 0
	err := s.scanRecords(ctx, func(rec *models.URLRecord) error {
		if _, err := fmt.Fprintf(writer, "%s\t%s\t%d\t%s\n", rec.Hash, rec.Status, rec.Priority, rec.URL); err != nil {
			return err
		}
		written++
		if written%5000 == 0 {
			return writer.Flush()
		}
		return nil
	})
	if flushErr := writer.Flush(); err == nil {
		err = flushErr
	}
	if err != nil {
		return written, fmt.Errorf("%w: writing frontier log: %w", utils.ErrPersistence, err)
	}
	s.log.Infof("Wrote %d frontier records to log", written)
	return written, nil
}

// RunGC runs BadgerDB's value log garbage collection periodically until ctx is done
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("BadgerDB GC goroutine started.")

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				s.log.Info("DB GC: Database is nil or closed, skipping GC cycle.")
				continue
			}
			var err error
			for {
				// Rewrite value log files that are at least half garbage
				if err = s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
			if errors.Is(err, badger.ErrNoRewrite) {
				s.log.Debug("BadgerDB GC finished (no rewrite needed).")
			} else {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}
		case <-ctx.Done():
			s.log.Infof("Stopping BadgerDB garbage collection goroutine: %v", ctx.Err())
			return
		}
	}
}

// Close implements StoreAdmin
func (s *BadgerStore) Close() error {
	if s.db != nil && !s.db.IsClosed() {
		s.log.Info("Closing frontier DB...")
		if err := s.db.Close(); err != nil {
			s.log.Errorf("Error closing frontier DB: %v", err)
			return fmt.Errorf("%w: closing badger: %w", utils.ErrPersistence, err)
		}
		s.log.Info("Frontier DB closed.")
		return nil
	}
	s.log.Info("Frontier DB already closed or was not initialized.")
	return nil
}
