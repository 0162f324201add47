package storage

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/Sriram-PR/frontier-crawler/pkg/models"
	"github.com/Sriram-PR/frontier-crawler/pkg/utils"
)

const sqliteFileName = "frontier.sqlite"

// urlRow is the table row shape of a URLRecord
type urlRow struct {
	Hash      string `db:"hash"`
	URL       string `db:"url"`
	Status    string `db:"status"`
	Priority  int    `db:"priority"`
	CreatedAt int64  `db:"created_at"` // Unix nanoseconds
}

func (r urlRow) record() models.URLRecord {
	return models.URLRecord{
		Hash:      r.Hash,
		URL:       r.URL,
		Status:    models.URLStatus(r.Status),
		Priority:  r.Priority,
		CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
	}
}

// SQLStore implements FrontierStore on SQLite, one table per job
type SQLStore struct {
	db      *sqlx.DB
	table   string
	log     *logrus.Entry
	claimMu sync.Mutex
}

// NewSQLStore opens stateDir/frontier.sqlite and prepares the job's table.
// When resume is false the job's table is dropped first.
func NewSQLStore(ctx context.Context, stateDir, jobID string, resume bool, logger *logrus.Entry) (*SQLStore, error) {
	if err := os.MkdirAll(stateDir, 0750); err != nil {
		return nil, fmt.Errorf("%w: cannot create state directory %s: %w", utils.ErrFilesystem, stateDir, err)
	}
	dbPath := filepath.Join(stateDir, sqliteFileName)

	db, err := sqlx.Connect("sqlite", dbPath+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open sqlite database at %s: %w", utils.ErrPersistence, dbPath, err)
	}
	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLStore{
		db:    db,
		table: "frontier_" + utils.SanitizeIdentifier(jobID),
		log:   logger,
	}

	pragmas := []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA synchronous=NORMAL"}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: %s: %w", utils.ErrPersistence, p, err)
		}
	}

	if !resume {
		logger.Warnf("Resume flag is false. DROPPING frontier table %s in %s", s.table, dbPath)
		if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+s.table); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: dropping %s: %w", utils.ErrPersistence, s.table, err)
		}
	}

	if err := s.createTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Infof("Frontier table %s ready in %s (Resume: %v)", s.table, dbPath, resume)
	return s, nil
}

func (s *SQLStore) createTable(ctx context.Context) error {
	t := s.table
	schema := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			hash TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_url_idx ON %s(url)`, t, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status_idx ON %s(status)`, t, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_priority_idx ON %s(priority)`, t, t),
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: creating schema for %s: %w", utils.ErrPersistence, t, err)
		}
	}
	return nil
}

// ExistingHashes implements RecordStore
func (s *SQLStore) ExistingHashes(ctx context.Context, hashes []string) (map[string]struct{}, error) {
	found := make(map[string]struct{})
	for start := 0; start < len(hashes); start += maxBatch {
		chunk := hashes[start:min(start+maxBatch, len(hashes))]
		query, args, err := sqlx.In(fmt.Sprintf("SELECT hash FROM %s WHERE hash IN (?)", s.table), chunk)
		if err != nil {
			return nil, fmt.Errorf("%w: building existence query: %w", utils.ErrPersistence, err)
		}
		var present []string
		if err := s.db.SelectContext(ctx, &present, s.db.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("%w: checking %d hashes: %w", utils.ErrPersistence, len(chunk), err)
		}
		for _, h := range present {
			found[h] = struct{}{}
		}
	}
	return found, nil
}

// Insert implements RecordStore
func (s *SQLStore) Insert(ctx context.Context, records []models.URLRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin insert: %w", utils.ErrPersistence, err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PreparexContext(ctx, fmt.Sprintf(
		"INSERT OR IGNORE INTO %s (hash, url, status, priority, created_at) VALUES (?, ?, ?, ?, ?)", s.table))
	if err != nil {
		return 0, fmt.Errorf("%w: prepare insert: %w", utils.ErrPersistence, err)
	}
	defer stmt.Close()

	added := 0
	for _, rec := range records {
		res, err := stmt.ExecContext(ctx, rec.Hash, rec.URL, string(rec.Status), rec.Priority, rec.CreatedAt.UnixNano())
		if err != nil {
			return 0, fmt.Errorf("%w: inserting %s: %w", utils.ErrPersistence, rec.Hash, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit insert: %w", utils.ErrPersistence, err)
	}
	return added, nil
}

// ClaimQueued implements RecordStore. The select and the status change are one UPDATE statement.
func (s *SQLStore) ClaimQueued(ctx context.Context, n int) ([]models.URLRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	query := fmt.Sprintf(`UPDATE %[1]s SET status = ?
		WHERE hash IN (
			SELECT hash FROM %[1]s WHERE status = ? ORDER BY priority DESC, created_at ASC LIMIT ?
		)
		RETURNING hash, url, status, priority, created_at`, s.table)

	var rows []urlRow
	err := s.db.SelectContext(ctx, &rows, query,
		string(models.URLStatusProcessing), string(models.URLStatusQueued), n)
	if err != nil {
		return nil, fmt.Errorf("%w: claiming %d records: %w", utils.ErrPersistence, n, err)
	}

	// RETURNING order is unspecified
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Priority != rows[j].Priority {
			return rows[i].Priority > rows[j].Priority
		}
		return rows[i].CreatedAt < rows[j].CreatedAt
	})
	claimed := make([]models.URLRecord, len(rows))
	for i, r := range rows {
		claimed[i] = r.record()
	}
	return claimed, nil
}

// Transition implements RecordStore
func (s *SQLStore) Transition(ctx context.Context, hashes []string, from, to models.URLStatus) (int, error) {
	total := 0
	for start := 0; start < len(hashes); start += maxBatch {
		chunk := hashes[start:min(start+maxBatch, len(hashes))]
		query, args, err := sqlx.In(fmt.Sprintf("UPDATE %s SET status = ? WHERE status = ? AND hash IN (?)", s.table),
			string(to), string(from), chunk)
		if err != nil {
			return total, fmt.Errorf("%w: building transition query: %w", utils.ErrPersistence, err)
		}
		res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
		if err != nil {
			return total, fmt.Errorf("%w: %s->%s for %d records: %w", utils.ErrPersistence, from, to, len(chunk), err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

// ResetProcessing implements RecordStore
func (s *SQLStore) ResetProcessing(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET status = ? WHERE status = ?", s.table),
		string(models.URLStatusQueued), string(models.URLStatusProcessing))
	if err != nil {
		return 0, fmt.Errorf("%w: resetting orphans: %w", utils.ErrPersistence, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountByStatus implements RecordStore
func (s *SQLStore) CountByStatus(ctx context.Context) (models.FrontierStatus, error) {
	var counts []struct {
		Status string `db:"status"`
		N      int64  `db:"n"`
	}
	err := s.db.SelectContext(ctx, &counts, fmt.Sprintf("SELECT status, COUNT(*) AS n FROM %s GROUP BY status", s.table))
	if err != nil {
		return models.FrontierStatus{}, fmt.Errorf("%w: counting records: %w", utils.ErrPersistence, err)
	}
	var st models.FrontierStatus
	for _, c := range counts {
		switch models.URLStatus(c.Status) {
		case models.URLStatusQueued:
			st.Queued = c.N
		case models.URLStatusProcessing:
			st.Processing = c.N
		case models.URLStatusProcessed:
			st.Processed = c.N
		case models.URLStatusFailed:
			st.Failed = c.N
		}
	}
	return st, nil
}

// WriteFrontierLog implements StoreAdmin
func (s *SQLStore) WriteFrontierLog(ctx context.Context, w io.Writer) (int, error) {
	rows, err := s.db.QueryxContext(ctx, fmt.Sprintf(
		"SELECT hash, url, status, priority, created_at FROM %s ORDER BY created_at", s.table))
	if err != nil {
		return 0, fmt.Errorf("%w: listing records: %w", utils.ErrPersistence, err)
	}
	defer rows.Close()

	writer := bufio.NewWriter(w)
	written := 0
	for rows.Next() {
		var r urlRow
		if err := rows.StructScan(&r); err != nil {
			return written, fmt.Errorf("%w: scanning record: %w", utils.ErrPersistence, err)
		}
		if _, err := fmt.Fprintf(writer, "%s\t%s\t%d\t%s\n", r.Hash, r.Status, r.Priority, r.URL); err != nil {
			return written, err
		}
		written++
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return written, fmt.Errorf("%w: iterating records: %w", utils.ErrPersistence, err)
	}
	if err := writer.Flush(); err != nil {
		return written, err
	}
	s.log.Infof("Wrote %d frontier records to log", written)
	return written, nil
}

// Close implements StoreAdmin
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: closing sqlite: %w", utils.ErrPersistence, err)
	}
	return nil
}
