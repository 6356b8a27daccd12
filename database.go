package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// SQLStorage persists source data in MySQL: one row of entries per source in
// source_entries and its private bookkeeping in source_state.
type SQLStorage struct {
	db *sql.DB

	upsertEntries *sql.Stmt
	upsertState   *sql.Stmt
	selectEntries *sql.Stmt
	selectState   *sql.Stmt
}

var sqlTables = []string{
	`CREATE TABLE IF NOT EXISTS source_entries (
		source VARCHAR(255) PRIMARY KEY,
		entries LONGTEXT NOT NULL,
		entry_count INT NOT NULL,
		updated_at DATETIME(6) NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

	`CREATE TABLE IF NOT EXISTS source_state (
		source VARCHAR(255) PRIMARY KEY,
		last_updated DATETIME(6) NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
}

// OpenSQLStorage connects with retries, creates the tables and prepares statements.
func OpenSQLStorage(ctx context.Context, cfg DatabaseConfig) (*SQLStorage, error) {
	logger := GetLogger().WithFields(LogFields{
		"host":     cfg.Host,
		"port":     cfg.Port,
		"user":     cfg.User,
		"database": cfg.Name,
	})
	logger.Info("Connecting to MySQL")

	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(cfg.ConnectionLifetime)

	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		logger.WithError(err).WithFields(LogFields{"attempt": i + 1}).Warn("MySQL ping failed")
		if i < attempts-1 {
			select {
			case <-time.After(cfg.RetryDelay):
			case <-ctx.Done():
				db.Close()
				return nil, ctx.Err()
			}
		}
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}

	s, err := NewSQLStorage(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("MySQL storage ready")
	return s, nil
}

// NewSQLStorage prepares the storage on an already opened handle.
func NewSQLStorage(ctx context.Context, db *sql.DB) (*SQLStorage, error) {
	for i, stmt := range sqlTables {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create table %d: %w", i+1, err)
		}
	}

	s := &SQLStorage{db: db}
	statements := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&s.upsertEntries, `INSERT INTO source_entries (source, entries, entry_count, updated_at)
			VALUES (?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
			entries = VALUES(entries),
			entry_count = VALUES(entry_count),
			updated_at = VALUES(updated_at)`},
		{&s.upsertState, `INSERT INTO source_state (source, last_updated)
			VALUES (?, ?)
			ON DUPLICATE KEY UPDATE
			last_updated = VALUES(last_updated)`},
		{&s.selectEntries, `SELECT entries FROM source_entries WHERE source = ?`},
		{&s.selectState, `SELECT last_updated FROM source_state WHERE source = ?`},
	}
	for _, st := range statements {
		prepared, err := db.PrepareContext(ctx, st.query)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to prepare statement: %w", err)
		}
		*st.dst = prepared
	}
	return s, nil
}

// Load reads a source back. A missing row yields ErrNotStored.
func (s *SQLStorage) Load(ctx context.Context, name string) (StoredSource, error) {
	start := time.Now()
	data, err := s.load(ctx, name)

	if !errors.Is(err, ErrNotStored) {
		GetLogger().LogDatabaseOperation(ctx, "load", "source_entries", time.Since(start), err, LogFields{"source_file": name})
		GetMetricsCollector().RecordDatabaseOperation("load", "source_entries", err, time.Since(start))
	}
	return data, err
}

func (s *SQLStorage) load(ctx context.Context, name string) (StoredSource, error) {
	var raw string
	if err := s.selectEntries.QueryRowContext(ctx, name).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StoredSource{}, ErrNotStored
		}
		return StoredSource{}, fmt.Errorf("failed to query entries of %s: %w", name, err)
	}

	var data StoredSource
	if err := json.Unmarshal([]byte(raw), &data.Entries); err != nil {
		return StoredSource{}, fmt.Errorf("failed to decode entries of %s: %w", name, err)
	}

	var last sql.NullTime
	err := s.selectState.QueryRowContext(ctx, name).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		GetLogger().WithError(err).WithFields(LogFields{"source_file": name}).Warn("Failed to load private storage")
	case last.Valid:
		t := last.Time
		data.LastUpdated = &t
	}
	return data, nil
}

// Save writes entries and state in a single transaction.
func (s *SQLStorage) Save(ctx context.Context, name string, data StoredSource) error {
	start := time.Now()
	err := s.save(ctx, name, data)

	GetLogger().LogDatabaseOperation(ctx, "save", "source_entries", time.Since(start), err, LogFields{
		"source_file": name,
		"entries":     len(data.Entries),
	})
	GetMetricsCollector().RecordDatabaseOperation("save", "source_entries", err, time.Since(start))
	return err
}

func (s *SQLStorage) save(ctx context.Context, name string, data StoredSource) error {
	entries := data.Entries
	if entries == nil {
		entries = []PointRecord{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode entries of %s: %w", name, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.StmtContext(ctx, s.upsertEntries).ExecContext(ctx, name, string(raw), len(entries), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to store entries of %s: %w", name, err)
	}

	var last sql.NullTime
	if data.LastUpdated != nil {
		last = sql.NullTime{Time: data.LastUpdated.UTC(), Valid: true}
	}
	if _, err := tx.StmtContext(ctx, s.upsertState).ExecContext(ctx, name, last); err != nil {
		return fmt.Errorf("failed to store state of %s: %w", name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *SQLStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the prepared statements and the connection pool.
func (s *SQLStorage) Close() error {
	for _, stmt := range []*sql.Stmt{s.upsertEntries, s.upsertState, s.selectEntries, s.selectState} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}
