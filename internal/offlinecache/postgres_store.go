package offlinecache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresRecordTableName  = "offlinecache_records"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresRecordStore persists records in Postgres. It exists for
// shared-workstation deployments where several agent instances read the same
// offline snapshot; local installs use the bolt backend.
type PostgresRecordStore struct {
	dsn         string
	tableName   string
	budgetBytes int
	openDB      sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresRecordStore(dsn string, budgetBytes int) (RecordStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresRecordStore{
		dsn:         dsn,
		tableName:   postgresRecordTableName,
		budgetBytes: budgetBytes,
		openDB:      sql.Open,
	}, nil
}

func (s *PostgresRecordStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTable := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				status TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL DEFAULT '',
				owner_label TEXT NOT NULL DEFAULT '',
				payload TEXT NOT NULL
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, createTable); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		for _, column := range []string{"status", "created_at", "owner_label"} {
			indexName := s.tableName + "_" + column + "_idx"
			createIndex := fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
				postgresQuoteIdentifier(indexName),
				postgresQuoteIdentifier(s.tableName),
				postgresQuoteIdentifier(column),
			)
			if _, err := db.ExecContext(ctx, createIndex); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresRecordStore) Put(ctx context.Context, record Record) error {
	if strings.TrimSpace(record.ID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if s.budgetBytes > 0 {
		query := fmt.Sprintf(
			"SELECT COALESCE(SUM(LENGTH(payload)), 0) FROM %s WHERE id <> $1",
			postgresQuoteIdentifier(s.tableName),
		)
		var used int
		if err := tx.QueryRowContext(ctx, query, record.ID).Scan(&used); err != nil {
			return err
		}
		if used+len(payload) > s.budgetBytes {
			return &QuotaError{Backend: "postgres", Err: ErrQuotaExceeded}
		}
	}

	upsert := fmt.Sprintf(`
		INSERT INTO %s (id, status, created_at, owner_label, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id)
		DO UPDATE SET status = EXCLUDED.status, created_at = EXCLUDED.created_at,
			owner_label = EXCLUDED.owner_label, payload = EXCLUDED.payload`,
		postgresQuoteIdentifier(s.tableName))
	if _, err := tx.ExecContext(ctx, upsert, record.ID, record.Status, record.CreatedAt, record.OwnerLabel, string(payload)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresRecordStore) Get(ctx context.Context, id string) (Record, error) {
	if err := s.ensureReady(); err != nil {
		return Record{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload FROM %s WHERE id = $1", postgresQuoteIdentifier(s.tableName))
	var payload string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	var record Record
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return Record{}, err
	}
	return record, nil
}

func (s *PostgresRecordStore) GetAll(ctx context.Context) ([]Record, error) {
	query := fmt.Sprintf("SELECT payload FROM %s ORDER BY id", postgresQuoteIdentifier(s.tableName))
	return s.queryRecords(ctx, query)
}

func (s *PostgresRecordStore) QueryByIndex(ctx context.Context, indexName, value string) ([]Record, error) {
	var column string
	switch indexName {
	case IndexStatus:
		column = "status"
	case IndexCreatedAt:
		column = "created_at"
	case IndexOwnerLabel:
		column = "owner_label"
	default:
		return nil, ErrInvalidInput
	}
	query := fmt.Sprintf(
		"SELECT payload FROM %s WHERE %s = $1 ORDER BY id",
		postgresQuoteIdentifier(s.tableName),
		postgresQuoteIdentifier(column),
	)
	return s.queryRecords(ctx, query, value)
}

func (s *PostgresRecordStore) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var record Record
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			return nil, err
		}
		results = append(results, record)
	}
	return results, rows.Err()
}

func (s *PostgresRecordStore) Delete(ctx context.Context, id string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

func (s *PostgresRecordStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
