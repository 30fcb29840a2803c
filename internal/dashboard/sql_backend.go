package dashboard

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
	_ "modernc.org/sqlite"
)

const (
	sqlFormTable        = "qedash_form_records"
	sqlStatusTable      = "qedash_status_records"
	sqlConfigTable      = "qedash_config_blobs"
	sqlOperationTimeout = 5 * time.Second
)

type sqlDialect int

const (
	dialectSQLite sqlDialect = iota
	dialectPostgres
)

func (d sqlDialect) placeholder(n int) string {
	if d == dialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// SQLRecordBackend is the structured record backend over database/sql. The
// default driver is the pure-Go SQLite build, which keeps the store
// local-first; the Postgres variant serves deployments that want shared
// storage.
type SQLRecordBackend struct {
	driver  string
	dsn     string
	dialect sqlDialect
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteRecordBackend(path string) (*SQLRecordBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", ErrInvalidInput)
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=busy_timeout(5000)", path)
	return &SQLRecordBackend{driver: "sqlite", dsn: dsn, dialect: dialectSQLite, openDB: sql.Open}, nil
}

func NewPostgresRecordBackend(dsn string) (*SQLRecordBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: postgres dsn is required", ErrInvalidInput)
	}
	return &SQLRecordBackend{driver: "postgres", dsn: dsn, dialect: dialectPostgres, openDB: sql.Open}, nil
}

func (b *SQLRecordBackend) PutFormRecord(record FormRecord) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	userID := ""
	if record.Metadata != nil {
		userID = record.Metadata.UserID
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"INSERT INTO %s (id, form_type, user_id, recorded_at_ns, payload) VALUES (%s, %s, %s, %s, %s)",
		sqlQuoteIdentifier(sqlFormTable),
		b.dialect.placeholder(1), b.dialect.placeholder(2), b.dialect.placeholder(3),
		b.dialect.placeholder(4), b.dialect.placeholder(5),
	)
	_, err = b.db.ExecContext(ctx, query, record.ID, record.Type, userID, record.Timestamp.UnixNano(), string(payload))
	return err
}

func (b *SQLRecordBackend) QueryFormRecords(filter FormQuery) ([]FormRecord, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 4)
	if filter.Type != "" {
		args = append(args, filter.Type)
		conditions = append(conditions, fmt.Sprintf("form_type = %s", b.dialect.placeholder(len(args))))
	}
	if !filter.FromDate.IsZero() {
		args = append(args, filter.FromDate.UnixNano())
		conditions = append(conditions, fmt.Sprintf("recorded_at_ns >= %s", b.dialect.placeholder(len(args))))
	}
	if !filter.ToDate.IsZero() {
		args = append(args, filter.ToDate.UnixNano())
		conditions = append(conditions, fmt.Sprintf("recorded_at_ns <= %s", b.dialect.placeholder(len(args))))
	}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		conditions = append(conditions, fmt.Sprintf("user_id = %s", b.dialect.placeholder(len(args))))
	}
	query := fmt.Sprintf("SELECT payload FROM %s", sqlQuoteIdentifier(sqlFormTable))
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY recorded_at_ns DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT %s", b.dialect.placeholder(len(args)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]FormRecord, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var record FormRecord
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			// Malformed row: skip it rather than failing the whole query.
			continue
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (b *SQLRecordBackend) PutStatusRecord(record ApplicationStatusRecord) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (application_name, recorded_at_ns, payload)
		VALUES (%s, %s, %s)
		ON CONFLICT (application_name)
		DO UPDATE SET recorded_at_ns = EXCLUDED.recorded_at_ns, payload = EXCLUDED.payload`,
		sqlQuoteIdentifier(sqlStatusTable),
		b.dialect.placeholder(1), b.dialect.placeholder(2), b.dialect.placeholder(3),
	)
	_, err = b.db.ExecContext(ctx, query, record.ApplicationName, record.Timestamp.UnixNano(), string(payload))
	return err
}

func (b *SQLRecordBackend) StatusRecords() (map[string]ApplicationStatusRecord, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload FROM %s", sqlQuoteIdentifier(sqlStatusTable))
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	statuses := map[string]ApplicationStatusRecord{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var record ApplicationStatusRecord
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			continue
		}
		statuses[record.ApplicationName] = record
	}
	return statuses, rows.Err()
}

func (b *SQLRecordBackend) PutConfigBlob(key string, payload []byte) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (config_key, updated_at_ns, payload)
		VALUES (%s, %s, %s)
		ON CONFLICT (config_key)
		DO UPDATE SET updated_at_ns = EXCLUDED.updated_at_ns, payload = EXCLUDED.payload`,
		sqlQuoteIdentifier(sqlConfigTable),
		b.dialect.placeholder(1), b.dialect.placeholder(2), b.dialect.placeholder(3),
	)
	_, err := b.db.ExecContext(ctx, query, key, time.Now().UnixNano(), string(payload))
	return err
}

func (b *SQLRecordBackend) ConfigBlob(key string) ([]byte, bool, error) {
	if err := b.ensureReady(); err != nil {
		return nil, false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload FROM %s WHERE config_key = %s",
		sqlQuoteIdentifier(sqlConfigTable), b.dialect.placeholder(1))
	var payload string
	err := b.db.QueryRowContext(ctx, query, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(payload), true, nil
}

func (b *SQLRecordBackend) DeleteFormRecordsBefore(cutoff time.Time) (int, error) {
	if err := b.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE recorded_at_ns < %s",
		sqlQuoteIdentifier(sqlFormTable), b.dialect.placeholder(1))
	result, err := b.db.ExecContext(ctx, query, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(affected), nil
}

func (b *SQLRecordBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLRecordBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.driver, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					form_type TEXT NOT NULL,
					user_id TEXT NOT NULL DEFAULT '',
					recorded_at_ns BIGINT NOT NULL,
					payload TEXT NOT NULL
				)`, sqlQuoteIdentifier(sqlFormTable)),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (form_type, recorded_at_ns)",
				sqlQuoteIdentifier(sqlFormTable+"_type_ts_idx"), sqlQuoteIdentifier(sqlFormTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					application_name TEXT PRIMARY KEY,
					recorded_at_ns BIGINT NOT NULL,
					payload TEXT NOT NULL
				)`, sqlQuoteIdentifier(sqlStatusTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					config_key TEXT PRIMARY KEY,
					updated_at_ns BIGINT NOT NULL,
					payload TEXT NOT NULL
				)`, sqlQuoteIdentifier(sqlConfigTable)),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func sqlQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
