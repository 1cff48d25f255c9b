package alertsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const (
	postgresQueueTableName   = "alertsync_submission_queue"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresSubmissionQueue keeps the pending-submission queue in a Postgres
// table, for deployments where the client state must survive the host and
// not just the process.
type PostgresSubmissionQueue struct {
	dsn       string
	tableName string
	logger    Logger
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresSubmissionQueue(dsn string, logger Logger) (SubmissionQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresSubmissionQueue{
		dsn:       dsn,
		tableName: postgresQueueTableName,
		logger:    logger,
		openDB:    sql.Open,
	}, nil
}

func (q *PostgresSubmissionQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				local_id TEXT NOT NULL UNIQUE,
				payload TEXT NOT NULL,
				queued_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(q.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresSubmissionQueue) Enqueue(sub Submission) (string, error) {
	if err := ValidateSubmission(sub); err != nil {
		return "", err
	}
	if err := q.ensureReady(); err != nil {
		return "", err
	}
	entry := QueuedSubmission{
		LocalID:    uuid.NewString(),
		Submission: sub,
		QueuedAt:   time.Now().UTC(),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"INSERT INTO %s (local_id, payload, queued_at) VALUES ($1, $2, $3)",
		postgresQuoteIdentifier(q.tableName),
	)
	if _, err := q.db.ExecContext(ctx, query, entry.LocalID, string(payload), entry.QueuedAt); err != nil {
		return "", err
	}
	return entry.LocalID, nil
}

func (q *PostgresSubmissionQueue) ListAll() ([]QueuedSubmission, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT payload FROM %s ORDER BY id ASC",
		postgresQuoteIdentifier(q.tableName),
	)
	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]QueuedSubmission, 0)
	for rows.Next() {
		var payload string
		if scanErr := rows.Scan(&payload); scanErr != nil {
			continue
		}
		var item QueuedSubmission
		if err := json.Unmarshal([]byte(payload), &item); err != nil || strings.TrimSpace(item.LocalID) == "" {
			logf(q.logger, "skipping unreadable queued submission row")
			continue
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (q *PostgresSubmissionQueue) Remove(localID string) error {
	if strings.TrimSpace(localID) == "" {
		return nil
	}
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"DELETE FROM %s WHERE local_id = $1",
		postgresQuoteIdentifier(q.tableName),
	)
	_, err := q.db.ExecContext(ctx, query, localID)
	return err
}

func (q *PostgresSubmissionQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := q.db.QueryRowContext(ctx, query).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresSubmissionQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
