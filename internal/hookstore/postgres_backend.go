package hookstore

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
	postgresEndpointsTableName = "relayhook_endpoints"
	postgresRequestsTableName  = "relayhook_requests"
	postgresOperationTimeout   = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores endpoints in one table and captured requests as
// JSON payloads in another, ordered by an insertion sequence.
type PostgresBackend struct {
	dsn            string
	endpointsTable string
	requestsTable  string
	openDB         sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{
		dsn:            dsn,
		endpointsTable: postgresEndpointsTableName,
		requestsTable:  postgresRequestsTableName,
		openDB:         sql.Open,
	}, nil
}

func (b *PostgresBackend) CreateEndpoint(ctx context.Context, endpoint Endpoint) error {
	if endpoint.ID == "" {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, name, created_at, request_count)
		VALUES ($1, $2, $3, 0)`, postgresQuoteIdentifier(b.endpointsTable))
	_, err := b.db.ExecContext(ctx, query, endpoint.ID, endpoint.Name, endpoint.CreatedAt.UTC())
	return err
}

func (b *PostgresBackend) GetEndpoint(ctx context.Context, endpointID string) (Endpoint, error) {
	if err := b.ensureReady(); err != nil {
		return Endpoint{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT id, name, created_at, request_count FROM %s WHERE id = $1", postgresQuoteIdentifier(b.endpointsTable))
	var endpoint Endpoint
	err := b.db.QueryRowContext(ctx, query, endpointID).Scan(&endpoint.ID, &endpoint.Name, &endpoint.CreatedAt, &endpoint.RequestCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Endpoint{}, ErrNotFound
	}
	if err != nil {
		return Endpoint{}, err
	}
	endpoint.CreatedAt = endpoint.CreatedAt.UTC()
	return endpoint, nil
}

func (b *PostgresBackend) AppendRequest(ctx context.Context, endpointID string, req CapturedRequest, keep int) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	bumpQuery := fmt.Sprintf("UPDATE %s SET request_count = request_count + 1 WHERE id = $1", postgresQuoteIdentifier(b.endpointsTable))
	result, err := tx.ExecContext(ctx, bumpQuery, endpointID)
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err != nil {
		return err
	} else if affected == 0 {
		return ErrNotFound
	}

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (id, endpoint_id, payload, received_at)
		VALUES ($1, $2, $3, $4)`, postgresQuoteIdentifier(b.requestsTable))
	if _, err := tx.ExecContext(ctx, insertQuery, req.ID, endpointID, string(payload), req.Timestamp.UTC()); err != nil {
		return err
	}

	if keep > 0 {
		trimQuery := fmt.Sprintf(`
			DELETE FROM %[1]s
			WHERE endpoint_id = $1 AND seq NOT IN (
				SELECT seq FROM %[1]s WHERE endpoint_id = $1 ORDER BY seq DESC LIMIT $2
			)`, postgresQuoteIdentifier(b.requestsTable))
		if _, err := tx.ExecContext(ctx, trimQuery, endpointID, keep); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *PostgresBackend) ListRequests(ctx context.Context, endpointID string) ([]CapturedRequest, error) {
	if _, err := b.GetEndpoint(ctx, endpointID); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload FROM %s WHERE endpoint_id = $1 ORDER BY seq DESC", postgresQuoteIdentifier(b.requestsTable))
	rows, err := b.db.QueryContext(ctx, query, endpointID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	requests := []CapturedRequest{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var req CapturedRequest
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					request_count BIGINT NOT NULL DEFAULT 0
				)`, postgresQuoteIdentifier(b.endpointsTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					seq BIGSERIAL PRIMARY KEY,
					id TEXT NOT NULL UNIQUE,
					endpoint_id TEXT NOT NULL,
					payload TEXT NOT NULL,
					received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, postgresQuoteIdentifier(b.requestsTable)),
			fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s (endpoint_id, seq)",
				postgresQuoteIdentifier(b.requestsTable+"_endpoint_seq_idx"),
				postgresQuoteIdentifier(b.requestsTable),
			),
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

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
