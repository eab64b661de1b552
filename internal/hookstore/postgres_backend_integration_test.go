package hookstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationBackendRoundTrip(t *testing.T) {
	backend := postgresIntegrationBackend(t)
	ctx := context.Background()

	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := backend.CreateEndpoint(ctx, Endpoint{ID: "ep_it", Name: "it", CreatedAt: created}); err != nil {
		t.Fatalf("create endpoint failed: %v", err)
	}
	for i := 1; i <= 3; i++ {
		req := CapturedRequest{
			ID:        fmt.Sprintf("req_%d", i),
			Method:    "POST",
			Headers:   map[string]string{"content-type": "application/json"},
			Timestamp: created.Add(time.Duration(i) * time.Second),
		}
		if err := backend.AppendRequest(ctx, "ep_it", req, 2); err != nil {
			t.Fatalf("append request %d failed: %v", i, err)
		}
	}

	endpoint, err := backend.GetEndpoint(ctx, "ep_it")
	if err != nil {
		t.Fatalf("get endpoint failed: %v", err)
	}
	if endpoint.RequestCount != 3 || !endpoint.CreatedAt.Equal(created) {
		t.Fatalf("unexpected endpoint: %+v", endpoint)
	}
	requests, err := backend.ListRequests(ctx, "ep_it")
	if err != nil {
		t.Fatalf("list requests failed: %v", err)
	}
	if len(requests) != 2 || requests[0].ID != "req_3" || requests[1].ID != "req_2" {
		t.Fatalf("expected retained newest-first [req_3 req_2], got %+v", requests)
	}
	if requests[0].Headers["content-type"] != "application/json" {
		t.Fatalf("expected headers to round-trip, got %+v", requests[0].Headers)
	}

	if err := backend.AppendRequest(ctx, "ep_missing", CapturedRequest{ID: "req_x", Method: "GET"}, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound appending to unknown endpoint, got %v", err)
	}
	if _, err := backend.GetEndpoint(ctx, "ep_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown endpoint, got %v", err)
	}
}

func postgresIntegrationBackend(t *testing.T) *PostgresBackend {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("RELAYHOOK_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set RELAYHOOK_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	backend, err := NewPostgresBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	suffix := fmt.Sprintf("%d_%d", time.Now().UnixNano(), n)
	backend.endpointsTable = "relayhook_endpoints_it_" + suffix
	backend.requestsTable = "relayhook_requests_it_" + suffix
	t.Cleanup(func() {
		_ = backend.Close()
		postgresIntegrationDropTables(t, dsn, backend.requestsTable, backend.endpointsTable)
	})
	return backend
}

func postgresIntegrationDropTables(t *testing.T, dsn string, tableNames ...string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, tableName := range tableNames {
		query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
		}
	}
}
