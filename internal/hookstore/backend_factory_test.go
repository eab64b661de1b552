package hookstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestRegisterBackendFactory(t *testing.T) {
	scheme := "hooktestcustom"
	RegisterBackendFactory(scheme, func(dsn string) (Backend, error) {
		return NewMemoryBackend(), nil
	})
	backend, err := BuildBackendFromDSN(scheme + "://example")
	if err != nil {
		t.Fatalf("build backend via registered factory failed: %v", err)
	}
	if _, ok := backend.(*MemoryBackend); !ok {
		t.Fatalf("expected registered factory backend, got %T", backend)
	}
}

func TestBuildBackendFromDSNMemory(t *testing.T) {
	for _, dsn := range []string{"", "memory://", "inmem://"} {
		backend, err := BuildBackendFromDSN(dsn)
		if err != nil {
			t.Fatalf("build backend %q failed: %v", dsn, err)
		}
		if _, ok := backend.(*MemoryBackend); !ok {
			t.Fatalf("expected memory backend for %q, got %T", dsn, backend)
		}
	}
}

func TestBuildBackendFromDSNFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hooks.json")
	backend, err := BuildBackendFromDSN("file://" + path)
	if err != nil {
		t.Fatalf("build file backend failed: %v", err)
	}
	fileBackend, ok := backend.(*FileBackend)
	if !ok {
		t.Fatalf("expected *FileBackend, got %T", backend)
	}
	if fileBackend.path != path {
		t.Fatalf("expected path %s, got %s", path, fileBackend.path)
	}

	bare, err := BuildBackendFromDSN(path)
	if err != nil {
		t.Fatalf("build bare path backend failed: %v", err)
	}
	if _, ok := bare.(*FileBackend); !ok {
		t.Fatalf("expected bare path to build *FileBackend, got %T", bare)
	}
}

func TestBuildBackendFromDSNPostgresAndUnsupported(t *testing.T) {
	backend, err := BuildBackendFromDSN("postgres://localhost/relayhook?sslmode=disable")
	if err != nil {
		t.Fatalf("expected postgres backend to be available, got %v", err)
	}
	if _, ok := backend.(*PostgresBackend); !ok {
		t.Fatalf("expected *PostgresBackend, got %T", backend)
	}
	if _, err := BuildBackendFromDSN("mysql://localhost/relayhook"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error for mysql, got %v", err)
	}
	if _, err := BuildBackendFromDSN("redis://localhost"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestFileBackendPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "hooks.json")
	first, err := NewFileBackend(path)
	if err != nil {
		t.Fatalf("new file backend failed: %v", err)
	}
	ctx := context.Background()
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := first.CreateEndpoint(ctx, Endpoint{ID: "ep_1", Name: "orders", CreatedAt: created}); err != nil {
		t.Fatalf("create endpoint failed: %v", err)
	}
	body := `{"test":true}`
	for i, id := range []string{"req_1", "req_2"} {
		req := CapturedRequest{
			ID:        id,
			Method:    "POST",
			BodyRaw:   &body,
			Timestamp: created.Add(time.Duration(i+1) * time.Second),
		}
		if err := first.AppendRequest(ctx, "ep_1", req, 0); err != nil {
			t.Fatalf("append %s failed: %v", id, err)
		}
	}

	reopened, err := NewFileBackend(path)
	if err != nil {
		t.Fatalf("reopen file backend failed: %v", err)
	}
	endpoint, err := reopened.GetEndpoint(ctx, "ep_1")
	if err != nil {
		t.Fatalf("get endpoint after reopen failed: %v", err)
	}
	if endpoint.Name != "orders" || endpoint.RequestCount != 2 {
		t.Fatalf("unexpected endpoint after reopen: %+v", endpoint)
	}
	requests, err := reopened.ListRequests(ctx, "ep_1")
	if err != nil {
		t.Fatalf("list requests after reopen failed: %v", err)
	}
	if len(requests) != 2 || requests[0].ID != "req_2" || requests[1].ID != "req_1" {
		t.Fatalf("expected newest-first [req_2 req_1], got %+v", requests)
	}
	if requests[0].BodyRaw == nil || *requests[0].BodyRaw != body {
		t.Fatalf("expected body to survive reopen, got %+v", requests[0].BodyRaw)
	}
}

func TestPostgresQuoteIdentifier(t *testing.T) {
	if got := postgresQuoteIdentifier(`relayhook_requests`); got != `"relayhook_requests"` {
		t.Fatalf("unexpected quoted identifier: %s", got)
	}
	if got := postgresQuoteIdentifier(`we"ird`); got != `"we""ird"` {
		t.Fatalf("expected embedded quote to be doubled, got %s", got)
	}
	if got := postgresQuoteIdentifier("  "); got != `""` {
		t.Fatalf("expected empty identifier to quote as \"\", got %s", got)
	}
}

func TestBoltBackendRetentionAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "hooks.db")
	backend, err := BuildBackendFromDSN("bolt://" + path)
	if err != nil {
		t.Fatalf("build bolt backend failed: %v", err)
	}
	bolt, ok := backend.(*BoltBackend)
	if !ok {
		t.Fatalf("expected *BoltBackend, got %T", backend)
	}
	ctx := context.Background()
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := bolt.CreateEndpoint(ctx, Endpoint{ID: "ep_1", Name: "orders", CreatedAt: created}); err != nil {
		t.Fatalf("create endpoint failed: %v", err)
	}
	if err := bolt.CreateEndpoint(ctx, Endpoint{ID: "ep_1"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected duplicate endpoint to be rejected, got %v", err)
	}
	for i, id := range []string{"req_1", "req_2", "req_3"} {
		req := CapturedRequest{ID: id, Method: "POST", Timestamp: created.Add(time.Duration(i+1) * time.Second)}
		if err := bolt.AppendRequest(ctx, "ep_1", req, 2); err != nil {
			t.Fatalf("append %s failed: %v", id, err)
		}
	}
	if err := bolt.AppendRequest(ctx, "missing", CapturedRequest{ID: "x", Method: "GET"}, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown endpoint, got %v", err)
	}
	if err := bolt.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewBoltBackend(path)
	if err != nil {
		t.Fatalf("reopen bolt backend failed: %v", err)
	}
	defer reopened.Close()
	endpoint, err := reopened.GetEndpoint(ctx, "ep_1")
	if err != nil {
		t.Fatalf("get endpoint after reopen failed: %v", err)
	}
	if endpoint.RequestCount != 3 || !endpoint.CreatedAt.Equal(created) {
		t.Fatalf("unexpected endpoint after reopen: %+v", endpoint)
	}
	requests, err := reopened.ListRequests(ctx, "ep_1")
	if err != nil {
		t.Fatalf("list requests failed: %v", err)
	}
	if len(requests) != 2 || requests[0].ID != "req_3" || requests[1].ID != "req_2" {
		t.Fatalf("expected retained newest-first [req_3 req_2], got %+v", requests)
	}
	if _, err := reopened.ListRequests(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound listing unknown endpoint, got %v", err)
	}
}
