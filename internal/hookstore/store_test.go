package hookstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestStore(t *testing.T, maxRequests int) *Store {
	t.Helper()
	var counter int
	clock := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	return NewStoreWithOptions(StoreOptions{
		Backend:                NewMemoryBackend(),
		MaxRequestsPerEndpoint: maxRequests,
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
		NewID: func() string {
			counter++
			return fmt.Sprintf("id_%d", counter)
		},
	})
}

func TestStoreRecordsRequestsNewestFirst(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	endpoint, err := store.CreateEndpoint(ctx, "  billing  ")
	if err != nil {
		t.Fatalf("create endpoint failed: %v", err)
	}
	if endpoint.Name != "billing" {
		t.Fatalf("expected trimmed name billing, got %q", endpoint.Name)
	}

	first, err := store.RecordRequest(ctx, endpoint.ID, CapturedRequest{Method: "POST"})
	if err != nil {
		t.Fatalf("record first request failed: %v", err)
	}
	second, err := store.RecordRequest(ctx, endpoint.ID, CapturedRequest{Method: "PUT"})
	if err != nil {
		t.Fatalf("record second request failed: %v", err)
	}
	if first.ID == "" || first.ID == second.ID {
		t.Fatalf("expected distinct assigned ids, got %q and %q", first.ID, second.ID)
	}
	if !second.Timestamp.After(first.Timestamp) {
		t.Fatalf("expected second timestamp after first")
	}
	if first.Headers == nil || first.QueryParams == nil {
		t.Fatalf("expected headers and query params to default to empty maps")
	}

	requests, err := store.ListRequests(ctx, endpoint.ID)
	if err != nil {
		t.Fatalf("list requests failed: %v", err)
	}
	if len(requests) != 2 || requests[0].ID != second.ID || requests[1].ID != first.ID {
		t.Fatalf("expected newest-first order, got %+v", requests)
	}

	stored, err := store.GetEndpoint(ctx, endpoint.ID)
	if err != nil {
		t.Fatalf("get endpoint failed: %v", err)
	}
	if stored.RequestCount != 2 {
		t.Fatalf("expected request count 2, got %d", stored.RequestCount)
	}
}

func TestStoreRetentionKeepsNewest(t *testing.T) {
	store := newTestStore(t, 2)
	ctx := context.Background()
	endpoint, err := store.CreateEndpoint(ctx, "")
	if err != nil {
		t.Fatalf("create endpoint failed: %v", err)
	}
	var ids []string
	for i := 0; i < 3; i++ {
		req, err := store.RecordRequest(ctx, endpoint.ID, CapturedRequest{Method: "POST"})
		if err != nil {
			t.Fatalf("record request %d failed: %v", i, err)
		}
		ids = append(ids, req.ID)
	}
	requests, err := store.ListRequests(ctx, endpoint.ID)
	if err != nil {
		t.Fatalf("list requests failed: %v", err)
	}
	if len(requests) != 2 || requests[0].ID != ids[2] || requests[1].ID != ids[1] {
		t.Fatalf("expected the two newest requests, got %+v", requests)
	}
	stored, _ := store.GetEndpoint(ctx, endpoint.ID)
	if stored.RequestCount != 3 {
		t.Fatalf("expected request count to include trimmed requests, got %d", stored.RequestCount)
	}
}

func TestStoreRejectsUnknownEndpointAndBadInput(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()
	if _, err := store.RecordRequest(ctx, "missing", CapturedRequest{Method: "POST"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown endpoint, got %v", err)
	}
	if _, err := store.ListRequests(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound listing unknown endpoint, got %v", err)
	}
	if _, err := store.GetEndpoint(ctx, " "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank id, got %v", err)
	}
	endpoint, _ := store.CreateEndpoint(ctx, "")
	if _, err := store.RecordRequest(ctx, endpoint.ID, CapturedRequest{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing method, got %v", err)
	}
}
