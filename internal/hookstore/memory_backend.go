package hookstore

import (
	"context"
	"sync"
)

type endpointRecord struct {
	Endpoint Endpoint          `json:"endpoint"`
	Requests []CapturedRequest `json:"requests"`
}

// MemoryBackend keeps everything in process. Requests are held oldest first
// and reversed on read.
type MemoryBackend struct {
	mu        sync.RWMutex
	endpoints map[string]*endpointRecord
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{endpoints: map[string]*endpointRecord{}}
}

func (b *MemoryBackend) CreateEndpoint(_ context.Context, endpoint Endpoint) error {
	if endpoint.ID == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.endpoints[endpoint.ID]; exists {
		return ErrInvalidInput
	}
	b.endpoints[endpoint.ID] = &endpointRecord{Endpoint: endpoint}
	return nil
}

func (b *MemoryBackend) GetEndpoint(_ context.Context, endpointID string) (Endpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	record, ok := b.endpoints[endpointID]
	if !ok {
		return Endpoint{}, ErrNotFound
	}
	return record.Endpoint, nil
}

func (b *MemoryBackend) AppendRequest(_ context.Context, endpointID string, req CapturedRequest, keep int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	record, ok := b.endpoints[endpointID]
	if !ok {
		return ErrNotFound
	}
	appendRecord(record, req, keep)
	return nil
}

func (b *MemoryBackend) ListRequests(_ context.Context, endpointID string) ([]CapturedRequest, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	record, ok := b.endpoints[endpointID]
	if !ok {
		return nil, ErrNotFound
	}
	return newestFirst(record.Requests), nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

func appendRecord(record *endpointRecord, req CapturedRequest, keep int) {
	record.Requests = append(record.Requests, req)
	record.Endpoint.RequestCount++
	if keep > 0 && len(record.Requests) > keep {
		trimmed := make([]CapturedRequest, keep)
		copy(trimmed, record.Requests[len(record.Requests)-keep:])
		record.Requests = trimmed
	}
}

func newestFirst(requests []CapturedRequest) []CapturedRequest {
	out := make([]CapturedRequest, len(requests))
	for i, req := range requests {
		out[len(requests)-1-i] = req
	}
	return out
}
