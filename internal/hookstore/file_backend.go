package hookstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

type fileState struct {
	Endpoints []*endpointRecord `json:"endpoints"`
}

// FileBackend keeps state in memory and rewrites one JSON file atomically
// after every change.
type FileBackend struct {
	path      string
	mu        sync.RWMutex
	endpoints map[string]*endpointRecord
}

func NewFileBackend(path string) (*FileBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	b := &FileBackend{
		path:      path,
		endpoints: map[string]*endpointRecord{},
	}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *FileBackend) CreateEndpoint(_ context.Context, endpoint Endpoint) error {
	if endpoint.ID == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.endpoints[endpoint.ID]; exists {
		return ErrInvalidInput
	}
	b.endpoints[endpoint.ID] = &endpointRecord{Endpoint: endpoint}
	if err := b.saveLocked(); err != nil {
		delete(b.endpoints, endpoint.ID)
		return err
	}
	return nil
}

func (b *FileBackend) GetEndpoint(_ context.Context, endpointID string) (Endpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	record, ok := b.endpoints[endpointID]
	if !ok {
		return Endpoint{}, ErrNotFound
	}
	return record.Endpoint, nil
}

func (b *FileBackend) AppendRequest(_ context.Context, endpointID string, req CapturedRequest, keep int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	record, ok := b.endpoints[endpointID]
	if !ok {
		return ErrNotFound
	}
	previous := *record
	appendRecord(record, req, keep)
	if err := b.saveLocked(); err != nil {
		*record = previous
		return err
	}
	return nil
}

func (b *FileBackend) ListRequests(_ context.Context, endpointID string) ([]CapturedRequest, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	record, ok := b.endpoints[endpointID]
	if !ok {
		return nil, ErrNotFound
	}
	return newestFirst(record.Requests), nil
}

func (b *FileBackend) Close() error {
	return nil
}

func (b *FileBackend) load() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	for _, record := range state.Endpoints {
		if record == nil || record.Endpoint.ID == "" {
			continue
		}
		b.endpoints[record.Endpoint.ID] = record
	}
	return nil
}

func (b *FileBackend) saveLocked() error {
	ids := make([]string, 0, len(b.endpoints))
	for id := range b.endpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	state := fileState{Endpoints: make([]*endpointRecord, 0, len(ids))}
	for _, id := range ids {
		state.Endpoints = append(state.Endpoints, b.endpoints[id])
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(b.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return writeFileAtomic(b.path, data, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
