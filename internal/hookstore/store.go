package hookstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

type Endpoint struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	RequestCount int       `json:"request_count"`
}

// CapturedRequest is one inbound request received on an endpoint's public
// URL, as stored and as pushed to live subscribers.
type CapturedRequest struct {
	ID             string            `json:"id"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers"`
	BodyRaw        *string           `json:"body_raw,omitempty"`
	BodyJSON       json.RawMessage   `json:"body_json,omitempty"`
	ContentType    string            `json:"content_type,omitempty"`
	ContentLength  int64             `json:"content_length"`
	IPAddress      string            `json:"ip_address,omitempty"`
	QueryParams    map[string]string `json:"query_params"`
	Timestamp      time.Time         `json:"timestamp"`
	AIMockResponse json.RawMessage   `json:"ai_mock_response,omitempty"`
}

// Backend persists endpoints and their captured requests. ListRequests
// returns newest first.
type Backend interface {
	CreateEndpoint(ctx context.Context, endpoint Endpoint) error
	GetEndpoint(ctx context.Context, endpointID string) (Endpoint, error)
	// AppendRequest stores req and bumps the endpoint's request count. When
	// keep is positive only the newest keep requests are retained.
	AppendRequest(ctx context.Context, endpointID string, req CapturedRequest, keep int) error
	ListRequests(ctx context.Context, endpointID string) ([]CapturedRequest, error)
	Close() error
}

type StoreOptions struct {
	Backend Backend
	// MaxRequestsPerEndpoint caps retained history per endpoint; 0 keeps all.
	MaxRequestsPerEndpoint int
	Now                    func() time.Time
	NewID                  func() string
}

type Store struct {
	backend     Backend
	maxRequests int
	now         func() time.Time
	newID       func() string
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	backend := opts.Backend
	if backend == nil {
		backend = NewMemoryBackend()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	maxRequests := opts.MaxRequestsPerEndpoint
	if maxRequests < 0 {
		maxRequests = 0
	}
	return &Store{
		backend:     backend,
		maxRequests: maxRequests,
		now:         now,
		newID:       newID,
	}
}

func (s *Store) CreateEndpoint(ctx context.Context, name string) (Endpoint, error) {
	endpoint := Endpoint{
		ID:        s.newID(),
		Name:      strings.TrimSpace(name),
		CreatedAt: s.now().UTC(),
	}
	if err := s.backend.CreateEndpoint(ctx, endpoint); err != nil {
		return Endpoint{}, err
	}
	return endpoint, nil
}

func (s *Store) GetEndpoint(ctx context.Context, endpointID string) (Endpoint, error) {
	endpointID = strings.TrimSpace(endpointID)
	if endpointID == "" {
		return Endpoint{}, ErrInvalidInput
	}
	return s.backend.GetEndpoint(ctx, endpointID)
}

// RecordRequest assigns an id and receive time to req and stores it.
func (s *Store) RecordRequest(ctx context.Context, endpointID string, req CapturedRequest) (CapturedRequest, error) {
	endpointID = strings.TrimSpace(endpointID)
	if endpointID == "" {
		return CapturedRequest{}, ErrInvalidInput
	}
	if strings.TrimSpace(req.Method) == "" {
		return CapturedRequest{}, fmt.Errorf("%w: method is required", ErrInvalidInput)
	}
	req.ID = s.newID()
	req.Timestamp = s.now().UTC()
	if req.Headers == nil {
		req.Headers = map[string]string{}
	}
	if req.QueryParams == nil {
		req.QueryParams = map[string]string{}
	}
	if err := s.backend.AppendRequest(ctx, endpointID, req, s.maxRequests); err != nil {
		return CapturedRequest{}, err
	}
	return req, nil
}

func (s *Store) ListRequests(ctx context.Context, endpointID string) ([]CapturedRequest, error) {
	endpointID = strings.TrimSpace(endpointID)
	if endpointID == "" {
		return nil, ErrInvalidInput
	}
	return s.backend.ListRequests(ctx, endpointID)
}

func (s *Store) Close() error {
	return s.backend.Close()
}
