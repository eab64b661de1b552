package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relayhook/internal/hookstore"
)

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	// BaseURL is the public origin used to build endpoint URLs. When empty
	// it is derived from each request's Host header.
	BaseURL         string
	// JWTSecret, when set, requires an HS256 bearer token on the endpoint
	// management routes. Capture and channel routes stay open.
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	HubBuffer       int
	OriginPatterns  []string
	Logger          Logger
}

type Server struct {
	store       *hookstore.Store
	cfg         ServerConfig
	rateLimiter *rateLimiter
	hub         *Hub
	logger      Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type createEndpointRequest struct {
	Name string `json:"name"`
}

type endpointResponse struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Name         string    `json:"name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	RequestCount int       `json:"request_count"`
}

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func NewServer(store *hookstore.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *hookstore.Store, cfg ServerConfig) *Server {
	if store == nil {
		store = hookstore.NewStore()
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if len(cfg.OriginPatterns) == 0 {
		cfg.OriginPatterns = []string{"*"}
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
		hub:         NewHub(cfg.HubBuffer, cfg.Logger),
		logger:      cfg.Logger,
	}
}

// Hub exposes the live fan-out so callers can inspect subscriber counts.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"service":   "relayhook",
		})
		return
	}
	if r.URL.Path == "/endpoints" || r.URL.Path == "/endpoints/" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
			return
		}
		s.handleCreateEndpoint(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "endpoints" && r.Method == http.MethodGet:
		s.handleGetEndpoint(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "endpoints" && parts[2] == "requests" && r.Method == http.MethodGet:
		s.handleListRequests(w, r, parts[1])
	case len(parts) == 2 && parts[0] == "w":
		switch r.Method {
		case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			s.handleCapture(w, r, parts[1])
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
		}
	case len(parts) == 2 && parts[0] == "ws" && r.Method == http.MethodGet:
		s.handleChannel(w, r, parts[1])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}
}

func (s *Server) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, ScopeEndpointsWrite) {
		return
	}
	correlationID := getCorrelationID(r)
	var req createEndpointRequest
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
			return
		}
	}
	endpoint, err := s.store.CreateEndpoint(r.Context(), req.Name)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.logf("endpoint created: %s", endpoint.ID)
	writeJSON(w, http.StatusCreated, s.endpointResponse(r, endpoint))
}

func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request, endpointID string) {
	if !s.authorize(w, r, ScopeRequestsRead) {
		return
	}
	endpoint, err := s.store.GetEndpoint(r.Context(), endpointID)
	if err != nil {
		s.writeStoreError(w, err, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, s.endpointResponse(r, endpoint))
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request, endpointID string) {
	if !s.authorize(w, r, ScopeRequestsRead) {
		return
	}
	requests, err := s.store.ListRequests(r.Context(), endpointID)
	if err != nil {
		s.writeStoreError(w, err, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoint_id": endpointID,
		"count":       len(requests),
		"requests":    requests,
	})
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request, endpointID string) {
	correlationID := getCorrelationID(r)
	if s.rateLimiter != nil && !s.rateLimiter.allow(endpointID, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	captured, err := s.store.RecordRequest(r.Context(), endpointID, captureRequest(r, body))
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	payload, err := json.Marshal(envelope{Type: "new_request", Data: captured})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	delivered := s.hub.Broadcast(endpointID, payload)
	s.logf("captured %s %s for %s (delivered to %d subscribers)", captured.Method, captured.ID, endpointID, delivered)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "received",
		"request_id":  captured.ID,
		"endpoint_id": endpointID,
	})
}

func captureRequest(r *http.Request, body []byte) hookstore.CapturedRequest {
	headers := make(map[string]string, len(r.Header))
	for key, values := range r.Header {
		headers[strings.ToLower(key)] = strings.Join(values, ", ")
	}
	query := map[string]string{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}
	raw := string(body)
	req := hookstore.CapturedRequest{
		Method:        r.Method,
		Headers:       headers,
		BodyRaw:       &raw,
		ContentType:   r.Header.Get("Content-Type"),
		ContentLength: int64(len(body)),
		IPAddress:     clientIP(r),
		QueryParams:   query,
	}
	if len(body) > 0 && strings.Contains(strings.ToLower(req.ContentType), "json") && json.Valid(body) {
		req.BodyJSON = json.RawMessage(append([]byte(nil), body...))
	}
	return req
}

func clientIP(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) endpointResponse(r *http.Request, endpoint hookstore.Endpoint) endpointResponse {
	return endpointResponse{
		ID:           endpoint.ID,
		URL:          s.publicBaseURL(r) + "/w/" + endpoint.ID,
		Name:         endpoint.Name,
		CreatedAt:    endpoint.CreatedAt,
		RequestCount: endpoint.RequestCount,
	}
}

func (s *Server) publicBaseURL(r *http.Request) string {
	if s.cfg.BaseURL != "" {
		return s.cfg.BaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); proto != "" {
		scheme = strings.ToLower(proto)
	}
	return scheme + "://" + r.Host
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, hookstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "endpoint not found", correlationID)
	case errors.Is(err, hookstore.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
