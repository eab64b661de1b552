package hookstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// EndpointHandle identifies one created endpoint. It is a value and is never
// modified after creation.
type EndpointHandle struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type requestsResponse struct {
	Requests []RequestEvent `json:"requests"`
}

// RemoteClient is the request/response side of the backend contract.
type RemoteClient interface {
	CreateEndpoint(ctx context.Context, name string) (EndpointHandle, error)
	GetEndpoint(ctx context.Context, endpointID string) (EndpointHandle, error)
	ListRequests(ctx context.Context, endpointID string) ([]RequestEvent, error)
	ChannelURL(endpointID string) (string, error)
}

type HTTPClientOptions struct {
	HTTPClient *http.Client
	// Token is sent as a bearer token on endpoint and snapshot requests.
	Token string
	// MaxRetries bounds retries of transient snapshot fetch failures.
	// Endpoint creation is never retried.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL string, opts HTTPClientOptions) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8000"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

func (c *HTTPClient) CreateEndpoint(ctx context.Context, name string) (EndpointHandle, error) {
	name = strings.TrimSpace(name)
	body := map[string]any{}
	if name != "" {
		body["name"] = name
	}
	var out EndpointHandle
	if err := c.doJSON(ctx, http.MethodPost, "/endpoints", body, &out, 0); err != nil {
		return EndpointHandle{}, &CreationError{Name: name, Err: err}
	}
	if err := validateHandle(out); err != nil {
		return EndpointHandle{}, &CreationError{Name: name, Err: err}
	}
	return out, nil
}

func (c *HTTPClient) GetEndpoint(ctx context.Context, endpointID string) (EndpointHandle, error) {
	endpointID = strings.TrimSpace(endpointID)
	if endpointID == "" {
		return EndpointHandle{}, &LookupError{Err: fmt.Errorf("endpoint id is required")}
	}
	var out EndpointHandle
	err := c.doJSON(ctx, http.MethodGet, "/endpoints/"+url.PathEscape(endpointID), nil, &out, c.maxRetries)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			err = fmt.Errorf("%w: %w", ErrEndpointNotFound, httpErr)
		}
		return EndpointHandle{}, &LookupError{EndpointID: endpointID, Err: err}
	}
	if err := validateHandle(out); err != nil {
		return EndpointHandle{}, &LookupError{EndpointID: endpointID, Err: err}
	}
	return out, nil
}

// ListRequests reads every request the server holds for the endpoint, in
// server order. It never touches any merged history.
func (c *HTTPClient) ListRequests(ctx context.Context, endpointID string) ([]RequestEvent, error) {
	endpointID = strings.TrimSpace(endpointID)
	if endpointID == "" {
		return nil, &FetchError{Err: fmt.Errorf("endpoint id is required")}
	}
	var out requestsResponse
	err := c.doJSON(ctx, http.MethodGet, "/endpoints/"+url.PathEscape(endpointID)+"/requests", nil, &out, c.maxRetries)
	if err != nil {
		return nil, &FetchError{EndpointID: endpointID, Err: err}
	}
	if out.Requests == nil {
		out.Requests = []RequestEvent{}
	}
	return out.Requests, nil
}

// ChannelURL derives the websocket URL for an endpoint from the API base URL:
// same authority, ws or wss scheme, path /ws/{id}.
func (c *HTTPClient) ChannelURL(endpointID string) (string, error) {
	return ChannelURL(c.baseURL, endpointID)
}

func ChannelURL(baseURL, endpointID string) (string, error) {
	endpointID = strings.TrimSpace(endpointID)
	if endpointID == "" {
		return "", fmt.Errorf("endpoint id is required")
	}
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "https", "wss":
		parsed.Scheme = "wss"
	case "http", "ws":
		parsed.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported base url scheme: %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/ws/" + url.PathEscape(endpointID)
	parsed.RawPath = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String(), nil
}

type SendResult struct {
	StatusCode int
	Body       []byte
}

// Send issues one request against an endpoint's public URL, the way an
// external webhook producer would. The response is opaque to this package.
func (c *HTTPClient) Send(ctx context.Context, endpointURL, method, contentType string, body []byte) (SendResult, error) {
	if strings.TrimSpace(method) == "" {
		method = http.MethodPost
	}
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), endpointURL, bodyReader)
	if err != nil {
		return SendResult{}, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("X-Correlation-Id", correlationID())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SendResult{}, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{StatusCode: resp.StatusCode, Body: payload}, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any, maxRetries int) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID())
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil {
				return nil
			}
			if len(payloadBytes) == 0 {
				return fmt.Errorf("empty response body")
			}
			if err := json.Unmarshal(payloadBytes, out); err != nil {
				return fmt.Errorf("malformed response body: %w", err)
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Detail  string `json:"detail"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = errPayload.Detail
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func validateHandle(h EndpointHandle) error {
	if strings.TrimSpace(h.ID) == "" {
		return fmt.Errorf("response has no endpoint id")
	}
	if strings.TrimSpace(h.URL) == "" {
		return fmt.Errorf("response has no endpoint url")
	}
	return nil
}

func correlationID() string {
	return fmt.Sprintf("hookstream_%d", time.Now().UnixNano())
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	return backoffDelay(c.baseDelay, c.maxDelay, attempt)
}

// backoffDelay doubles base for every attempt after the first, capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if max <= 0 {
		max = 2 * time.Second
	}
	delay := base
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
