package hookstream

import (
	"errors"
	"fmt"
)

var (
	ErrCreation         = errors.New("endpoint creation failed")
	ErrLookup           = errors.New("endpoint lookup failed")
	ErrFetch            = errors.New("snapshot fetch failed")
	ErrChannel          = errors.New("live channel failed")
	ErrDecode           = errors.New("malformed frame")
	ErrEndpointNotFound = errors.New("endpoint not found")
	ErrSessionDiscarded = errors.New("session discarded")
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// CreationError is fatal to one creation attempt. The caller decides whether
// to try again.
type CreationError struct {
	Name string
	Err  error
}

func (e *CreationError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("create endpoint: %v", e.Err)
	}
	return fmt.Sprintf("create endpoint %q: %v", e.Name, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

func (e *CreationError) Is(target error) bool {
	return target == ErrCreation
}

// LookupError reports a failure to attach to an existing endpoint.
type LookupError struct {
	EndpointID string
	Err        error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("look up endpoint %s: %v", e.EndpointID, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

func (e *LookupError) Is(target error) bool {
	return target == ErrLookup
}

type FetchError struct {
	EndpointID string
	Err        error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch requests for %s: %v", e.EndpointID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool {
	return target == ErrFetch
}

// ChannelError is a transport failure on a live subscription. The
// subscription that produced it is finished.
type ChannelError struct {
	URL string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.URL, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

func (e *ChannelError) Is(target error) bool {
	return target == ErrChannel
}

type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "decode: " + e.Reason
	}
	return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}
