package hookstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const EnvelopeTypeNewRequest = "new_request"

// RequestEvent is one inbound request captured by an endpoint. Events are
// never modified after decoding.
type RequestEvent struct {
	ID             string            `json:"id"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers,omitempty"`
	BodyRaw        *string           `json:"body_raw,omitempty"`
	BodyJSON       json.RawMessage   `json:"body_json,omitempty"`
	ContentType    string            `json:"content_type,omitempty"`
	ContentLength  int64             `json:"content_length,omitempty"`
	IPAddress      string            `json:"ip_address,omitempty"`
	QueryParams    map[string]string `json:"query_params,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	AIMockResponse json.RawMessage   `json:"ai_mock_response,omitempty"`
}

func (e *RequestEvent) UnmarshalJSON(data []byte) error {
	type plain RequestEvent
	var wire struct {
		plain
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	ts, err := parseTimestamp(wire.Timestamp)
	if err != nil {
		return err
	}
	*e = RequestEvent(wire.plain)
	e.Timestamp = ts
	e.BodyJSON = nullToNil(e.BodyJSON)
	e.AIMockResponse = nullToNil(e.AIMockResponse)
	return nil
}

// Body returns the raw body, or "" when the request had none.
func (e RequestEvent) Body() string {
	if e.BodyRaw == nil {
		return ""
	}
	return *e.BodyRaw
}

type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp accepts RFC 3339 and zone-less ISO-8601 instants. Zone-less
// values are taken as UTC.
func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("timestamp is required")
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
}

func nullToNil(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	return raw
}

// decodeFrame turns one websocket text frame into a request event. ok is
// false for well-formed envelopes of any other type.
func decodeFrame(frame []byte) (event RequestEvent, ok bool, err error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return RequestEvent{}, false, &DecodeError{Reason: "envelope", Err: err}
	}
	if strings.TrimSpace(env.Type) == "" {
		return RequestEvent{}, false, &DecodeError{Reason: "envelope has no type"}
	}
	if env.Type != EnvelopeTypeNewRequest {
		return RequestEvent{}, false, nil
	}
	event, err = decodeRequestEvent(env.Data)
	if err != nil {
		return RequestEvent{}, false, err
	}
	return event, true, nil
}

func decodeRequestEvent(data []byte) (RequestEvent, error) {
	if len(nullToNil(data)) == 0 {
		return RequestEvent{}, &DecodeError{Reason: "new_request frame has no data"}
	}
	schema, err := requestEventSchema()
	if err != nil {
		return RequestEvent{}, &DecodeError{Reason: "request event schema", Err: err}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return RequestEvent{}, &DecodeError{Reason: "request event", Err: err}
	}
	if err := schema.Validate(inst); err != nil {
		return RequestEvent{}, &DecodeError{Reason: "request event does not match schema", Err: err}
	}
	var event RequestEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return RequestEvent{}, &DecodeError{Reason: "request event", Err: err}
	}
	return event, nil
}

const requestEventSchemaURL = "https://schemas.relayhook.dev/request-event.json"

const requestEventSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "method", "timestamp"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"method": {"type": "string", "minLength": 1},
		"headers": {"type": ["object", "null"], "additionalProperties": {"type": "string"}},
		"body_raw": {"type": ["string", "null"]},
		"content_type": {"type": ["string", "null"]},
		"content_length": {"type": ["integer", "null"], "minimum": 0},
		"ip_address": {"type": ["string", "null"]},
		"query_params": {"type": ["object", "null"], "additionalProperties": {"type": "string"}},
		"timestamp": {"type": "string", "minLength": 1}
	}
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func requestEventSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(requestEventSchemaJSON))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(requestEventSchemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile(requestEventSchemaURL)
	})
	return compiledSchema, schemaErr
}
