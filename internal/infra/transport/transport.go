// Package transport provides the "perform one request" primitive the engine
// drives. Implementations never interpret status codes; the engine does.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Request is a single outbound call.
type Request struct {
	URL     string
	Method  string
	Header  map[string]string
	Body    []byte
	Timeout time.Duration
}

// Response is the raw outcome of a call that reached the remote side.
type Response struct {
	Status int               `json:"status"`
	Header map[string]string `json:"header,omitempty"`
	Body   []byte            `json:"body,omitempty"`
}

// SizeBytes estimates the cached size of the response.
func (r *Response) SizeBytes() int64 {
	n := int64(len(r.Body))
	for k, v := range r.Header {
		n += int64(len(k) + len(v))
	}
	return n
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}

// Transport performs one request.
type Transport interface {
	Perform(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, req Request) (*Response, error)

func (f Func) Perform(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// StatusError reports a response with a failing status.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	const maxBody = 256
	body := e.Body
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	if len(body) == 0 {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d: %s", e.Status, body)
}

func (e *StatusError) StatusCode() int {
	return e.Status
}
