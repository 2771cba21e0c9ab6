package model

import (
	"net/textproto"
	"time"

	"github.com/google/uuid"
)

// Method is one of the HTTP verbs the dispatcher is willing to carry.
type Method string

const (
	MethodGet     Method = "GET"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodDelete  Method = "DELETE"
	MethodPatch   Method = "PATCH"
	MethodHead    Method = "HEAD"
	MethodOptions Method = "OPTIONS"
)

func (m Method) Valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodDelete, MethodPatch, MethodHead, MethodOptions:
		return true
	default:
		return false
	}
}

// Headers is a case-insensitive string-to-string header mapping, the
// narrow shape the core needs (request construction, including
// multi-value headers or auth attachment, is the RequestBuilder
// collaborator's job).
type Headers map[string]string

// NewHeaders builds a Headers map with canonicalized keys.
func NewHeaders() Headers {
	return make(Headers)
}

// Set stores value under the canonical form of key.
func (h Headers) Set(key, value string) {
	h[textproto.CanonicalMIMEHeaderKey(key)] = value
}

// Get returns the value stored under the canonical form of key.
func (h Headers) Get(key string) string {
	return h[textproto.CanonicalMIMEHeaderKey(key)]
}

// Clone returns a deep copy so descriptors stay immutable once submitted.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Tags is the caller-provided, free-form label set carried alongside a
// descriptor for observability (event labels, DLQ triage), never
// interpreted by the core.
type Tags map[string]string

func (t Tags) Clone() Tags {
	if t == nil {
		return nil
	}
	out := make(Tags, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// RetryOverrides lets a single request opt out of, or tighten, the
// dispatcher's global RetryPolicy.
type RetryOverrides struct {
	MaxRetries *int
	BaseDelay  *time.Duration
	MaxDelay   *time.Duration
}

// RequestDescriptor is the immutable unit of work the core operates on.
// Everything about header assembly, body serialization, auth attachment
// and template expansion happens before a descriptor reaches Submit;
// the core never mutates a descriptor after it is constructed.
type RequestDescriptor struct {
	ID            uuid.UUID
	Method        Method
	URL           string
	Headers       Headers
	Body          []byte
	Timeout       time.Duration
	CacheKey      string // optional override; empty means derive from method|url|body
	CacheDisabled bool
	Retry         RetryOverrides
	Priority      Priority
	SubmittedAt   time.Time
	Tags          Tags
}

// NewRequestDescriptor assigns a fresh ID and submission timestamp; callers
// supply everything else. now is passed explicitly so callers using a
// Mock clock produce deterministic descriptors in tests.
func NewRequestDescriptor(method Method, url string, now time.Time) *RequestDescriptor {
	return &RequestDescriptor{
		ID:          uuid.New(),
		Method:      method,
		URL:         url,
		Headers:     NewHeaders(),
		SubmittedAt: now,
	}
}
