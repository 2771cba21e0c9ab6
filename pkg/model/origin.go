package model

import (
	"fmt"
	"net/url"
)

// Origin is the (scheme, host, port) triple used as the CircuitBreaker
// key. Per spec.md's resolved open question, breaker state is kept
// per-origin, not per-(origin+path).
type Origin struct {
	Scheme string
	Host   string
	Port   string
}

func (o Origin) String() string {
	return fmt.Sprintf("%s://%s:%s", o.Scheme, o.Host, o.Port)
}

// OriginOf derives the breaker key from a request's absolute URL.
func OriginOf(rawURL string) (Origin, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Origin{}, fmt.Errorf("model: invalid url %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Origin{}, fmt.Errorf("model: url %q is not absolute", rawURL)
	}

	port := u.Port()
	if port == "" {
		port = defaultPort(u.Scheme)
	}

	return Origin{
		Scheme: u.Scheme,
		Host:   u.Hostname(),
		Port:   port,
	}, nil
}

func defaultPort(scheme string) string {
	switch scheme {
	case "https", "wss":
		return "443"
	default:
		return "80"
	}
}

// MustOriginOf is OriginOf for callers that already validated the URL
// (e.g. at submit-time); it panics on malformed input.
func MustOriginOf(rawURL string) Origin {
	o, err := OriginOf(rawURL)
	if err != nil {
		panic(err)
	}
	return o
}
