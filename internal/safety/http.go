// Package safety hardens the outbound connections and untrusted names the
// service handles: notification sinks, object-store endpoints, object keys and
// inventory files.
package safety

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultHTTPTimeout bounds a whole request when the caller gives no timeout.
const DefaultHTTPTimeout = 60 * time.Second

// ErrTooLarge indicates input exceeded the configured read limit.
var ErrTooLarge = errors.New("input too large")

// NewTransport returns a transport with bounded dial, TLS and header waits.
func NewTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
	}
}

// NewHTTPClient returns a client over NewTransport whose requests end after timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &http.Client{Timeout: timeout, Transport: NewTransport()}
}

// ReadLimited reads r to the end, failing with ErrTooLarge past limit bytes.
func ReadLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("read limit must be positive, got %d", limit)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	switch {
	case err != nil:
		return nil, err
	case int64(len(data)) > limit:
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return data, nil
}

// ParseEndpoint parses an HTTP(S) endpoint. Credentials embedded in the URL
// are refused so they never end up in config dumps or logs.
func ParseEndpoint(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	switch {
	case u.Scheme != "http" && u.Scheme != "https":
		return nil, fmt.Errorf("endpoint scheme must be http or https, got %q", u.Scheme)
	case u.Host == "":
		return nil, fmt.Errorf("endpoint %q has no host", raw)
	case u.User != nil:
		return nil, errors.New("endpoint must not carry credentials")
	}
	return u, nil
}

// InsecureRemote reports whether u sends plain HTTP to a host other than this one.
func InsecureRemote(u *url.URL) bool {
	if u.Scheme != "http" {
		return false
	}
	host := u.Hostname()
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return false
	}
	ip := net.ParseIP(host)
	return ip == nil || !ip.IsLoopback()
}
