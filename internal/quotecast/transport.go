package quotecast

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/alanyoungcy/quotecast/internal/domain"
)

// Request is one upstream call.
type Request struct {
	Method string
	URL    string
	Params url.Values
	Body   []byte
}

// Response is the raw upstream reply.
type Response struct {
	StatusCode int
	Body       []byte
}

// Transport issues requests against the upstream. Connection-level failures
// are returned as errors that IsTransportError recognises; a non-2xx status
// is not an error at this layer.
type Transport interface {
	Send(ctx context.Context, req Request) (Response, error)
}

// TransportError wraps a failure of the connection itself.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "quotecast: " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, domain.ErrTransport) hold for every TransportError.
func (e *TransportError) Is(target error) bool {
	return target == domain.ErrTransport
}

// IsTransportError reports whether err is a recoverable connection failure:
// reset, broken pipe, timeout, truncated response, or an upstream session
// reset. Cancellation by the caller and certificate failures are never
// recoverable.
func IsTransportError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || isCertificateError(err) {
		return false
	}
	if errors.Is(err, domain.ErrTransport) || errors.Is(err, domain.ErrSessionReset) {
		return true
	}
	return isConnectionFailure(err)
}

// isConnectionFailure matches errors raised by the connection itself, as
// opposed to a request that could never have succeeded.
func isConnectionFailure(err error) bool {
	if errors.Is(err, context.Canceled) || isCertificateError(err) {
		return false
	}
	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func isCertificateError(err error) bool {
	var (
		verifyErr    *tls.CertificateVerificationError
		authorityErr x509.UnknownAuthorityError
		hostErr      x509.HostnameError
		invalidErr   x509.CertificateInvalidError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &authorityErr) ||
		errors.As(err, &hostErr) ||
		errors.As(err, &invalidErr)
}

// HTTPTransportConfig configures the default transport.
type HTTPTransportConfig struct {
	Timeout            time.Duration
	InsecureSkipVerify bool
	UserAgent          string
}

// HTTPTransport is the net/http implementation of Transport.
type HTTPTransport struct {
	client    *http.Client
	userAgent string
}

// NewHTTPTransport builds a transport with its own client and cookie-less
// connection pool.
func NewHTTPTransport(cfg HTTPTransportConfig) *HTTPTransport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	base := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		base.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &HTTPTransport{
		client: &http.Client{
			Timeout:   timeout,
			Transport: base,
		},
		userAgent: cfg.UserAgent,
	}
}

// Send performs the request and reads the full body.
func (t *HTTPTransport) Send(ctx context.Context, req Request) (Response, error) {
	target := req.URL
	if len(req.Params) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + req.Params.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return Response{}, fmt.Errorf("quotecast: build request: %w", err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if t.userAgent != "" {
		httpReq.Header.Set("User-Agent", t.userAgent)
	}

	// Only connection failures become TransportErrors.
	resp, err := t.client.Do(httpReq)
	if err != nil {
		op := req.Method + " " + req.URL
		if isConnectionFailure(err) {
			return Response{}, &TransportError{Op: op, Err: err}
		}
		return Response{}, fmt.Errorf("quotecast: %s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if isConnectionFailure(err) {
			return Response{}, &TransportError{Op: "read " + req.URL, Err: err}
		}
		return Response{}, fmt.Errorf("quotecast: read %s: %w", req.URL, err)
	}
	return Response{StatusCode: resp.StatusCode, Body: data}, nil
}

// checkStatus maps non-2xx upstream replies to errors. Rejected credentials
// are never retried.
func checkStatus(op string, resp Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("quotecast: %s: %w (HTTP %d)", op, domain.ErrSessionRejected, resp.StatusCode)
	default:
		return fmt.Errorf("quotecast: %s: unexpected status %d: %s", op, resp.StatusCode, snippet(resp.Body))
	}
}

func snippet(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
