package quotecast

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AMekss/assert"
)

func TestHTTPTransportClassifiesFailures(t *testing.T) {
	ctx := context.Background()
	tr := NewHTTPTransport(HTTPTransportConfig{Timeout: 2 * time.Second})

	tlsSrv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("[]"))
	}))
	defer tlsSrv.Close()

	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	cases := []struct {
		name string
		url  string
		want bool
	}{
		{"untrusted certificate", tlsSrv.URL + "/CORS/sid", false},
		{"unsupported scheme", "ftp://upstream.example/CORS/sid", false},
		{"connection refused", closedURL + "/CORS/sid", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tr.Send(ctx, Request{Method: http.MethodGet, URL: tc.url})
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := IsTransportError(err); got != tc.want {
				t.Fatalf("IsTransportError(%v) = %v, want %v", err, got, tc.want)
			}
		})
	}
}

func TestSessionCertificateFailureIsNotRetried(t *testing.T) {
	var sessions atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		sessions.Add(1)
		_, _ = w.Write([]byte(`{"sessionId":"sid-1"}`))
	}))
	defer up.Close()

	tlsSrv := httptest.NewTLSServer(http.NotFoundHandler())
	defer tlsSrv.Close()

	s := NewSession(Config{QuotecastURL: up.URL + "/CORS", UserToken: 42},
		NewHTTPTransport(HTTPTransportConfig{Timeout: 2 * time.Second}), discardLogger())
	assert.NoError(t, s.Connect(context.Background()))

	// Point polls at an endpoint whose certificate is not trusted.
	s.mu.Lock()
	s.cfg.QuotecastURL = tlsSrv.URL + "/CORS"
	s.mu.Unlock()

	_, err := s.FetchNextBatch(context.Background())
	assert.True(t, err != nil)
	assert.False(t, IsTransportError(err))
	assert.EqualInt(t, 1, int(sessions.Load()))
	assert.EqualInt(t, 0, int(s.Status().Reconnects))
}
