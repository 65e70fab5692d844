package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AMekss/assert"
)

type fakeSender struct {
	name   string
	err    error
	titles []string
}

func (f *fakeSender) Send(_ context.Context, title, _ string) error {
	f.titles = append(f.titles, title)
	return f.err
}

func (f *fakeSender) Name() string { return f.name }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifyFiltersEvents(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{s}, []string{EventFetchFailed, " "}, discard())

	assert.NoError(t, n.Notify(context.Background(), EventSessionReconnected, "reconnected", ""))
	assert.NoError(t, n.Notify(context.Background(), EventFetchFailed, "failed", ""))
	assert.NoError(t, n.NotifyAll(context.Background(), "always", ""))

	assert.EqualInt(t, 2, len(s.titles))
	assert.EqualStrings(t, "failed", s.titles[0])
	assert.EqualStrings(t, "always", s.titles[1])
}

func TestNotifyContinuesPastFailures(t *testing.T) {
	bad := &fakeSender{name: "bad", err: errors.New("boom")}
	good := &fakeSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discard())

	err := n.Notify(context.Background(), EventFetchFailed, "t", "m")
	if err == nil || !strings.Contains(err.Error(), "bad: boom") {
		t.Fatalf("err = %v", err)
	}
	assert.EqualInt(t, 1, len(good.titles))
}

func TestNilNotifierIsNoop(t *testing.T) {
	var n *Notifier
	assert.False(t, n.Enabled())
	assert.NoError(t, n.Notify(context.Background(), EventFetchFailed, "t", "m"))
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42")
	s.apiBase = srv.URL
	assert.NoError(t, s.Send(context.Background(), "Session reset", "reconnected"))
	assert.EqualStrings(t, "/bottok/sendMessage", path)
	assert.EqualStrings(t, "42", got["chat_id"])
	assert.EqualStrings(t, "*Session reset*\nreconnected", got["text"])
}

func TestDiscordSenderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	if err == nil || !strings.Contains(err.Error(), "unexpected status 400") {
		t.Fatalf("err = %v", err)
	}
}
