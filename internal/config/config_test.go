package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AMekss/assert"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, cfg.Validate())
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "quotecast.toml", `
mode = "record"

[quotecast]
user_token = 123456
timeout = "5s"
forward_fill = false

[recorder]
poll_interval = "250ms"
sinks = ["cache", "store"]
tick_store = "sqlite"
venue = "XNYS"

[recorder.subscriptions]
"AAPL.BATS,E" = ["LastPrice", "BidPrice"]
`)

	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.NoError(t, cfg.Validate())

	assert.EqualStrings(t, "record", cfg.Mode)
	assert.EqualInt(t, 123456, int(cfg.Quotecast.UserToken))
	assert.EqualInt(t, int(5*time.Second), int(cfg.Quotecast.Timeout.Duration))
	assert.False(t, cfg.Quotecast.ForwardFill)
	assert.EqualInt(t, int(250*time.Millisecond), int(cfg.Recorder.PollInterval.Duration))
	assert.EqualInt(t, 2, len(cfg.Recorder.Subscriptions["AAPL.BATS,E"]))
	assert.True(t, cfg.HasSink(SinkStore))
	assert.False(t, cfg.HasSink(SinkNATS))
	// Untouched sections keep their defaults.
	assert.EqualStrings(t, ":50051", cfg.Relay.Addr)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "quotecast.yaml", `
mode: full
log_level: debug
quotecast:
  user_token: 42
relay:
  addr: "127.0.0.1:6000"
  shutdown_timeout: 3s
recorder:
  poll_interval: 2s
  subscriptions:
    "360148977": [LastPrice]
`)

	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.NoError(t, cfg.Validate())
	assert.True(t, cfg.Relays())
	assert.True(t, cfg.Records())
	assert.EqualStrings(t, "127.0.0.1:6000", cfg.Relay.Addr)
	assert.EqualInt(t, int(3*time.Second), int(cfg.Relay.ShutdownTimeout.Duration))
	assert.EqualStrings(t, "LastPrice", cfg.Recorder.Subscriptions["360148977"][0])
}

func TestEnvOverrides(t *testing.T) {
	path := writeFile(t, "quotecast.toml", `mode = "relay"`)
	t.Setenv("QUOTECAST_USER_TOKEN", "777")
	t.Setenv("QUOTECAST_RELAY_AUTO_CONNECT", "true")
	t.Setenv("QUOTECAST_RECORDER_SINKS", "cache, nats ,")
	t.Setenv("QUOTECAST_RECORDER_SUBSCRIPTIONS", "AAPL.BATS,E:LastPrice|BidPrice; 360148977:LastVolume")
	t.Setenv("QUOTECAST_TIMEOUT", "not-a-duration")

	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.EqualInt(t, 777, int(cfg.Quotecast.UserToken))
	assert.True(t, cfg.Relay.AutoConnect)
	assert.EqualInt(t, 2, len(cfg.Recorder.Sinks))
	assert.EqualStrings(t, "nats", cfg.Recorder.Sinks[1])
	assert.EqualInt(t, 2, len(cfg.Recorder.Subscriptions["AAPL.BATS,E"]))
	assert.EqualStrings(t, "LastVolume", cfg.Recorder.Subscriptions["360148977"][0])
	// Unparseable values leave the default in place.
	assert.EqualInt(t, int(15*time.Second), int(cfg.Quotecast.Timeout.Duration))
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "record"
	cfg.LogLevel = "loud"
	cfg.Recorder.Sinks = []string{"cache", "kafka", "store"}
	cfg.Recorder.TickStore = "mongo"
	cfg.Server.Port = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{
		"log_level",
		"user_token is required",
		"subscriptions must not be empty",
		`unknown sink "kafka"`,
		`unknown tick_store "mongo"`,
		"server: port",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %q", msg, want)
		}
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Quotecast.UserToken = 99
	cfg.Server.APIKey = "secret"
	cfg.Postgres.Password = "pw"
	cfg.Recorder.Subscriptions = map[string][]string{"X": {"LastPrice"}}

	out := RedactedConfig(&cfg)
	assert.EqualInt(t, -1, int(out.Quotecast.UserToken))
	assert.EqualStrings(t, "***", out.Server.APIKey)
	assert.EqualStrings(t, "***", out.Postgres.Password)
	assert.EqualStrings(t, "", out.Redis.Password)

	out.Recorder.Subscriptions["X"][0] = "changed"
	assert.EqualStrings(t, "LastPrice", cfg.Recorder.Subscriptions["X"][0])
	assert.EqualInt(t, 99, int(cfg.Quotecast.UserToken))
}
