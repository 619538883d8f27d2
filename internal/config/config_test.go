package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Fetcher.AbortTimeout != 10*time.Second || cfg.Fetcher.LastEventAbortTimeout != time.Second {
		t.Fatalf("abort timeouts %v / %v", cfg.Fetcher.AbortTimeout, cfg.Fetcher.LastEventAbortTimeout)
	}
	if cfg.Fetcher.LimitPerReq != 5000 {
		t.Fatalf("limit per req %d", cfg.Fetcher.LimitPerReq)
	}
	if len(cfg.Notice.Patterns) == 0 {
		t.Fatal("default notice patterns missing")
	}
	if !cfg.Server.RateLimit.Enabled || cfg.Server.RateLimit.Burst != 10 {
		t.Fatalf("rate limit %+v", cfg.Server.RateLimit)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Fatalf("metrics path %q", cfg.Metrics.Path)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
fetcher:
  limit_per_req: 500
relays:
  default:
    - wss://relay.example.com
`)
	t.Setenv("RELAYFETCH_FETCHER_ABORT_TIMEOUT", "20s")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Fetcher.LimitPerReq != 500 {
		t.Fatalf("file value not applied: %d", cfg.Fetcher.LimitPerReq)
	}
	if cfg.Fetcher.AbortTimeout != 20*time.Second {
		t.Fatalf("env value not applied: %v", cfg.Fetcher.AbortTimeout)
	}
	if len(cfg.Relays.Default) != 1 || cfg.Relays.Default[0] != "wss://relay.example.com" {
		t.Fatalf("relays %v", cfg.Relays.Default)
	}
	if cfg.Pool.ReqBurst != 40 {
		t.Fatal("unset keys should keep defaults")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"relay url", "relays:\n  default: [\"http://relay.example.com\"]\n", "ws:// or wss://"},
		{"limit", "fetcher:\n  limit_per_req: 6000\n", "at most 5000"},
		{"notice regexp", "notice:\n  patterns: [\"(unclosed\"]\n", "regular expression"},
		{"listen addr", "server:\n  listen_addr: \"nohost\"\n", "listen address"},
		{"last event timeout", "fetcher:\n  last_event_abort_timeout: 30s\n", "must not exceed the regular abort timeout"},
		{"rate limit", "server:\n  rate_limit:\n    requests_per_second: 0\n", "rate limiting is enabled"},
		{"unknown key", "fetcher:\n  abort_timout: 5s\n", "unmarshal config"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body), nil)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
