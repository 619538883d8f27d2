package logger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNoopBeforeInit(t *testing.T) {
	if err := Shutdown(); err == nil {
		t.Fatal("Shutdown before Init should fail")
	}
	Info("dropped")
	if err := UpdateLevel("debug"); err == nil {
		t.Fatal("UpdateLevel before Init should fail")
	}
}

func TestInitWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "relayfetch.log")
	if err := Init(WithFile(path), WithFormat("json"), WithLevel("info"), WithVersion("v1"), WithComponent("relayfetch")); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = Shutdown() })

	Debug("hidden")
	New("pool").Info("visible", zap.String("relay", "wss://r.example.com"))
	if err := UpdateLevel("debug"); err != nil {
		t.Fatal(err)
	}
	Debug("now shown")
	if err := Shutdown(); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(raw)
	if strings.Contains(out, "hidden") {
		t.Fatal("debug entry logged at info level")
	}
	for _, want := range []string{`"msg":"visible"`, `"component":"pool"`, `"version":"v1"`, `"service":"relayfetch"`, "now shown"} {
		if !strings.Contains(out, want) {
			t.Errorf("log lacks %s:\n%s", want, out)
		}
	}
}

func TestInitRejectsBadSettings(t *testing.T) {
	if err := Init(WithLevel("loud")); err == nil {
		t.Fatal("bad level accepted")
	}
	if err := Init(WithFormat("xml")); err == nil {
		t.Fatal("bad format accepted")
	}
}

func TestFetchScope(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	base := zap.New(core)

	ctx, l := StartFetch(context.Background(), base, "latest")
	_, other := StartFetch(context.Background(), base, "all")
	l.Info("started")
	ForRelay(ctx, "wss://a.example.com").Debug("round")
	other.Info("other call")

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("got %d entries", len(entries))
	}
	first, second, third := entries[0].ContextMap(), entries[1].ContextMap(), entries[2].ContextMap()
	if first["mode"] != "latest" || first["fetch_id"] == "" {
		t.Fatalf("missing fetch fields: %v", first)
	}
	if second["fetch_id"] != first["fetch_id"] || second["relay"] != "wss://a.example.com" {
		t.Fatalf("relay logger lost the call scope: %v", second)
	}
	if third["fetch_id"] == first["fetch_id"] {
		t.Fatal("fetch ids must differ between calls")
	}

	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext must never return nil")
	}
}
