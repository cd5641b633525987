package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tripwire/fim/internal/config"
)

func TestRun_BadJWTKeyFailsBeforeEngineStarts(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "jwt.pem")
	if err := os.WriteFile(keyPath, []byte("not a pem block"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		MonitorDir:   t.TempDir(),
		BaselineFile: filepath.Join(dir, "baseline.json"),
		Watcher:      config.WatcherConfig{Mode: "poll", PollInterval: time.Second},
		Engine: config.EngineConfig{
			Workers:        1,
			QueueSize:      8,
			EnqueueTimeout: time.Second,
			DrainTimeout:   time.Second,
			NotifyTimeout:  time.Second,
			HistorySize:    10,
		},
		Dashboard: config.DashboardConfig{
			Addr:         "127.0.0.1:0",
			JWTPublicKey: keyPath,
		},
	}

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	err := run(cfg, logger)
	if err == nil || !strings.Contains(err.Error(), "public key") {
		t.Fatalf("run = %v, want public key error", err)
	}
	if strings.Contains(logs.String(), "integrity engine started") {
		t.Error("engine started before the JWT key was validated")
	}
}
