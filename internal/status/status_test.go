package status

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestCountInbox(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "inbox")
	writeFile(t, filepath.Join(dir, "a.yaml"), "action: lock_channel\n")
	writeFile(t, filepath.Join(dir, "b.yaml"), "action: lock_channel\n")
	writeFile(t, filepath.Join(dir, "c.yaml.tmp"), "")
	writeFile(t, filepath.Join(dir, ".d.yaml"), "")
	writeFile(t, filepath.Join(dir, "quarantine", "x.yaml.20260101T000000.corrupt"), "")

	s := countInbox(dir)
	if s.Pending != 2 {
		t.Errorf("pending: got %d, want 2", s.Pending)
	}
	if s.Quarantined != 1 {
		t.Errorf("quarantined: got %d, want 1", s.Quarantined)
	}
}

func TestCollect_StoppedDaemonWithMetrics(t *testing.T) {
	base, err := os.MkdirTemp("/tmp", "tv-st-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(base) })

	writeFile(t, filepath.Join(base, "state", "metrics.yaml"), `schema_version: 1
file_type: state_metrics
daemon_heartbeat: "2026-05-01T12:00:00Z"
queue:
  size: 3
  capacity: 500
  pressure_pct: 0.6
dispatcher:
  succeeded: 42
active_locks: 2
`)

	now := time.Date(2026, 5, 1, 12, 0, 30, 0, time.UTC)
	s := Collect(base, now)
	if s.Daemon.Running {
		t.Error("daemon reported running without a socket")
	}
	if s.Metrics == nil {
		t.Fatal("metrics not loaded")
	}
	if s.Metrics.Queue.Size != 3 || s.Metrics.Dispatcher.Succeeded != 42 {
		t.Errorf("metrics: got %+v", s.Metrics)
	}
	if s.MetricsAge != "30s" {
		t.Errorf("metrics age: got %q, want 30s", s.MetricsAge)
	}
}

func TestRun_Output(t *testing.T) {
	base := t.TempDir()

	var text bytes.Buffer
	if err := Run(base, &text, false); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Daemon: stopped", "Inbox: 0 pending", "Metrics: none"} {
		if !strings.Contains(text.String(), want) {
			t.Errorf("output missing %q:\n%s", want, text.String())
		}
	}

	var js bytes.Buffer
	if err := Run(base, &js, true); err != nil {
		t.Fatal(err)
	}
	var decoded Status
	if err := json.Unmarshal(js.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if decoded.Daemon.Running || decoded.Metrics != nil {
		t.Errorf("unexpected status: %+v", decoded)
	}
}
