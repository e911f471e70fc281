package daemon

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/tempvoice/internal/lock"
	"github.com/msageha/tempvoice/internal/model"
	"github.com/msageha/tempvoice/internal/uds"
)

// shortBaseDir keeps the socket path under the sun_path limit.
func shortBaseDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "tv-d-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func testConfig() model.Config {
	cfg := model.DefaultConfig()
	cfg.Queue.MinInterActionDelayMs = 1
	cfg.Dispatcher.Workers = 2
	cfg.Dispatcher.PollIntervalMs = 10
	cfg.Daemon.ShutdownTimeoutSec = 5
	cfg.Logging.Level = "debug"
	return cfg
}

func newTestDaemon(t *testing.T, baseDir string, cfg model.Config) (*Daemon, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	return newDaemon(baseDir, cfg, &buf, nil), &buf
}

func startDaemon(t *testing.T, baseDir string, cfg model.Config) (*Daemon, *uds.Client) {
	t.Helper()
	d, _ := newTestDaemon(t, baseDir, cfg)
	require.NoError(t, d.Start())
	t.Cleanup(d.Shutdown)
	client := uds.NewClient(filepath.Join(baseDir, uds.DefaultSocketName))
	client.SetTimeout(5 * time.Second)
	return d, client
}

func TestIntentRequest_BuildDefaults(t *testing.T) {
	r := IntentRequest{
		Action:     "rename_channel",
		ResourceID: "chan-1",
		GuildID:    "guild-1",
		Payload:    map[string]any{"name": "lobby"},
	}
	before := time.Now()
	in, err := r.Build(time.Minute)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(in.ID, "int_"))
	assert.Equal(t, model.ActionRenameChannel, in.Action)
	assert.Equal(t, model.PriorityNormal, in.Priority)
	assert.Equal(t, model.StatusPending, in.Status)
	assert.Equal(t, model.DefaultMaxAttempts, in.MaxAttempts)
	assert.WithinDuration(t, before.Add(time.Minute), in.ExpiresAt, 2*time.Second)
	assert.JSONEq(t, `{"name":"lobby"}`, string(in.Payload))
}

func TestIntentRequest_BuildOverrides(t *testing.T) {
	r := IntentRequest{
		ID:          "int_custom",
		Action:      "lock_channel",
		ResourceID:  "chan-1",
		GuildID:     "guild-1",
		Priority:    "1",
		TTLSec:      5,
		MaxAttempts: 7,
		Cost:        3,
		ParentID:    "int_parent",
	}
	in, err := r.Build(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "int_custom", in.ID)
	assert.Equal(t, model.PriorityCritical, in.Priority)
	assert.Equal(t, 7, in.MaxAttempts)
	assert.Equal(t, 3, in.Cost)
	assert.Equal(t, "int_parent", in.ParentID)
	assert.WithinDuration(t, time.Now().Add(5*time.Second), in.ExpiresAt, 2*time.Second)
}

func TestIntentRequest_BuildRejects(t *testing.T) {
	tests := []struct {
		name string
		req  IntentRequest
	}{
		{"unknown action", IntentRequest{Action: "explode", ResourceID: "c", GuildID: "g"}},
		{"bad priority", IntentRequest{Action: "lock_channel", ResourceID: "c", GuildID: "g", Priority: "urgent"}},
		{"bad payload", IntentRequest{Action: "set_user_limit", ResourceID: "c", GuildID: "g", Payload: map[string]any{"limit": 500}}},
		{"missing resource", IntentRequest{Action: "lock_channel", GuildID: "g"}},
		{"missing guild", IntentRequest{Action: "lock_channel", ResourceID: "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.req.Build(time.Minute)
			assert.Error(t, err)
		})
	}

	_, err := IntentRequest{Action: "explode", ResourceID: "c", GuildID: "g"}.Build(time.Minute)
	assert.True(t, errors.Is(err, model.ErrUnknownAction))
}

func TestDaemon_AdmitReportsRejection(t *testing.T) {
	d, _ := newTestDaemon(t, shortBaseDir(t), testConfig())

	build := func() *model.Intent {
		in, err := d.Build(IntentRequest{Action: "lock_channel", ResourceID: "c1", GuildID: "g1"})
		require.NoError(t, err)
		return in
	}
	first := d.Admit(build(), "test")
	assert.True(t, first.Accepted)

	dup := d.Admit(build(), "test")
	assert.False(t, dup.Accepted)
	assert.Equal(t, "duplicate", dup.Reason)
	assert.Equal(t, uds.ErrCodeDuplicate, rejectionCode("duplicate"))
	assert.Equal(t, uds.ErrCodeBackpressure, rejectionCode("queue_full"))
	assert.Equal(t, uds.ErrCodeValidation, rejectionCode("invalid"))
}

func TestNewPaths_RelativeAndAbsoluteDump(t *testing.T) {
	cfg := model.DefaultConfig()
	p := newPaths("/srv/tv", cfg)
	assert.Equal(t, "/srv/tv/state/queue.json", p.dump)
	assert.Equal(t, "/srv/tv/tempvoice.sock", p.socket)
	assert.Equal(t, "/srv/tv/inbox", p.inbox)

	cfg.Queue.DumpFile = "/var/lib/tv/queue.json"
	assert.Equal(t, "/var/lib/tv/queue.json", newPaths("/srv/tv", cfg).dump)
}

func TestDaemon_ShutdownWithoutStart(t *testing.T) {
	d, _ := newTestDaemon(t, shortBaseDir(t), testConfig())
	d.Shutdown()
	d.Shutdown()
	select {
	case <-d.Done():
	default:
		t.Fatal("Done not closed after Shutdown")
	}
}

func TestDaemon_SecondInstanceRefused(t *testing.T) {
	base := shortBaseDir(t)
	startDaemon(t, base, testConfig())

	other, _ := newTestDaemon(t, base, testConfig())
	err := other.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon lock")
}

func TestDaemon_EnqueueExecutesViaUDS(t *testing.T) {
	d, client := startDaemon(t, shortBaseDir(t), testConfig())

	var res EnqueueResult
	require.NoError(t, client.Call("enqueue", IntentRequest{
		Action:     "rename_channel",
		ResourceID: "chan-1",
		GuildID:    "guild-1",
		Payload:    map[string]any{"name": "lobby"},
	}, &res))
	assert.True(t, res.Accepted)
	assert.NotEmpty(t, res.ID)

	require.Eventually(t, func() bool {
		return d.dispatcher.Stats().Succeeded == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, d.queue.Size())
}

func TestDaemon_EnqueueErrorsViaUDS(t *testing.T) {
	_, client := startDaemon(t, shortBaseDir(t), testConfig())

	err := client.Call("enqueue", IntentRequest{Action: "explode", ResourceID: "c", GuildID: "g"}, nil)
	var detail *uds.ErrorDetail
	require.True(t, errors.As(err, &detail))
	assert.Equal(t, uds.ErrCodeValidation, detail.Code)

	err = client.Call("cancel", idParams{ID: "int_missing"}, nil)
	require.True(t, errors.As(err, &detail))
	assert.Equal(t, uds.ErrCodeNotFound, detail.Code)

	err = client.Call("lock", LockParams{Resource: "chan-1"}, nil)
	require.True(t, errors.As(err, &detail))
	assert.Equal(t, uds.ErrCodeValidation, detail.Code)
}

func TestDaemon_LockHoldsBackDispatch(t *testing.T) {
	d, client := startDaemon(t, shortBaseDir(t), testConfig())

	var lr LockResult
	require.NoError(t, client.Call("lock", LockParams{Resource: "chan-1", Holder: "panel", DurationMs: 60000}, &lr))
	assert.True(t, lr.OK)
	assert.Equal(t, "panel", lr.Holder)

	var res EnqueueResult
	require.NoError(t, client.Call("enqueue", IntentRequest{Action: "lock_channel", ResourceID: "chan-1", GuildID: "g1"}, &res))

	var peeked model.Intent
	require.NoError(t, client.Call("peek", nil, &peeked))
	assert.Equal(t, res.ID, peeked.ID)

	var locks []lock.Lock
	require.NoError(t, client.Call("locks", nil, &locks))
	require.Len(t, locks, 1)
	assert.Equal(t, "chan-1", locks[0].ResourceKey)

	// Someone else cannot take or drop it.
	require.NoError(t, client.Call("lock", LockParams{Resource: "chan-1", Holder: "other"}, &lr))
	assert.False(t, lr.OK)
	require.NoError(t, client.Call("unlock", LockParams{Resource: "chan-1", Holder: "other"}, &lr))
	assert.False(t, lr.OK)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.queue.Size())

	require.NoError(t, client.Call("unlock", LockParams{Resource: "chan-1", Holder: "panel"}, &lr))
	assert.True(t, lr.OK)
	require.Eventually(t, func() bool {
		return d.dispatcher.Stats().Succeeded == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDaemon_CancelAndStats(t *testing.T) {
	_, client := startDaemon(t, shortBaseDir(t), testConfig())

	require.NoError(t, client.Call("lock", LockParams{Resource: "chan-9", Holder: "panel"}, nil))
	var res EnqueueResult
	require.NoError(t, client.Call("enqueue", IntentRequest{Action: "hide_channel", ResourceID: "chan-9", GuildID: "g9", Priority: "low"}, &res))

	var m Metrics
	require.NoError(t, client.Call("stats", nil, &m))
	assert.Equal(t, 1, m.Queue.Size)
	assert.Equal(t, 1, m.Queue.ByGuild["g9"])
	assert.Equal(t, 1, m.ActiveLocks)
	assert.False(t, m.Governor.Emergency)

	var est map[string]any
	require.NoError(t, client.Call("estimate", estimateParams{Priority: "droppable"}, &est))
	assert.Equal(t, "droppable", est["priority"])

	require.NoError(t, client.Call("cancel", idParams{ID: res.ID}, nil))
	require.NoError(t, client.Call("stats", nil, &m))
	assert.Equal(t, 0, m.Queue.Size)

	var released LockResult
	require.NoError(t, client.Call("force_release", LockParams{Resource: "chan-9"}, &released))
	assert.True(t, released.OK)
	assert.Empty(t, released.Holder)
}

func TestDaemon_ShutdownSavesAndRestartRestores(t *testing.T) {
	base := shortBaseDir(t)
	cfg := testConfig()

	d, client := startDaemon(t, base, cfg)
	require.NoError(t, client.Call("lock", LockParams{Resource: "chan-1", Holder: "panel", DurationMs: 60000}, nil))
	var res EnqueueResult
	require.NoError(t, client.Call("enqueue", IntentRequest{
		Action:     "rename_channel",
		ResourceID: "chan-1",
		GuildID:    "g1",
		Payload:    map[string]any{"name": "after-restart"},
		TTLSec:     600,
	}, &res))

	var ack map[string]string
	require.NoError(t, client.Call("shutdown", nil, &ack))
	assert.Equal(t, "shutdown_accepted", ack["status"])
	select {
	case <-d.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}

	data, err := os.ReadFile(filepath.Join(base, "state", "queue.json"))
	require.NoError(t, err)
	var dump []model.QueuedIntent
	require.NoError(t, json.Unmarshal(data, &dump))
	require.Len(t, dump, 1)
	assert.Equal(t, res.ID, dump[0].Intent.ID)

	_, err = os.Stat(filepath.Join(base, uds.DefaultSocketName))
	assert.True(t, os.IsNotExist(err))

	// Locks are not persisted, so the restored intent runs.
	d2, _ := startDaemon(t, base, cfg)
	require.Eventually(t, func() bool {
		return d2.dispatcher.Stats().Succeeded == 1
	}, 5*time.Second, 10*time.Millisecond)
	_, err = os.Stat(filepath.Join(base, "state", "queue.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestDaemon_WritesMetricsAndDashboard(t *testing.T) {
	base := shortBaseDir(t)
	startDaemon(t, base, testConfig())

	data, err := os.ReadFile(filepath.Join(base, "state", "metrics.yaml"))
	require.NoError(t, err)
	var m Metrics
	require.NoError(t, yamlv3.Unmarshal(data, &m))
	assert.Equal(t, 1, m.SchemaVersion)
	assert.Equal(t, "state_metrics", m.FileType)
	assert.NotEmpty(t, m.DaemonHeartbeat)
	assert.Equal(t, 500, m.Queue.Capacity)

	dash, err := os.ReadFile(filepath.Join(base, "dashboard.md"))
	require.NoError(t, err)
	assert.Contains(t, string(dash), "# tempvoice Dashboard")
	assert.Contains(t, string(dash), "| droppable | 0 |")
}

func TestRenderDashboard_GuildsAndEmergency(t *testing.T) {
	var m Metrics
	m.Queue.ByGuild = map[string]int{"g-small": 1, "g-big": 4}
	m.Governor.Emergency = true
	m.Governor.EmergencyRemainingMs = 1500

	out := renderDashboard(m)
	assert.Less(t, strings.Index(out, "g-big"), strings.Index(out, "g-small"))
	assert.Contains(t, out, "EMERGENCY MODE")
	assert.Contains(t, out, "1500ms")
}
