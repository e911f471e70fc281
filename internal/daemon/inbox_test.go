package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInboxDaemon(t *testing.T) *Daemon {
	t.Helper()
	d, _ := newTestDaemon(t, shortBaseDir(t), testConfig())
	require.NoError(t, os.MkdirAll(d.inbox.Dir(), 0755))
	return d
}

func writeInbox(t *testing.T, d *Daemon, name, content string) string {
	t.Helper()
	path := filepath.Join(d.inbox.Dir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func quarantined(t *testing.T, d *Daemon) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(d.inbox.Dir(), quarantineDirName))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestInbox_SingleIntent(t *testing.T) {
	d := newInboxDaemon(t)
	path := writeInbox(t, d, "rename.yaml", `
action: rename_channel
resource_id: chan-1
guild_id: guild-1
priority: high
payload:
  name: lobby
`)
	d.inbox.HandleFile(path)

	assert.Equal(t, 1, d.queue.Size())
	assert.Equal(t, 1, d.queue.GuildSize("guild-1"))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, quarantined(t, d))

	head := d.queue.Peek()
	require.NotNil(t, head)
	assert.Equal(t, "high", head.Priority.String())
	assert.JSONEq(t, `{"name":"lobby"}`, string(head.Payload))
}

func TestInbox_ListOfIntents(t *testing.T) {
	d := newInboxDaemon(t)
	path := writeInbox(t, d, "batch.yaml", `
- action: lock_channel
  resource_id: chan-1
  guild_id: guild-1
- action: set_user_limit
  resource_id: chan-2
  guild_id: guild-1
  priority: 4
  payload:
    limit: 5
- id: int_fixed
  action: kick_member
  resource_id: chan-3
  guild_id: guild-2
  payload:
    userId: u-1
`)
	d.inbox.HandleFile(path)

	assert.Equal(t, 3, d.queue.Size())
	assert.True(t, d.queue.Has("int_fixed"))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestInbox_RejectedIntentStillConsumesFile(t *testing.T) {
	d := newInboxDaemon(t)
	path := writeInbox(t, d, "dup.yaml", `
- action: lock_channel
  resource_id: chan-1
  guild_id: guild-1
- action: lock_channel
  resource_id: chan-1
  guild_id: guild-1
`)
	d.inbox.HandleFile(path)

	assert.Equal(t, 1, d.queue.Size())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, quarantined(t, d))
}

func TestInbox_QuarantinesInvalidFiles(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"broken yaml", "action: [unterminated"},
		{"scalar document", "just a string"},
		{"empty list", "[]"},
		{"unknown action", "action: explode\nresource_id: c\nguild_id: g\n"},
		{"one bad entry", `
- action: lock_channel
  resource_id: chan-1
  guild_id: guild-1
- action: set_bitrate
  resource_id: chan-2
  guild_id: guild-1
  payload:
    bitrate: 1
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newInboxDaemon(t)
			path := writeInbox(t, d, "bad.yaml", tt.content)
			d.inbox.HandleFile(path)

			assert.Equal(t, 0, d.queue.Size(), "nothing from a rejected file is admitted")
			_, err := os.Stat(path)
			assert.True(t, os.IsNotExist(err))
			assert.Len(t, quarantined(t, d), 1)
		})
	}
}

func TestInbox_IgnoresForeignAndEmptyFiles(t *testing.T) {
	d := newInboxDaemon(t)
	tmp := writeInbox(t, d, "pending.yaml.tmp", "action: lock_channel\n")
	hidden := writeInbox(t, d, ".hidden.yaml", "action: lock_channel\n")
	empty := writeInbox(t, d, "empty.yaml", "  \n")

	d.inbox.HandleFile(tmp)
	d.inbox.HandleFile(hidden)
	d.inbox.HandleFile(empty)
	d.inbox.HandleFile(filepath.Join(d.inbox.Dir(), "gone.yaml"))

	for _, p := range []string{tmp, hidden, empty} {
		_, err := os.Stat(p)
		assert.NoError(t, err, p)
	}
	assert.Equal(t, 0, d.queue.Size())
	assert.Empty(t, quarantined(t, d))
}

func TestInbox_ScanProcessesInNameOrder(t *testing.T) {
	d := newInboxDaemon(t)
	writeInbox(t, d, "b.yaml", "id: int_b\naction: lock_channel\nresource_id: chan-b\nguild_id: g\n")
	writeInbox(t, d, "a.yaml", "id: int_a\naction: lock_channel\nresource_id: chan-a\nguild_id: g\n")
	writeInbox(t, d, "notes.txt", "ignored")

	assert.Equal(t, 2, d.inbox.Scan())
	assert.Equal(t, 2, d.queue.Size())
	// Same priority: FIFO, so a.yaml was admitted first.
	assert.Equal(t, "int_a", d.queue.Peek().ID)
	_, err := os.Stat(filepath.Join(d.inbox.Dir(), "notes.txt"))
	assert.NoError(t, err)
}

func TestDecodeInbox(t *testing.T) {
	reqs, err := decodeInbox([]byte("action: lock_channel\nresource_id: c\nguild_id: g\nttl_sec: 30\n"))
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, 30, reqs[0].TTLSec)

	_, err = decodeInbox([]byte("# only a comment\n"))
	assert.Error(t, err)
}
