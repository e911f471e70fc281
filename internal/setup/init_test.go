package setup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/tempvoice/internal/model"
)

func newProject(t *testing.T) string {
	t.Helper()
	projectDir := filepath.Join(t.TempDir(), "myguildbot")
	require.NoError(t, os.Mkdir(projectDir, 0755))
	return projectDir
}

func TestRun_CreatesDirectoryStructure(t *testing.T) {
	projectDir := newProject(t)
	base, err := Run(projectDir, Options{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(projectDir, DirName), base)

	for _, d := range []string{"inbox", "state", "locks", "logs"} {
		info, err := os.Stat(filepath.Join(base, d))
		if assert.NoError(t, err, d) {
			assert.True(t, info.IsDir(), d)
		}
	}
	for _, f := range []string{"config.yaml", "dashboard.md"} {
		info, err := os.Stat(filepath.Join(base, f))
		if assert.NoError(t, err, f) {
			assert.NotZero(t, info.Size(), f)
		}
	}
}

func TestRun_TemplateMatchesDefaults(t *testing.T) {
	base, err := Run(newProject(t), Options{})
	require.NoError(t, err)

	cfg, err := model.LoadConfig(filepath.Join(base, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, model.DefaultConfig(), cfg)

	data, err := os.ReadFile(filepath.Join(base, "config.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "# tempvoice daemon configuration")
}

func TestRun_WebhookOptions(t *testing.T) {
	base, err := Run(newProject(t), Options{WebhookURL: "http://127.0.0.1:8080/intents", AuthToken: "s3cret"})
	require.NoError(t, err)

	cfg, err := model.LoadConfig(filepath.Join(base, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "webhook", cfg.Executor.Mode)
	assert.Equal(t, "http://127.0.0.1:8080/intents", cfg.Executor.WebhookURL)
	assert.Equal(t, "s3cret", cfg.Executor.AuthToken)
	assert.Equal(t, 500, cfg.Queue.GlobalCapacity)
	assert.True(t, cfg.Inbox.Enabled)
}

func TestRun_RefusesExistingDir(t *testing.T) {
	projectDir := newProject(t)
	_, err := Run(projectDir, Options{})
	require.NoError(t, err)

	_, err = Run(projectDir, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestFindDir(t *testing.T) {
	projectDir := newProject(t)
	base, err := Run(projectDir, Options{})
	require.NoError(t, err)

	nested := filepath.Join(projectDir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))
	assert.Equal(t, base, FindDir(nested))
	assert.Equal(t, base, FindDir(projectDir))
	assert.Empty(t, FindDir(t.TempDir()))
}
