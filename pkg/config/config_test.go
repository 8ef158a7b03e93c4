package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coordinator/pkg/coorderr"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Cleanup(Reset)
	require.NoError(t, LoadConfig(""))

	cfg, err := GetConfig()
	require.NoError(t, err)
	assert.Equal(t, "30m", cfg.Locks.TTL)
	assert.Equal(t, "10m", cfg.Executor.Deadline)
	assert.InDelta(t, 0.2, cfg.Metrics.EWMAAlpha, 0.0001)
	assert.Equal(t, ":8090", cfg.ListenAddr)
}

func TestGetConfigBeforeLoad(t *testing.T) {
	t.Cleanup(Reset)
	Reset()
	_, err := GetConfig()
	assert.True(t, coorderr.Is(err, coorderr.KindInvalidConfiguration))
}

func TestLoadConfigFromFile(t *testing.T) {
	t.Cleanup(Reset)
	path := writeConfig(t, `
agents:
  - id: claude-backend
    provider: claude
    capabilities: [code-generation, testing]
    max_load: 3
  - id: gpt4-review
    provider: gpt4
    capabilities: [review]
    max_load: 2
locks:
  ttl: 15m
gates:
  checks:
    - name: eslint
    - name: custom-lint
      command: ./lint.sh
      timeout: 30s
`)

	require.NoError(t, LoadConfig(path))
	cfg, err := GetConfig()
	require.NoError(t, err)
	assert.Len(t, cfg.Agents, 2)
	assert.Equal(t, "15m", cfg.Locks.TTL)
	assert.Equal(t, "1m", cfg.Locks.SweepInterval, "defaults survive partial files")
	assert.Len(t, cfg.Gates.Checks, 2)
}

func TestLoadConfigRejectsDuplicateAgents(t *testing.T) {
	t.Cleanup(Reset)
	path := writeConfig(t, `
agents:
  - id: dup
    capabilities: [review]
  - id: dup
    capabilities: [testing]
`)
	err := LoadConfig(path)
	assert.True(t, coorderr.Is(err, coorderr.KindInvalidConfiguration))
}

func TestLoadConfigRejectsAgentWithoutCapabilities(t *testing.T) {
	t.Cleanup(Reset)
	path := writeConfig(t, `
agents:
  - id: empty
    capabilities: []
`)
	err := LoadConfig(path)
	assert.True(t, coorderr.Is(err, coorderr.KindInvalidConfiguration))
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	t.Cleanup(Reset)
	path := writeConfig(t, `
locks:
  ttl: soon
`)
	err := LoadConfig(path)
	assert.True(t, coorderr.Is(err, coorderr.KindInvalidConfiguration))
}

func TestLoadConfigRejectsBadAlpha(t *testing.T) {
	t.Cleanup(Reset)
	path := writeConfig(t, `
metrics:
  ewma_alpha: 1.5
`)
	err := LoadConfig(path)
	assert.True(t, coorderr.Is(err, coorderr.KindInvalidConfiguration))
}

func TestInvalidFileKeepsPreviousConfig(t *testing.T) {
	t.Cleanup(Reset)
	require.NoError(t, LoadConfig(""))

	bad := writeConfig(t, "gates:\n  parallelism: -1\n")
	require.Error(t, LoadConfig(bad))

	cfg, err := GetConfig()
	require.NoError(t, err)
	assert.Equal(t, "30m", cfg.Locks.TTL, "previous config stays installed")
}

func TestDurationHelper(t *testing.T) {
	assert.Equal(t, 5*time.Minute, Duration("5m", time.Hour))
	assert.Equal(t, time.Hour, Duration("", time.Hour))
	assert.Equal(t, time.Hour, Duration("garbage", time.Hour))
}
