package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadDefaults 没有配置文件时使用全部默认值
func TestLoadDefaults(t *testing.T) {
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	defer os.Chdir(cwd)

	cfg, _, err := loadConfigFromFile("")
	require.NoError(t, err)

	assert.Equal(t, ":8443", cfg.Server.ListenAddr)
	assert.Equal(t, 10*time.Second, cfg.Session.InactivityTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Session.ReapGrace)
	assert.Equal(t, "python3", cfg.Analyzer.PythonBin)
	assert.Equal(t, "logs", cfg.Storage.LogsRoot)
	assert.Empty(t, cfg.Archive.DSN)
}

// TestLoadFromFile 配置文件覆盖默认值
func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collector.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen_addr: ":9999"
session:
  inactivity_timeout: 3s
storage:
  logs_root: "/var/lib/telemetry"
`), 0o644))

	cfg, _, err := loadConfigFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.ListenAddr)
	assert.Equal(t, 3*time.Second, cfg.Session.InactivityTimeout)
	assert.Equal(t, "/var/lib/telemetry", cfg.Storage.LogsRoot)
	// 未覆盖的字段保持默认
	assert.Equal(t, "python3", cfg.Analyzer.PythonBin)
}

// TestValidation 非法配置被拒绝
func TestValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collector.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
session:
  inactivity_timeout: 0s
`), 0o644))

	_, _, err := loadConfigFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inactivity_timeout")
}

// TestManagerCaching 管理器缓存已加载的配置
func TestManagerCaching(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collector.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen_addr: ":7777"
`), 0o644))

	cm := NewConfigManager(WithConfigPath(path))

	cfg1, err := cm.Get()
	require.NoError(t, err)
	cfg2, err := cm.Get()
	require.NoError(t, err)
	assert.Same(t, cfg1, cfg2)

	require.NoError(t, cm.Reload())
	cfg3, err := cm.Get()
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg3.Server.ListenAddr)
}
