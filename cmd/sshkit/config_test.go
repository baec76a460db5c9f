package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sshkit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
host: bastion.example.com
user: deploy
auth:
  password: hunter2
timeout:
  connect: 45s
  operation: 10s
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "bastion.example.com", cfg.Host)
	assert.Equal(t, 22, cfg.Port, "default port applies")
	assert.Equal(t, "deploy", cfg.User)
	assert.Equal(t, "hunter2", cfg.Auth.Password)
	assert.Equal(t, 45*time.Second, cfg.Timeout.Connect)
	assert.Equal(t, 10*time.Second, cfg.Timeout.Operation)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
host: h.example.com
user: u
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.Timeout.Connect)
	assert.Equal(t, 30*time.Second, cfg.Timeout.Operation)
}

func TestLoadConfigMissingHost(t *testing.T) {
	path := writeConfig(t, `
user: deploy
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host")
}

func TestLoadConfigInvalidPort(t *testing.T) {
	path := writeConfig(t, `
host: h.example.com
user: u
port: 99999
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
