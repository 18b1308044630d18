package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfigCreatesDefault(t *testing.T) {
	for _, name := range []string{"config.json", "config.yaml"} {
		path := filepath.Join(t.TempDir(), name)

		cfg, err := ReadConfig(path)
		require.ErrorIs(t, err, ErrConfigCreated)
		assert.Equal(t, Default(), cfg)

		_, statErr := os.Stat(path)
		require.NoError(t, statErr, "默认配置文件应已创建")

		cfg, err = ReadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	}
}

func TestReadConfigJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
	"server": {"host": "127.0.0.1", "port": 6000, "auth_tokens": ["secret"]},
	"client": {"retry_delay": "1s", "auth_data": {"token": "secret"}},
	"database": {"enabled": true},
	"debug_mode": true
}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := ReadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 6000, cfg.Server.Port)
	assert.Equal(t, []string{"secret"}, cfg.Server.AuthTokens)
	assert.Equal(t, 6000, cfg.Client.Port)
	assert.Equal(t, "1s", cfg.Client.RetryDelay)
	assert.Equal(t, map[string]string{"token": "secret"}, cfg.Client.AuthData)
	assert.True(t, cfg.Database.Enabled)
	assert.Equal(t, uint64(27017), cfg.Database.Port)
	assert.True(t, cfg.DebugMode)
}

func TestReadConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	data := `
server:
  port: 7000
  require_client_cert: true
admin:
  http_address: ":9090"
log_dir: /tmp/cc-logs
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := ReadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.True(t, cfg.Server.RequireClientCert)
	assert.Equal(t, ":9090", cfg.Admin.HttpAddress)
	assert.Equal(t, "/tmp/cc-logs", cfg.LogDir)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
}

func TestReadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	_, err := ReadConfig(path)
	assert.ErrorIs(t, err, ErrConfigInvalid)
}
