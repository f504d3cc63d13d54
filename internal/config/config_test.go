package config

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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
client:
  model: gpt-4o
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "http://127.0.0.1:9090", cfg.Client.RelayURL)
	require.NotNil(t, cfg.Client.Temperature)
	assert.Equal(t, 0.7, *cfg.Client.Temperature)
	assert.Equal(t, 16*time.Millisecond, cfg.Client.RevealInterval())
	assert.Equal(t, 4000, cfg.Client.CollapseThreshold)
	assert.NoError(t, cfg.ValidateServer())
	assert.NoError(t, cfg.ValidateClient())
}

func TestLoadKeepsExplicitZeroTemperature(t *testing.T) {
	path := writeConfig(t, `
client:
  model: gpt-4o
  temperature: 0.0
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.Client.Temperature)
	assert.Equal(t, 0.0, *cfg.Client.Temperature)
	assert.NoError(t, cfg.ValidateClient())
}

func TestLoadEnvKeyPoolOverridesFile(t *testing.T) {
	path := writeConfig(t, `
client:
  model: gpt-4o
  key_pool: file-key
`)

	t.Setenv("CHATSTREAM_KEY_POOL", "env-key-1,env-key-2")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-key-1,env-key-2", cfg.Client.KeyPool)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateServerRejectsBadPort(t *testing.T) {
	cfg := Config{}
	cfg.Server.Port = 70000
	assert.Error(t, cfg.ValidateServer())
}

func TestValidateServerRejectsNonHTTPUpstream(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	cfg.Server.Upstreams.OpenAIBaseURL = "ftp://api.example"
	assert.Error(t, cfg.ValidateServer())
}

func TestValidateClient(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing model", mutate: func(c *Config) { c.Client.Model = "" }, wantErr: true},
		{name: "missing relay url", mutate: func(c *Config) { c.Client.RelayURL = "" }, wantErr: true},
		{name: "non-http relay url", mutate: func(c *Config) { c.Client.RelayURL = "relay.local" }, wantErr: true},
		{name: "temperature too high", mutate: func(c *Config) { v := 2.5; c.Client.Temperature = &v }, wantErr: true},
		{name: "temperature zero is valid", mutate: func(c *Config) { v := 0.0; c.Client.Temperature = &v }},
		{name: "negative max tokens", mutate: func(c *Config) { c.Client.MaxTokens = -1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{}
			cfg.Client.Model = "gpt-4o"
			cfg.applyDefaults()
			tt.mutate(&cfg)

			err := cfg.ValidateClient()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
