package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration parsed from YAML. The
// server and client sections are independent; each command validates only
// the section it uses.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
}

// ServerConfig defines the relay server listener and its upstreams.
type ServerConfig struct {
	Port      int             `yaml:"port"`
	Upstreams UpstreamsConfig `yaml:"upstreams"`

	// TrialKey is substituted when a request arrives without a credential.
	TrialKey string `yaml:"trial_key"`

	// IndexerBaseURL is the external document indexer, proxied verbatim.
	IndexerBaseURL string `yaml:"indexer_base_url"`

	// SpeechBaseURL is the external transcription service, proxied verbatim.
	SpeechBaseURL string `yaml:"speech_base_url"`
}

// UpstreamsConfig names the provider hosts the adapter targets.
type UpstreamsConfig struct {
	OpenAIBaseURL    string `yaml:"openai_base_url"`
	AnthropicBaseURL string `yaml:"anthropic_base_url"`
	AnthropicVersion string `yaml:"anthropic_version"`
}

// ClientConfig defines the terminal client. Temperature is a pointer so an
// explicit 0.0 in the file survives; only an absent key gets the default.
type ClientConfig struct {
	RelayURL    string   `yaml:"relay_url"`
	KeyPool     string   `yaml:"key_pool"`
	Model       string   `yaml:"model"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`

	// HistoryPath locates the sqlite database for finalized messages.
	HistoryPath string `yaml:"history_path"`

	// RevealIntervalMS is the smooth-render tick in milliseconds.
	RevealIntervalMS int `yaml:"reveal_interval_ms"`

	// CollapseThreshold is the rune count past which the first message in
	// a thread renders collapsed.
	CollapseThreshold int `yaml:"collapse_threshold"`
}

// RevealInterval returns the render tick as a duration.
func (c ClientConfig) RevealInterval() time.Duration {
	return time.Duration(c.RevealIntervalMS) * time.Millisecond
}

// Load reads YAML configuration from disk and applies defaults. The key
// pool may also be injected via the CHATSTREAM_KEY_POOL environment
// variable, which takes precedence over the file.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	cfg.applyDefaults()

	if pool := os.Getenv("CHATSTREAM_KEY_POOL"); pool != "" {
		cfg.Client.KeyPool = pool
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Client.RelayURL == "" {
		c.Client.RelayURL = fmt.Sprintf("http://127.0.0.1:%d", c.Server.Port)
	}
	if c.Client.Temperature == nil {
		v := 0.7
		c.Client.Temperature = &v
	}
	if c.Client.HistoryPath == "" {
		c.Client.HistoryPath = "chatstream.db"
	}
	if c.Client.RevealIntervalMS == 0 {
		c.Client.RevealIntervalMS = 16
	}
	if c.Client.CollapseThreshold == 0 {
		c.Client.CollapseThreshold = 4000
	}
}

// ValidateServer performs strict sanity checks on the server section.
func (c Config) ValidateServer() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	for name, url := range map[string]string{
		"server.upstreams.openai_base_url":    c.Server.Upstreams.OpenAIBaseURL,
		"server.upstreams.anthropic_base_url": c.Server.Upstreams.AnthropicBaseURL,
		"server.indexer_base_url":             c.Server.IndexerBaseURL,
		"server.speech_base_url":              c.Server.SpeechBaseURL,
	} {
		if url == "" {
			continue
		}
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return fmt.Errorf("%s must be an http(s) URL, got %q", name, url)
		}
	}
	return nil
}

// ValidateClient performs strict sanity checks on the client section.
func (c Config) ValidateClient() error {
	if strings.TrimSpace(c.Client.RelayURL) == "" {
		return fmt.Errorf("client.relay_url must be provided")
	}
	if !strings.HasPrefix(c.Client.RelayURL, "http://") && !strings.HasPrefix(c.Client.RelayURL, "https://") {
		return fmt.Errorf("client.relay_url must be an http(s) URL, got %q", c.Client.RelayURL)
	}
	if strings.TrimSpace(c.Client.Model) == "" {
		return fmt.Errorf("client.model must be provided")
	}
	if t := c.Client.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("client.temperature must be within [0.0, 2.0], got %v", *t)
	}
	if c.Client.MaxTokens < 0 {
		return fmt.Errorf("client.max_tokens must not be negative, got %d", c.Client.MaxTokens)
	}
	if c.Client.RevealIntervalMS < 0 {
		return fmt.Errorf("client.reveal_interval_ms must not be negative, got %d", c.Client.RevealIntervalMS)
	}
	return nil
}
