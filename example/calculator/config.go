package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// config is read from the environment first; command-line flags override it.
type config struct {
	// Transport selector, e.g. stdio://stdout-stdin, sse://127.0.0.1:8080, tcp://127.0.0.1:9090.
	Transport string `env:"MCP_TRANSPORT,default=stdio://stdout-stdin"`
	// Manifest is an optional YAML file listing extra resources to serve.
	Manifest string `env:"MCP_RESOURCE_MANIFEST"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"MCP_LOG_LEVEL,default=info"`
}

// manifest lists resources served next to the built-in ones.
type manifest struct {
	Resources []manifestResource `yaml:"resources"`
}

type manifestResource struct {
	URI         string `yaml:"uri"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	MimeType    string `yaml:"mimeType"`
	// Exactly one of Text and File is set.
	Text string `yaml:"text"`
	File string `yaml:"file"`
}

func loadConfig() (config, error) {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return config{}, fmt.Errorf("failed to decode environment: %w", err)
	}
	return cfg, nil
}

func loadManifest(path string) (manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return manifest{}, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return manifest{}, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if err := m.validate(); err != nil {
		return manifest{}, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return m, nil
}

func (m manifest) validate() error {
	uris := make(map[string]bool)
	for i, res := range m.Resources {
		if res.URI == "" || res.Name == "" {
			return fmt.Errorf("resource %d needs a uri and a name", i)
		}
		if (res.Text == "") == (res.File == "") {
			return fmt.Errorf("resource %s needs exactly one of text and file", res.URI)
		}
		if uris[res.URI] {
			return fmt.Errorf("duplicate resource uri %s", res.URI)
		}
		uris[res.URI] = true
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	// Stdout may carry the protocol, logs always go to stderr.
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
