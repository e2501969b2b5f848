// Package config loads loftsync settings from a YAML file, validates them
// against an embedded JSON Schema and applies LOFTSYNC_* environment
// overrides.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://loftsync.dev/config.schema.json"

// Defaults.
const (
	DefaultLocalDB           = "loftsync.db"
	DefaultStorage           = ".loftsync/docs"
	DefaultRetries           = 3
	DefaultProvenanceTimeout = 500 * time.Millisecond
	DefaultKeep              = 16
)

// Config is the resolved configuration.
type Config struct {
	LocalDB   string    `yaml:"local_db" json:"local_db"`
	Storage   string    `yaml:"storage" json:"storage"`
	Remote    Remote    `yaml:"remote" json:"remote"`
	Collab    Collab    `yaml:"collab" json:"collab"`
	Log       Log       `yaml:"log" json:"log"`
	Hydration Hydration `yaml:"hydration" json:"hydration"`
	Registry  Registry  `yaml:"registry" json:"registry"`
}

// Remote selects the cloud side. URL targets an HTTP server; DSN opens a
// storage provider directly as the cloud store. With neither set the cloud
// is an in-process memory store.
type Remote struct {
	URL     string `yaml:"url" json:"url,omitempty"`
	Token   string `yaml:"token" json:"token,omitempty"`
	DSN     string `yaml:"dsn" json:"dsn,omitempty"`
	Retries int    `yaml:"retries" json:"retries"`
}

// Collab configures the live channel.
type Collab struct {
	URL string `yaml:"url" json:"url,omitempty"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Hydration tunes the hydration service.
type Hydration struct {
	ProvenanceTimeout time.Duration `yaml:"provenance_timeout" json:"provenance_timeout"`
}

// Registry tunes instance eviction.
type Registry struct {
	Keep int `yaml:"keep" json:"keep"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		LocalDB:   DefaultLocalDB,
		Storage:   DefaultStorage,
		Remote:    Remote{Retries: DefaultRetries},
		Log:       Log{Level: "info", Format: "text"},
		Hydration: Hydration{ProvenanceTimeout: DefaultProvenanceTimeout},
		Registry:  Registry{Keep: DefaultKeep},
	}
}

// ValidationError reports a configuration that does not match the schema.
type ValidationError struct {
	Path string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config %s: %v", e.Path, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Load reads path (if non-empty), then applies environment overrides.
// A missing path is an error; an empty path yields Default plus env.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				verr.Path = path
			}
			return Config{}, err
		}
	}
	ApplyEnv(&cfg, os.LookupEnv)
	return cfg, nil
}

// Parse validates data against the schema and decodes it over cfg.
func Parse(data []byte, cfg *Config) error {
	if err := validate(data); err != nil {
		return &ValidationError{Path: "<inline>", Err: err}
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func validate(data []byte) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if raw == nil {
		return nil
	}
	// Round trip through JSON so the validator sees JSON types.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("convert yaml: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}

func compiledSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	return c.Compile(schemaURL)
}

// ApplyEnv overrides cfg from LOFTSYNC_* variables. Malformed numeric or
// duration values are logged and ignored.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("LOFTSYNC_LOCAL_DB", &cfg.LocalDB)
	str("LOFTSYNC_STORAGE", &cfg.Storage)
	str("LOFTSYNC_REMOTE_URL", &cfg.Remote.URL)
	str("LOFTSYNC_REMOTE_TOKEN", &cfg.Remote.Token)
	str("LOFTSYNC_REMOTE_DSN", &cfg.Remote.DSN)
	str("LOFTSYNC_COLLAB_URL", &cfg.Collab.URL)
	str("LOFTSYNC_LOG_LEVEL", &cfg.Log.Level)
	str("LOFTSYNC_LOG_FORMAT", &cfg.Log.Format)

	if raw, ok := lookup("LOFTSYNC_PROVENANCE_TIMEOUT"); ok && raw != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil || d <= 0 {
			slog.Warn("ignoring invalid env", "name", "LOFTSYNC_PROVENANCE_TIMEOUT", "value", raw)
		} else {
			cfg.Hydration.ProvenanceTimeout = d
		}
	}
	intEnv := func(name string, dst *int) {
		raw, ok := lookup(name)
		if !ok || raw == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n < 0 {
			slog.Warn("ignoring invalid env", "name", name, "value", raw)
			return
		}
		*dst = n
	}
	intEnv("LOFTSYNC_REMOTE_RETRIES", &cfg.Remote.Retries)
	intEnv("LOFTSYNC_REGISTRY_KEEP", &cfg.Registry.Keep)
}

// SlogLevel maps Level to a slog level; unknown values are info.
func (l Log) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
