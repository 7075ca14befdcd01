// Package config loads and validates the bridge configuration.
//
// Configuration lives in a YAML file (config.yaml in the working directory
// by default).  The file is validated against an embedded JSON schema before
// it is decoded, so operators get a precise field-level error instead of a
// zero-valued struct.  The credential fields can additionally be supplied
// through environment variables, which override the file.
package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

// SentinelSecretKey is the placeholder shipped in the example configuration.
// Running with it would let anyone forge OAuth state tokens.
const SentinelSecretKey = "change this before running"

// DefaultDatabasePath is used when database_path is not set.
const DefaultDatabasePath = "database.sqlite3"

// ErrSentinelSecretKey is returned when unique_secret_key was never changed.
var ErrSentinelSecretKey = errors.New(
	"config: unique_secret_key still has its placeholder value; set it to a unique secret string")

// Config holds the full bridge configuration.
type Config struct {
	// UniqueSecretKey signs the OAuth state tokens (HMAC-SHA1).
	UniqueSecretKey string `yaml:"unique_secret_key"`

	// MatrixHomeserverURL is the base URL of the homeserver's client API.
	// A trailing slash is appended when missing.
	MatrixHomeserverURL string `yaml:"matrix_homeserver_url"`

	// MatrixHomeserverDomain is the server_name part of Matrix user IDs.
	MatrixHomeserverDomain string `yaml:"matrix_homeserver_domain"`

	// MatrixBotname is the bot's localpart ("gitterbot") or full user ID
	// ("@gitterbot:example.org"); a full ID must match the homeserver domain.
	MatrixBotname string `yaml:"matrix_botname"`

	// MatrixAppservicePort is where the homeserver pushes event transactions.
	MatrixAppservicePort int `yaml:"matrix_appservice_port"`

	// MatrixAppserviceToken authenticates the bridge to the homeserver.
	MatrixAppserviceToken string `yaml:"matrix_appservice_token"`

	// MatrixHomeserverToken authenticates the homeserver to the bridge.
	MatrixHomeserverToken string `yaml:"matrix_homeserver_token"`

	// GitterLoginPort is where the OAuth web surface listens.
	GitterLoginPort int `yaml:"gitter_login_port"`

	// GitterLoginURL is the externally reachable base URL of the OAuth web
	// surface.  A trailing slash is appended when missing.
	GitterLoginURL string `yaml:"gitter_login_url"`

	// GitterOAuthKey and GitterOAuthSecret are the Gitter OAuth application
	// credentials.
	GitterOAuthKey    string `yaml:"gitter_oauth_key"`
	GitterOAuthSecret string `yaml:"gitter_oauth_secret"`

	// DatabasePath is the SQLite file location.  Defaults to
	// DefaultDatabasePath in the working directory.
	DatabasePath string `yaml:"database_path"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`
}

// Load reads, validates, and normalizes the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a raw YAML payload, validates it against the schema, applies
// environment overrides, and normalizes URLs.
func Parse(data []byte) (*Config, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	cfg.applyEnvOverrides()

	if cfg.UniqueSecretKey == SentinelSecretKey {
		return nil, ErrSentinelSecretKey
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = DefaultDatabasePath
	}
	if !strings.HasSuffix(cfg.MatrixHomeserverURL, "/") {
		cfg.MatrixHomeserverURL += "/"
	}
	if !strings.HasSuffix(cfg.GitterLoginURL, "/") {
		cfg.GitterLoginURL += "/"
	}

	return &cfg, nil
}

// validateSchema checks the YAML document against the embedded JSON schema.
// The YAML is round-tripped through encoding/json so the validator sees the
// value types it expects.
func validateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config: parse yaml: %w", err)
	}

	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config: normalize for validation: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(jsonBytes, &normalized); err != nil {
		return fmt.Errorf("config: normalize for validation: %w", err)
	}

	schema, err := jsonschema.CompileString("schema.json", schemaJSON)
	if err != nil {
		return fmt.Errorf("config: compile schema: %w", err)
	}
	if err := schema.Validate(normalized); err != nil {
		return fmt.Errorf("config: invalid configuration: %w", err)
	}
	return nil
}

// applyEnvOverrides lets credentials come from the environment instead of
// the file, so the file can be committed without secrets.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BRIDGE_SECRET_KEY"); v != "" {
		c.UniqueSecretKey = v
	}
	if v := os.Getenv("MATRIX_APPSERVICE_TOKEN"); v != "" {
		c.MatrixAppserviceToken = v
	}
	if v := os.Getenv("MATRIX_HOMESERVER_TOKEN"); v != "" {
		c.MatrixHomeserverToken = v
	}
	if v := os.Getenv("GITTER_OAUTH_SECRET"); v != "" {
		c.GitterOAuthSecret = v
	}
	if v := os.Getenv("BRIDGE_DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
}
