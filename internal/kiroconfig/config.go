// Package kiroconfig defines the configuration shapes the core packages
// consume directly: region, request-fingerprint overrides, outbound
// proxy, the token-counting delegate, and credential storage selection.
// Loading these from a file or flags is out of scope; this package only
// defines and validates the struct shape, the way
// internal/config.SDKConfig defines the server's own settings.
package kiroconfig

import (
	"github.com/kirobridge/kirobridge/internal/kiroerr"
	"gopkg.in/yaml.v3"
)

// CredentialStorageType selects which credstore.Store backing is active.
type CredentialStorageType string

const (
	CredentialStorageFile     CredentialStorageType = "file"
	CredentialStorageDatabase CredentialStorageType = "database"
)

// FingerprintOverrides holds the request-fingerprint values spec.md §6
// names: kiroVersion, machineId, systemVersion, nodeVersion. MachineID
// empty means derive one per credential (see kiroproto.ResolveMachineID).
type FingerprintOverrides struct {
	KiroVersion   string `yaml:"kiroVersion,omitempty" json:"kiroVersion,omitempty"`
	MachineID     string `yaml:"machineId,omitempty" json:"machineId,omitempty"`
	SystemVersion string `yaml:"systemVersion,omitempty" json:"systemVersion,omitempty"`
	NodeVersion   string `yaml:"nodeVersion,omitempty" json:"nodeVersion,omitempty"`
}

// ProxyConfig is the outbound proxy spec.md §6 names (proxyUrl/
// proxyUsername/proxyPassword). Empty URL means no proxy.
type ProxyConfig struct {
	URL      string `yaml:"proxyUrl,omitempty" json:"proxyUrl,omitempty"`
	Username string `yaml:"proxyUsername,omitempty" json:"proxyUsername,omitempty"`
	Password string `yaml:"proxyPassword,omitempty" json:"proxyPassword,omitempty"`
}

// CountTokensConfig points at the external token-counting delegate
// spec.md §6 allows `/v1/messages/count_tokens` to be handed off to.
// A zero value means the server must count tokens itself.
type CountTokensConfig struct {
	APIURL   string `yaml:"countTokensApiUrl,omitempty" json:"countTokensApiUrl,omitempty"`
	APIKey   string `yaml:"countTokensApiKey,omitempty" json:"countTokensApiKey,omitempty"`
	AuthType string `yaml:"countTokensAuthType,omitempty" json:"countTokensAuthType,omitempty"`
}

// PostgresConfig is the connection shape for credentialStorageType=database.
type PostgresConfig struct {
	DatabaseURL    string `yaml:"databaseUrl" json:"databaseUrl"`
	TableName      string `yaml:"tableName,omitempty" json:"tableName,omitempty"`
	MaxConnections int    `yaml:"maxConnections,omitempty" json:"maxConnections,omitempty"`
}

// CredentialStorageConfig selects and configures the credstore.Store
// backing. FilePath is only meaningful when Type is
// CredentialStorageFile; Postgres is only meaningful when Type is
// CredentialStorageDatabase.
type CredentialStorageConfig struct {
	Type     CredentialStorageType `yaml:"credentialStorageType" json:"credentialStorageType"`
	FilePath string                `yaml:"credentialFilePath,omitempty" json:"credentialFilePath,omitempty"`
	Postgres PostgresConfig        `yaml:"postgres,omitempty" json:"postgres,omitempty"`
}

// Config is the full recognized configuration set from spec.md §6. A
// single source of truth is assumed; there is no merge-precedence logic
// here because parsing and layering config sources is out of scope.
type Config struct {
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	APIKey string `yaml:"apiKey" json:"apiKey"`
	Region string `yaml:"region" json:"region"`

	Fingerprint FingerprintOverrides `yaml:"fingerprint,omitempty" json:"fingerprint,omitempty"`
	Proxy       ProxyConfig          `yaml:"proxy,omitempty" json:"proxy,omitempty"`
	CountTokens CountTokensConfig    `yaml:"countTokens,omitempty" json:"countTokens,omitempty"`

	AdminAPIKey string `yaml:"adminApiKey,omitempty" json:"adminApiKey,omitempty"`

	CredentialStorage          CredentialStorageConfig `yaml:"credentialStorage" json:"credentialStorage"`
	CredentialSyncIntervalSecs int                      `yaml:"credentialSyncIntervalSecs,omitempty" json:"credentialSyncIntervalSecs,omitempty"`
}

// Validate checks the fields spec.md §7 requires before accepting
// traffic (KindConfigError, fatal at startup).
func (c *Config) Validate() error {
	if c.Region == "" {
		return kiroerr.New(kiroerr.KindConfigError, "region is required")
	}
	if c.APIKey == "" {
		return kiroerr.New(kiroerr.KindConfigError, "apiKey is required")
	}
	switch c.CredentialStorage.Type {
	case CredentialStorageFile:
		if c.CredentialStorage.FilePath == "" {
			return kiroerr.New(kiroerr.KindConfigError, "credentialFilePath is required when credentialStorageType is file")
		}
	case CredentialStorageDatabase:
		if c.CredentialStorage.Postgres.DatabaseURL == "" {
			return kiroerr.New(kiroerr.KindConfigError, "postgres.databaseUrl is required when credentialStorageType is database")
		}
	default:
		return kiroerr.New(kiroerr.KindConfigError, "credentialStorageType must be \"file\" or \"database\"")
	}
	return nil
}

// Dump renders the effective config as YAML, the shape an admin
// diagnostics surface would echo back with secrets already in place
// (callers are responsible for redacting APIKey/AdminAPIKey/
// Postgres.DatabaseURL before exposing this outside a trusted operator).
func (c *Config) Dump() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, kiroerr.Wrap(kiroerr.KindConfigError, "failed to render config as yaml", err)
	}
	return out, nil
}

// ParseYAML parses raw YAML bytes into a Config. Locating and reading the
// underlying file or flag source is out of scope; this is the shared
// decode step a future loader would call after obtaining the bytes.
func ParseYAML(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, kiroerr.Wrap(kiroerr.KindConfigError, "failed to parse config yaml", err)
	}
	return &c, nil
}
