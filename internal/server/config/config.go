// Package config handles configuration for the server component: typed
// runtime settings plus the free-form dotted settings (signer.*, changes.*,
// cache policies). Values are applied in the order defaults, JSON file,
// environment, command-line flags.
package config

import "time"

// Config holds runtime settings for the Remote Settings server.
//
// Fields:
//   - HTTPAddr / GRPCAddr: bind addresses of the HTTP API and the gRPC health service.
//   - HTTPScheme / HTTPHost: public origin, used in monitor entries and redirects.
//   - DatabaseDSN: PostgreSQL DSN (pgx). Empty selects the in-memory backend.
//   - ReadOnly: refuse every write and never initialise timestamps.
//   - CacheBackend / RedisURL: "memory" or "redis".
//   - SecretKey: HMAC secret for bearer tokens (HS256). Do not use test defaults in prod.
//   - Accounts: basic-auth users mapped to bcrypt hashes.
//   - S3*: destination of exported changesets; export is off when S3Bucket is empty.
//   - Settings: dotted settings, see Settings.
type Config struct {
	HTTPAddr                    string
	GRPCAddr                    string
	HTTPScheme                  string
	HTTPHost                    string
	DatabaseDSN                 string
	ReadOnly                    bool
	CacheBackend                string
	RedisURL                    string
	SecretKey                   string
	AccessTokenValidityDuration time.Duration
	Accounts                    map[string]string
	S3RootUser                  string
	S3RootPassword              string
	S3Bucket                    string
	S3Region                    string
	S3BaseEndpoint              string
	S3Prefix                    string
	SentryDSN                   string
	LogLevel                    string
	LogFormat                   string
	HeartbeatInterval           time.Duration
	ShutdownTimeout             time.Duration
	Settings                    Settings
}

// LoadDefaults populates Config with development defaults.
// NOTE: These values are insecure for production and should be overridden.
func (c *Config) LoadDefaults() {
	c.HTTPAddr = ":8888"
	c.GRPCAddr = ":50051"
	c.HTTPScheme = "http"
	c.HTTPHost = "localhost:8888"
	c.CacheBackend = "memory"
	c.SecretKey = "secretKey"
	c.AccessTokenValidityDuration = 60 * time.Minute
	c.Accounts = map[string]string{}
	c.S3Region = "us-east-1"
	c.S3Prefix = "changesets"
	c.LogLevel = "info"
	c.HeartbeatInterval = 30 * time.Second
	c.ShutdownTimeout = 10 * time.Second
	c.Settings = Settings{}
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file, the environment and finally command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseEnv(cfg)
	parseFlags(cfg)
	return cfg
}
