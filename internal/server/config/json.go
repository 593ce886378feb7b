package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/dmitrijs2005/remotesettings/internal/flagx"
	"github.com/dmitrijs2005/remotesettings/internal/timex"
)

// JsonConfig is the DTO read from the JSON configuration file. Durations
// accept both "30s" strings and integer nanoseconds. Settings values may be
// strings, numbers or booleans.
type JsonConfig struct {
	HTTPAddr                    string            `json:"http_addr"`
	GRPCAddr                    string            `json:"grpc_addr"`
	HTTPScheme                  string            `json:"http_scheme"`
	HTTPHost                    string            `json:"http_host"`
	DatabaseDSN                 string            `json:"database_dsn"`
	ReadOnly                    *bool             `json:"readonly"`
	CacheBackend                string            `json:"cache_backend"`
	RedisURL                    string            `json:"redis_url"`
	SecretKey                   string            `json:"secret_key"`
	AccessTokenValidityDuration timex.Duration    `json:"access_token_validity_duration"`
	Accounts                    map[string]string `json:"accounts"`
	S3RootUser                  string            `json:"s3_root_user"`
	S3RootPassword              string            `json:"s3_root_password"`
	S3Bucket                    string            `json:"s3_bucket"`
	S3Region                    string            `json:"s3_region"`
	S3BaseEndpoint              string            `json:"s3_base_endpoint"`
	S3Prefix                    string            `json:"s3_prefix"`
	SentryDSN                   string            `json:"sentry_dsn"`
	LogLevel                    string            `json:"log_level"`
	LogFormat                   string            `json:"log_format"`
	HeartbeatInterval           timex.Duration    `json:"heartbeat_interval"`
	ShutdownTimeout             timex.Duration    `json:"shutdown_timeout"`
	Settings                    map[string]any    `json:"settings"`
}

// parseJson overlays the JSON file named by -c/-config (or the CONFIG
// environment variable) onto config. Only non-empty values are applied.
// An unreadable or invalid file is fatal.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}
	c.apply(config)
}

func (c *JsonConfig) apply(config *Config) {
	setString(&config.HTTPAddr, c.HTTPAddr)
	setString(&config.GRPCAddr, c.GRPCAddr)
	setString(&config.HTTPScheme, c.HTTPScheme)
	setString(&config.HTTPHost, c.HTTPHost)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	if c.ReadOnly != nil {
		config.ReadOnly = *c.ReadOnly
	}
	setString(&config.CacheBackend, c.CacheBackend)
	setString(&config.RedisURL, c.RedisURL)
	setString(&config.SecretKey, c.SecretKey)
	setDuration(&config.AccessTokenValidityDuration, c.AccessTokenValidityDuration)
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	setString(&config.S3Prefix, c.S3Prefix)
	setString(&config.SentryDSN, c.SentryDSN)
	setString(&config.LogLevel, c.LogLevel)
	setString(&config.LogFormat, c.LogFormat)
	setDuration(&config.HeartbeatInterval, c.HeartbeatInterval)
	setDuration(&config.ShutdownTimeout, c.ShutdownTimeout)

	if config.Accounts == nil {
		config.Accounts = map[string]string{}
	}
	for user, hash := range c.Accounts {
		config.Accounts[user] = hash
	}
	if config.Settings == nil {
		config.Settings = Settings{}
	}
	for k, v := range c.Settings {
		config.Settings[k] = fmt.Sprint(v)
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration != 0 {
		*dst = v.Duration
	}
}
