package config

import (
	"strconv"
	"time"
)

// parseEnv overlays REMOTESETTINGS_* variables for the typed fields. Dotted
// settings are resolved lazily by Settings.Get.
func parseEnv(config *Config) {
	strings := map[string]*string{
		"HTTP_ADDR":        &config.HTTPAddr,
		"GRPC_ADDR":        &config.GRPCAddr,
		"HTTP_SCHEME":      &config.HTTPScheme,
		"HTTP_HOST":        &config.HTTPHost,
		"DATABASE_DSN":     &config.DatabaseDSN,
		"CACHE_BACKEND":    &config.CacheBackend,
		"REDIS_URL":        &config.RedisURL,
		"SECRET_KEY":       &config.SecretKey,
		"S3_ROOT_USER":     &config.S3RootUser,
		"S3_ROOT_PASSWORD": &config.S3RootPassword,
		"S3_BUCKET":        &config.S3Bucket,
		"S3_REGION":        &config.S3Region,
		"S3_BASE_ENDPOINT": &config.S3BaseEndpoint,
		"S3_PREFIX":        &config.S3Prefix,
		"SENTRY_DSN":       &config.SentryDSN,
		"LOG_LEVEL":        &config.LogLevel,
		"LOG_FORMAT":       &config.LogFormat,
	}
	for name, dst := range strings {
		if v, ok := lookupEnv(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookupEnv(EnvPrefix + "READONLY"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			config.ReadOnly = b
		}
	}

	durations := map[string]*time.Duration{
		"ACCESS_TOKEN_VALIDITY_DURATION": &config.AccessTokenValidityDuration,
		"HEARTBEAT_INTERVAL":             &config.HeartbeatInterval,
		"SHUTDOWN_TIMEOUT":               &config.ShutdownTimeout,
	}
	for name, dst := range durations {
		if v, ok := lookupEnv(EnvPrefix + name); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
}
