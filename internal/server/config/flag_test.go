package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_parseFlags(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	os.Args = []string{"testbin",
		"-a", ":7000",
		"-d", "postgres://x",
		"-t", "15",
		"-r", "redis://cache:6379/0",
		"-S", "signer.main-workspace.to_review_enabled=true",
		"-S", "record_cache_expires_seconds=60",
		"-unknown", "ignored",
	}

	cfg := &Config{}
	cfg.LoadDefaults()
	parseFlags(cfg)

	assert.Equal(t, ":7000", cfg.HTTPAddr)
	assert.Equal(t, "postgres://x", cfg.DatabaseDSN)
	assert.Equal(t, 15*time.Minute, cfg.AccessTokenValidityDuration)
	assert.Equal(t, "redis", cfg.CacheBackend)
	assert.Equal(t, "redis://cache:6379/0", cfg.RedisURL)
	assert.Equal(t, Settings{
		"signer.main-workspace.to_review_enabled": "true",
		"record_cache_expires_seconds":            "60",
	}, cfg.Settings)
}

func Test_parseFlags_BadSetting(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	os.Args = []string{"testbin", "-S", "novalue"}
	cfg := &Config{}
	cfg.LoadDefaults()
	assert.Panics(t, func() { parseFlags(cfg) })
}
