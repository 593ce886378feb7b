package config

import (
	"os"
	"sort"
	"strconv"
	"strings"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "REMOTESETTINGS_"

// lookupEnv is a seam for tests.
var lookupEnv = os.LookupEnv

// Settings holds dotted settings such as "signer.resources" or
// "main.cfr.record_cache_expires_seconds". An environment variable named
// after the key (see EnvName) takes precedence over the stored value.
type Settings map[string]string

// EnvName maps a dotted key to its environment variable:
// "signer.main-workspace.to_review_enabled" becomes
// "REMOTESETTINGS_SIGNER_MAIN_WORKSPACE_TO_REVIEW_ENABLED".
func EnvName(key string) string {
	r := strings.NewReplacer(".", "_", "-", "_")
	return EnvPrefix + strings.ToUpper(r.Replace(key))
}

func (s Settings) Get(key string) (string, bool) {
	if v, ok := lookupEnv(EnvName(key)); ok {
		return v, true
	}
	v, ok := s[key]
	return v, ok
}

func (s Settings) String(key, def string) string {
	if v, ok := s.Get(key); ok {
		return v
	}
	return def
}

func (s Settings) Bool(key string, def bool) bool {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

func (s Settings) Int(key string, def int) int {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return i
}

// IntOK is Int without a default: ok is false when the key is unset or
// not an integer.
func (s Settings) IntOK(key string) (int, bool) {
	v, ok := s.Get(key)
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return i, true
}

// List splits a whitespace separated value.
func (s Settings) List(key string, def []string) []string {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	return strings.Fields(v)
}

// Keys returns the stored keys starting with prefix, sorted.
func (s Settings) Keys(prefix string) []string {
	var out []string
	for k := range s {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
