package resources

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/remotesettings/internal/server/config"
	"github.com/dmitrijs2005/remotesettings/internal/server/signer"
)

// Setting names that may be overridden per bucket or per collection.
const (
	SettingSignerBackend     = "signer_backend"
	SettingEditorsGroup      = "editors_group"
	SettingReviewersGroup    = "reviewers_group"
	SettingToReviewEnabled   = "to_review_enabled"
	SettingGroupCheckEnabled = "group_check_enabled"
	SettingPrivateKey        = "ecdsa.private_key"
	SettingPublicKey         = "ecdsa.public_key"
	SettingCertificateURL    = "ecdsa.x5u"
	SettingAutographURL      = "autograph.server_url"
	SettingHawkID            = "autograph.hawk_id"
	SettingHawkSecret        = "autograph.hawk_secret"
	SettingAutographSignerID = "autograph.signer_id"
	SettingAutographTimeout  = "autograph.timeout"
	SettingAutographRetries  = "autograph.retries"
	SettingExpirePercent     = "expire_soon_percent"
	SettingExpireMinDays     = "expire_soon_min_days"
	SettingExpireMaxDays     = "expire_soon_max_days"
)

var overridable = map[string]bool{
	SettingSignerBackend:     true,
	SettingEditorsGroup:      true,
	SettingReviewersGroup:    true,
	SettingToReviewEnabled:   true,
	SettingGroupCheckEnabled: true,
	SettingPrivateKey:        true,
	SettingPublicKey:         true,
	SettingCertificateURL:    true,
	SettingAutographURL:      true,
	SettingHawkID:            true,
	SettingHawkSecret:        true,
	SettingAutographSignerID: true,
	SettingAutographTimeout:  true,
	SettingAutographRetries:  true,
	SettingExpirePercent:     true,
	SettingExpireMinDays:     true,
	SettingExpireMaxDays:     true,
}

const (
	DefaultEditorsGroup   = "{collection_id}-editors"
	DefaultReviewersGroup = "{collection_id}-reviewers"
)

// SignerConfig is the resolved configuration of one resource.
type SignerConfig struct {
	Signer            signer.Options
	EditorsGroup      string
	ReviewersGroup    string
	ToReviewEnabled   bool
	GroupCheckEnabled bool
}

// lookup resolves "signer.<name>" with the most specific override first:
// signer.<bid>.<cid>.<name>, then glob collection keys, then
// signer.<bid>.<name>, then signer.<name>.
type lookup struct {
	settings config.Settings
	bucket   string
	coll     string
}

func (l lookup) get(name string) (string, bool) {
	if l.coll != "" {
		if v, ok := l.settings.Get("signer." + l.bucket + "." + l.coll + "." + name); ok {
			return v, true
		}
		for _, o := range collectionOverrides(l.settings, l.bucket) {
			if o.name == name && !o.literal && o.match(l.coll) {
				return l.settings.Get(o.key)
			}
		}
	}
	if l.bucket != "" {
		if v, ok := l.settings.Get("signer." + l.bucket + "." + name); ok {
			return v, true
		}
	}
	return l.settings.Get("signer." + name)
}

func (l lookup) str(name, def string) string {
	if v, ok := l.get(name); ok {
		return v
	}
	return def
}

func (l lookup) boolean(name string, def bool) bool {
	v, ok := l.get(name)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return def
}

func (l lookup) integer(name string, def int) int {
	v, ok := l.get(name)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return i
}

func (l lookup) duration(name string, def time.Duration) time.Duration {
	v, ok := l.get(name)
	if !ok {
		return def
	}
	v = strings.TrimSpace(v)
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

// resolveConfig builds the SignerConfig of the source coordinate (bid, cid).
func resolveConfig(settings config.Settings, bid, cid string) SignerConfig {
	l := lookup{settings: settings, bucket: bid, coll: cid}
	return SignerConfig{
		Signer: signer.Options{
			Backend:    l.str(SettingSignerBackend, signer.BackendLocalECDSA),
			PrivateKey: l.str(SettingPrivateKey, ""),
			PublicKey:  l.str(SettingPublicKey, ""),
			X5U:        l.str(SettingCertificateURL, ""),
			ServerURL:  l.str(SettingAutographURL, ""),
			HawkID:     l.str(SettingHawkID, ""),
			HawkSecret: l.str(SettingHawkSecret, ""),
			SignerID:   l.str(SettingAutographSignerID, ""),
			Timeout:    l.duration(SettingAutographTimeout, 10*time.Second),
			Retries:    l.integer(SettingAutographRetries, 2),
			Expire: signer.ExpirePolicy{
				Percent: l.integer(SettingExpirePercent, signer.DefaultExpirePolicy.Percent),
				MinDays: l.integer(SettingExpireMinDays, signer.DefaultExpirePolicy.MinDays),
				MaxDays: l.integer(SettingExpireMaxDays, signer.DefaultExpirePolicy.MaxDays),
			},
		},
		EditorsGroup:      l.str(SettingEditorsGroup, DefaultEditorsGroup),
		ReviewersGroup:    l.str(SettingReviewersGroup, DefaultReviewersGroup),
		ToReviewEnabled:   l.boolean(SettingToReviewEnabled, true),
		GroupCheckEnabled: l.boolean(SettingGroupCheckEnabled, true),
	}
}

// override is a "signer.<bid>.<cid>.<name>" key. cid may be a glob where
// each "*" is a capture group.
type override struct {
	key     string
	coll    string
	name    string
	literal bool
	re      *regexp.Regexp
}

func (o override) match(cid string) bool {
	if o.literal {
		return o.coll == cid
	}
	return o.re.MatchString(cid)
}

// collectionOverrides lists the per-collection keys of bucket bid.
func collectionOverrides(settings config.Settings, bid string) []override {
	prefix := "signer." + bid + "."
	var out []override
	for _, key := range settings.Keys(prefix) {
		rest := strings.TrimPrefix(key, prefix)
		if overridable[rest] {
			continue
		}
		cid, name, ok := strings.Cut(rest, ".")
		if !ok || !overridable[name] {
			continue
		}
		o := override{key: key, coll: cid, name: name, literal: !strings.Contains(cid, "*")}
		if !o.literal {
			o.re = globRegexp(cid)
		}
		out = append(out, o)
	}
	return out
}

func globRegexp(glob string) *regexp.Regexp {
	parts := strings.Split(glob, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile("^" + strings.Join(parts, "([a-zA-Z0-9_-]*)") + "$")
}

// GroupName fills {bucket_id} and {collection_id} in a group template.
func GroupName(template, bid, cid string) string {
	r := strings.NewReplacer("{bucket_id}", bid, "{collection_id}", cid)
	return r.Replace(template)
}
