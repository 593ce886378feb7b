package resources

import "github.com/dmitrijs2005/remotesettings/internal/server/models"

// CapabilityCoord renders a coordinate with a null collection for
// bucket-wide resources.
type CapabilityCoord struct {
	Bucket     string  `json:"bucket"`
	Collection *string `json:"collection"`
}

type CapabilityResource struct {
	Source          CapabilityCoord  `json:"source"`
	Preview         *CapabilityCoord `json:"preview,omitempty"`
	Destination     CapabilityCoord  `json:"destination"`
	ToReviewEnabled *bool            `json:"to_review_enabled,omitempty"`
}

// Capability is the "signer" block of the root endpoint.
type Capability struct {
	Description       string               `json:"description"`
	URL               string               `json:"url"`
	ToReviewEnabled   bool                 `json:"to_review_enabled"`
	GroupCheckEnabled bool                 `json:"group_check_enabled"`
	EditorsGroup      string               `json:"editors_group"`
	ReviewersGroup    string               `json:"reviewers_group"`
	Resources         []CapabilityResource `json:"resources"`
}

func capCoord(c models.Coord) CapabilityCoord {
	out := CapabilityCoord{Bucket: c.Bucket}
	if !c.PerBucket() {
		cid := c.Collection
		out.Collection = &cid
	}
	return out
}

// Capabilities lists every resource. to_review_enabled appears on a
// resource only when it differs from the global default.
func (r *Registry) Capabilities() Capability {
	global := r.GlobalToReviewEnabled()
	globalLookup := lookup{settings: r.settings}

	c := Capability{
		Description:       "Provide signing features for collections.",
		URL:               "https://remote-settings.readthedocs.io",
		ToReviewEnabled:   global,
		GroupCheckEnabled: r.GlobalGroupCheckEnabled(),
		EditorsGroup:      globalLookup.str(SettingEditorsGroup, DefaultEditorsGroup),
		ReviewersGroup:    globalLookup.str(SettingReviewersGroup, DefaultReviewersGroup),
		Resources:         []CapabilityResource{},
	}

	add := func(src models.Coord, preview *models.Coord, dst models.Coord, toReview bool) {
		cr := CapabilityResource{Source: capCoord(src), Destination: capCoord(dst)}
		if preview != nil {
			p := capCoord(*preview)
			cr.Preview = &p
		}
		if toReview != global {
			v := toReview
			cr.ToReviewEnabled = &v
		}
		c.Resources = append(c.Resources, cr)
	}

	for _, t := range r.BucketResources() {
		cfg := resolveConfig(r.settings, t.Source.Bucket, "")
		add(t.Source, t.Preview, t.Destination, cfg.ToReviewEnabled)
	}
	for _, res := range r.Resources() {
		add(res.Source, res.Preview, res.Destination, res.Config.ToReviewEnabled)
	}
	return c
}
