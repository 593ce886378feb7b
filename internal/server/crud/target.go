package crud

import (
	"regexp"

	"github.com/dmitrijs2005/remotesettings/internal/common"
	"github.com/dmitrijs2005/remotesettings/internal/server/models"
	"github.com/dmitrijs2005/remotesettings/internal/server/permissions"
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Target addresses one object, or a list when ID is empty. Collection is
// only used by records.
type Target struct {
	Resource   string
	Bucket     string
	Collection string
	ID         string
}

func Bucket(bid string) Target {
	return Target{Resource: models.ResourceBucket, ID: bid}
}

func Collection(bid, cid string) Target {
	return Target{Resource: models.ResourceCollection, Bucket: bid, ID: cid}
}

func Group(bid, gid string) Target {
	return Target{Resource: models.ResourceGroup, Bucket: bid, ID: gid}
}

func Record(bid, cid, rid string) Target {
	return Target{Resource: models.ResourceRecord, Bucket: bid, Collection: cid, ID: rid}
}

// WithID returns t addressing the object id.
func (t Target) WithID(id string) Target {
	t.ID = id
	return t
}

// Parent is the storage parent of the addressed objects.
func (t Target) Parent() string {
	switch t.Resource {
	case models.ResourceBucket:
		return ""
	case models.ResourceRecord:
		return models.CollectionURI(t.Bucket, t.Collection)
	default:
		return models.BucketURI(t.Bucket)
	}
}

func (t Target) URI() string {
	switch t.Resource {
	case models.ResourceBucket:
		return models.BucketURI(t.ID)
	case models.ResourceCollection:
		return models.CollectionURI(t.Bucket, t.ID)
	case models.ResourceGroup:
		return models.GroupURI(t.Bucket, t.ID)
	default:
		return models.RecordURI(t.Bucket, t.Collection, t.ID)
	}
}

// parentTarget is the object holding t, or false for buckets.
func (t Target) parentTarget() (Target, bool) {
	switch t.Resource {
	case models.ResourceCollection, models.ResourceGroup:
		return Bucket(t.Bucket), true
	case models.ResourceRecord:
		return Collection(t.Bucket, t.Collection), true
	default:
		return Target{}, false
	}
}

// createPermission is the permission needed on the parent to create t.
func (t Target) createPermission() string {
	switch t.Resource {
	case models.ResourceCollection:
		return permissions.CollectionCreate
	case models.ResourceGroup:
		return permissions.GroupCreate
	default:
		return permissions.RecordCreate
	}
}

func validateID(id string) error {
	if !idPattern.MatchString(id) {
		return common.ErrBadRequest.
			WithMessagef("invalid object id %q", id).
			WithDetails(map[string]any{"location": "path", "name": "id"})
	}
	return nil
}
