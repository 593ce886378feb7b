// Package permissions resolves object permissions with inheritance: a
// permission held on a bucket or collection applies to the objects below it.
package permissions

import (
	"context"
	"strings"

	"github.com/dmitrijs2005/remotesettings/internal/server/models"
	"github.com/dmitrijs2005/remotesettings/internal/server/storage"
)

const (
	Read             = models.PermRead
	Write            = models.PermWrite
	CollectionCreate = models.PermCollectionCreate
	GroupCreate      = models.PermGroupCreate
	RecordCreate     = models.PermRecordCreate
)

// Valid lists the permissions accepted on each resource type.
var Valid = map[string][]string{
	models.ResourceBucket:     {Read, Write, CollectionCreate, GroupCreate},
	models.ResourceCollection: {Read, Write, RecordCreate},
	models.ResourceGroup:      {Read, Write},
	models.ResourceRecord:     {Read, Write},
}

// Grant is a permission held on a URI.
type Grant struct {
	URI  string
	Perm string
}

// Granting returns the (uri, permission) pairs any of which allows perm on
// uri. uri is a bucket, collection, group or record URI.
func Granting(uri, perm string) []Grant {
	parts := strings.Split(strings.Trim(uri, "/"), "/")
	if len(parts) < 2 || parts[0] != "buckets" {
		return nil
	}
	bucket := models.BucketURI(parts[1])

	var chain []string
	switch len(parts) {
	case 2:
		chain = []string{bucket}
	case 4:
		chain = []string{uri, bucket}
	case 6:
		chain = []string{uri, models.CollectionURI(parts[1], parts[3]), bucket}
	default:
		return nil
	}

	out := []Grant{{chain[0], perm}}
	if perm != Write {
		out = append(out, Grant{chain[0], Write})
	}
	for _, u := range chain[1:] {
		if perm == Read {
			out = append(out, Grant{u, Read})
		}
		out = append(out, Grant{u, Write})
	}
	return out
}

// Allowed reports whether any of principals is granted perm on uri.
func Allowed(ctx context.Context, store storage.Store, principals []string, perm, uri string) (bool, error) {
	set := make(map[string]bool, len(principals))
	for _, p := range principals {
		set[p] = true
	}
	acls := map[string]models.ACL{}
	for _, g := range Granting(uri, perm) {
		acl, ok := acls[g.URI]
		if !ok {
			var err error
			acl, err = store.GetACL(ctx, g.URI)
			if err != nil {
				return false, err
			}
			acls[g.URI] = acl
		}
		for _, p := range acl[g.Perm] {
			if set[p] {
				return true, nil
			}
		}
	}
	return false, nil
}

// Principals expands the identity of userID with the groups it belongs to.
// Anonymous callers pass an empty userID.
func Principals(ctx context.Context, store storage.Store, userID string) ([]string, error) {
	base := []string{models.Everyone}
	if userID != "" {
		base = append(base, models.Authenticated, userID)
	}
	out := append([]string(nil), base...)
	seen := map[string]bool{}
	for _, p := range base {
		groups, err := store.MemberOf(ctx, p)
		if err != nil {
			return nil, err
		}
		for _, g := range groups {
			if !seen[g] {
				seen[g] = true
				out = append(out, g)
			}
		}
	}
	return out, nil
}
