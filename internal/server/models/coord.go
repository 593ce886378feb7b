package models

import "strings"

// Coord designates a bucket (Collection == "") or a collection.
type Coord struct {
	Bucket     string `json:"bucket"`
	Collection string `json:"collection,omitempty"`
}

func (c Coord) PerBucket() bool {
	return c.Collection == ""
}

// URI is "/buckets/b" or "/buckets/b/collections/c".
func (c Coord) URI() string {
	if c.PerBucket() {
		return BucketURI(c.Bucket)
	}
	return CollectionURI(c.Bucket, c.Collection)
}

// String is the configuration form, "b" or "b/c".
func (c Coord) String() string {
	if c.PerBucket() {
		return c.Bucket
	}
	return c.Bucket + "/" + c.Collection
}

// WithCollection returns the per-collection coordinate inside c's bucket.
func (c Coord) WithCollection(cid string) Coord {
	return Coord{Bucket: c.Bucket, Collection: cid}
}

func BucketURI(bid string) string {
	return "/buckets/" + bid
}

func CollectionURI(bid, cid string) string {
	return "/buckets/" + bid + "/collections/" + cid
}

func GroupURI(bid, gid string) string {
	return "/buckets/" + bid + "/groups/" + gid
}

func RecordURI(bid, cid, rid string) string {
	return CollectionURI(bid, cid) + "/records/" + rid
}

// ParseCollectionURI extracts bucket and collection ids from a records
// parent id. ok is false for any other URI.
func ParseCollectionURI(uri string) (bid, cid string, ok bool) {
	parts := strings.Split(strings.TrimPrefix(uri, "/"), "/")
	if len(parts) != 4 || parts[0] != "buckets" || parts[2] != "collections" {
		return "", "", false
	}
	return parts[1], parts[3], true
}

// Parent returns the storage parent id of an object of the given resource
// type inside coordinate c.
func Parent(resource string, c Coord) string {
	switch resource {
	case ResourceBucket:
		return ""
	case ResourceCollection, ResourceGroup:
		return BucketURI(c.Bucket)
	default:
		return CollectionURI(c.Bucket, c.Collection)
	}
}
