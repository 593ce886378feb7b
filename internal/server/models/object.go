// Package models defines the objects handled by the publication engine:
// schemaless stored objects, coordinates of buckets and collections, and the
// virtual shapes served to clients.
package models

import (
	"strconv"

	"github.com/goccy/go-json"
	"github.com/tiendc/go-deepcopy"
)

const (
	ResourceBucket     = "bucket"
	ResourceCollection = "collection"
	ResourceGroup      = "group"
	ResourceRecord     = "record"
)

const (
	FieldID           = "id"
	FieldLastModified = "last_modified"
	FieldDeleted      = "deleted"
	FieldMembers      = "members"
	FieldSchema       = "schema"
	FieldSignature    = "signature"
)

// Object is a stored document. Values are the result of decoding JSON with
// UseNumber, so numbers are json.Number, except last_modified which storage
// backends set as int64.
type Object map[string]any

func (o Object) ID() string {
	s, _ := o[FieldID].(string)
	return s
}

func (o Object) LastModified() int64 {
	return AsInt64(o[FieldLastModified])
}

func (o Object) Deleted() bool {
	b, _ := o[FieldDeleted].(bool)
	return b
}

func (o Object) String(field string) string {
	s, _ := o[field].(string)
	return s
}

// Clone returns a deep copy of o.
func (o Object) Clone() Object {
	if o == nil {
		return nil
	}
	var out Object
	if err := deepcopy.Copy(&out, o); err != nil {
		// deepcopy only fails on unsupported kinds (chan, func), which
		// never come out of a JSON decoder.
		panic(err)
	}
	return out
}

// Without returns a shallow copy of o without the given fields.
func (o Object) Without(fields ...string) Object {
	out := make(Object, len(o))
	for k, v := range o {
		out[k] = v
	}
	for _, f := range fields {
		delete(out, f)
	}
	return out
}

// Tombstone builds the deletion marker kept for a removed object.
func Tombstone(id string, lastModified int64) Object {
	return Object{FieldID: id, FieldLastModified: lastModified, FieldDeleted: true}
}

// AsInt64 converts the numeric representations found in decoded objects.
func AsInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0
		}
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

// ACL maps a permission name to the principals holding it.
type ACL map[string][]string

const (
	PermRead             = "read"
	PermWrite            = "write"
	PermCollectionCreate = "collection:create"
	PermGroupCreate      = "group:create"
	PermRecordCreate     = "record:create"
)

func (a ACL) Add(perm string, principals ...string) {
	for _, p := range principals {
		if !a.Has(perm, p) {
			a[perm] = append(a[perm], p)
		}
	}
}

func (a ACL) Has(perm, principal string) bool {
	for _, p := range a[perm] {
		if p == principal {
			return true
		}
	}
	return false
}

const (
	Everyone      = "system.Everyone"
	Authenticated = "system.Authenticated"
	// PluginUserID attributes writes issued by the engine itself. Listeners
	// ignore events originating from it.
	PluginUserID = "plugin:remote-settings"
)

// Strings converts a decoded JSON array (or a []string) to []string,
// skipping non-string items.
func Strings(v any) []string {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
