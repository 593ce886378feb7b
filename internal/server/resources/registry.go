// Package resources holds the signed resources: the source -> [preview ->]
// destination triples read from signer.resources, their resolved per
// resource configuration and the signer serving each of them.
//
// The registry publishes immutable snapshots through an atomic pointer;
// readers never lock. Expansion of bucket-wide resources into per
// collection ones builds a new snapshot under a mutex and swaps it in.
package resources

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dmitrijs2005/remotesettings/internal/server/config"
	"github.com/dmitrijs2005/remotesettings/internal/server/models"
	"github.com/dmitrijs2005/remotesettings/internal/server/signer"
)

// Role of a coordinate inside a resource.
type Role int

const (
	RoleSource Role = iota
	RolePreview
	RoleDestination
)

func (r Role) String() string {
	switch r {
	case RoleSource:
		return "source"
	case RolePreview:
		return "preview"
	default:
		return "destination"
	}
}

// Resource is a per-collection signed resource.
type Resource struct {
	Source      models.Coord
	Preview     *models.Coord
	Destination models.Coord
	Config      SignerConfig
}

func (r *Resource) EditorsGroup() string {
	return GroupName(r.Config.EditorsGroup, r.Source.Bucket, r.Source.Collection)
}

func (r *Resource) ReviewersGroup() string {
	return GroupName(r.Config.ReviewersGroup, r.Source.Bucket, r.Source.Collection)
}

// Targets are the preview (when configured) and destination coordinates.
func (r *Resource) Targets() []models.Coord {
	if r.Preview != nil {
		return []models.Coord{*r.Preview, r.Destination}
	}
	return []models.Coord{r.Destination}
}

func (r *Resource) String() string {
	if r.Preview != nil {
		return fmt.Sprintf("%s -> %s -> %s", r.Source, r.Preview, r.Destination)
	}
	return fmt.Sprintf("%s -> %s", r.Source, r.Destination)
}

// SignerFactory builds a signer from resolved options.
type SignerFactory func(signer.Options) (signer.Signer, error)

type located struct {
	res  *Resource
	role Role
}

// Snapshot is an immutable view of the registry.
type Snapshot struct {
	collections map[string]*Resource // by source "bid/cid"
	index       map[string]located   // every coordinate of collections
	buckets     map[string]Triple    // bucket-wide, by source bucket
	bucketIndex map[string]Role      // every bucket of bucket-wide triples
	bucketOf    map[string]string    // bucket -> source bucket of its triple
}

func newSnapshot() *Snapshot {
	return &Snapshot{
		collections: map[string]*Resource{},
		index:       map[string]located{},
		buckets:     map[string]Triple{},
		bucketIndex: map[string]Role{},
		bucketOf:    map[string]string{},
	}
}

func (s *Snapshot) clone() *Snapshot {
	n := newSnapshot()
	for k, v := range s.collections {
		n.collections[k] = v
	}
	for k, v := range s.index {
		n.index[k] = v
	}
	for k, v := range s.buckets {
		n.buckets[k] = v
	}
	for k, v := range s.bucketIndex {
		n.bucketIndex[k] = v
	}
	for k, v := range s.bucketOf {
		n.bucketOf[k] = v
	}
	return n
}

func (s *Snapshot) addCollection(r *Resource) {
	s.collections[r.Source.String()] = r
	s.index[r.Source.String()] = located{r, RoleSource}
	if r.Preview != nil {
		s.index[r.Preview.String()] = located{r, RolePreview}
	}
	s.index[r.Destination.String()] = located{r, RoleDestination}
}

func (s *Snapshot) addBucket(t Triple) {
	s.buckets[t.Source.Bucket] = t
	s.bucketIndex[t.Source.Bucket] = RoleSource
	s.bucketOf[t.Source.Bucket] = t.Source.Bucket
	if t.Preview != nil {
		s.bucketIndex[t.Preview.Bucket] = RolePreview
		s.bucketOf[t.Preview.Bucket] = t.Source.Bucket
	}
	s.bucketIndex[t.Destination.Bucket] = RoleDestination
	s.bucketOf[t.Destination.Bucket] = t.Source.Bucket
}

// Registry is safe for concurrent use.
type Registry struct {
	settings config.Settings
	factory  SignerFactory

	snap atomic.Pointer[Snapshot]
	mu   sync.Mutex

	signersMu sync.Mutex
	signers   map[string]signer.Signer
}

// New parses signer.resources and expands the literal per-collection
// overrides of bucket-wide resources.
func New(settings config.Settings, factory SignerFactory) (*Registry, error) {
	triples, err := Parse(settings.String("signer.resources", ""))
	if err != nil {
		return nil, err
	}
	if factory == nil {
		factory = func(o signer.Options) (signer.Signer, error) { return signer.New(o) }
	}

	r := &Registry{settings: settings, factory: factory, signers: map[string]signer.Signer{}}
	snap := newSnapshot()
	for _, t := range triples {
		if t.PerBucket() {
			snap.addBucket(t)
			continue
		}
		snap.addCollection(r.build(t, t.Source.Collection))
	}
	for bid, t := range snap.buckets {
		for _, o := range collectionOverrides(settings, bid) {
			if !o.literal {
				continue
			}
			if _, ok := snap.collections[t.Source.WithCollection(o.coll).String()]; ok {
				continue
			}
			snap.addCollection(r.build(t, o.coll))
		}
	}
	r.snap.Store(snap)
	return r, nil
}

func (r *Registry) build(t Triple, cid string) *Resource {
	res := &Resource{
		Source:      t.Source.WithCollection(cid),
		Destination: t.Destination.WithCollection(cid),
		Config:      resolveConfig(r.settings, t.Source.Bucket, cid),
	}
	if t.Preview != nil {
		p := t.Preview.WithCollection(cid)
		res.Preview = &p
	}
	return res
}

// Snapshot returns the current view.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// Resolve returns the resource whose source is (bid, cid).
func (r *Registry) Resolve(bid, cid string) (*Resource, bool) {
	res, role, ok := r.Locate(models.Coord{Bucket: bid, Collection: cid})
	if !ok || role != RoleSource {
		return nil, false
	}
	return res, true
}

// Locate finds the resource c belongs to, whatever its role.
func (r *Registry) Locate(c models.Coord) (*Resource, Role, bool) {
	if c.PerBucket() {
		return nil, 0, false
	}
	s := r.Snapshot()
	if l, ok := s.index[c.String()]; ok {
		return l.res, l.role, true
	}
	role, ok := s.bucketIndex[c.Bucket]
	if !ok {
		return nil, 0, false
	}
	return r.build(s.buckets[s.bucketOf[c.Bucket]], c.Collection), role, true
}

// BucketRole reports whether bid is part of a bucket-wide resource.
func (r *Registry) BucketRole(bid string) (Role, bool) {
	role, ok := r.Snapshot().bucketIndex[bid]
	return role, ok
}

// IsSourceBucket reports whether collections created in bid are sources
// of a bucket-wide resource.
func (r *Registry) IsSourceBucket(bid string) bool {
	_, ok := r.Snapshot().buckets[bid]
	return ok
}

// Expand registers the per-collection resource of (bid, cid) when bid is
// the source of a bucket-wide resource and some per-collection override
// (literal or glob) applies to cid. It reports whether a new resource was
// added.
func (r *Registry) Expand(bid, cid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.Snapshot()
	t, ok := cur.buckets[bid]
	if !ok {
		return false
	}
	if _, ok := cur.collections[t.Source.WithCollection(cid).String()]; ok {
		return false
	}
	matched := false
	for _, o := range collectionOverrides(r.settings, bid) {
		if o.match(cid) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	next := cur.clone()
	next.addCollection(r.build(t, cid))
	return r.snap.CompareAndSwap(cur, next)
}

// Resources lists the per-collection resources, sorted by source.
func (r *Registry) Resources() []*Resource {
	s := r.Snapshot()
	out := make([]*Resource, 0, len(s.collections))
	for _, res := range s.collections {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source.String() < out[j].Source.String() })
	return out
}

// BucketResources lists the bucket-wide triples, sorted by source.
func (r *Registry) BucketResources() []Triple {
	s := r.Snapshot()
	out := make([]Triple, 0, len(s.buckets))
	for _, t := range s.buckets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source.Bucket < out[j].Source.Bucket })
	return out
}

// PreviewCoords lists every preview coordinate: per-collection ones and,
// with Collection empty, the preview buckets of bucket-wide resources.
func (r *Registry) PreviewCoords() []models.Coord {
	var out []models.Coord
	for _, res := range r.Resources() {
		if res.Preview != nil {
			out = append(out, *res.Preview)
		}
	}
	for _, t := range r.BucketResources() {
		if t.Preview != nil {
			out = append(out, *t.Preview)
		}
	}
	return out
}

// Signer returns the signer for res, building it on first use. Resources
// with identical signer options share one instance.
func (r *Registry) Signer(res *Resource) (signer.Signer, error) {
	return r.signerFor(res.Config.Signer)
}

func (r *Registry) signerFor(opts signer.Options) (signer.Signer, error) {
	key := opts.Key()

	r.signersMu.Lock()
	defer r.signersMu.Unlock()

	if s, ok := r.signers[key]; ok {
		return s, nil
	}
	s, err := r.factory(opts)
	if err != nil {
		return nil, err
	}
	r.signers[key] = s
	return s, nil
}

// Signers builds the signer of every configured resource, keyed by the
// resource description. Bucket-wide resources use their bucket-level
// configuration.
func (r *Registry) Signers() (map[string]signer.Signer, error) {
	out := map[string]signer.Signer{}
	for _, res := range r.Resources() {
		s, err := r.Signer(res)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", res, err)
		}
		out[res.String()] = s
	}
	for _, t := range r.BucketResources() {
		cfg := resolveConfig(r.settings, t.Source.Bucket, "")
		s, err := r.signerFor(cfg.Signer)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t.Source, err)
		}
		out[t.Source.String()+" -> "+t.Destination.String()] = s
	}
	return out, nil
}

// GlobalToReviewEnabled is the default of signer.to_review_enabled.
func (r *Registry) GlobalToReviewEnabled() bool {
	return lookup{settings: r.settings}.boolean(SettingToReviewEnabled, true)
}

// GlobalGroupCheckEnabled is the default of signer.group_check_enabled.
func (r *Registry) GlobalGroupCheckEnabled() bool {
	return lookup{settings: r.settings}.boolean(SettingGroupCheckEnabled, true)
}
