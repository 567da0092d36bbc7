package query

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/nestdb/nestdb/pkg/index"
	"github.com/nestdb/nestdb/pkg/lru"
	"github.com/nestdb/nestdb/pkg/value"
)

// PlanKind names which of the optimizer's six candidate strategies a Plan
// represents (spec.md §4.9).
type PlanKind uint8

const (
	PlanFullScan PlanKind = iota
	PlanIndexEquals
	PlanIndexRange
	PlanIndexIntersect
	PlanIndexUnion
	PlanIndexedProbe
)

// Cost model weights (spec.md §4.9: cost = α·selectivity·cardinality +
// β·residual_cost). There is no authored cost model anywhere in the pack
// to ground exact constants on; these are chosen so that any indexed plan
// beats a full scan once the index is even modestly selective, and so
// that probing a small index plus a residual filter beats a full scan
// whenever the index cuts the candidate set below the full cardinality.
const (
	alpha = 1.0
	beta  = 0.25
)

// Plan is a chosen execution strategy for one predicate tree.
type Plan struct {
	Kind     PlanKind
	Path     string // primary index path, when applicable
	eq       value.Value
	bounds   index.RangeBounds
	paths    []string // for intersect/union
	sub      []Plan
	residual Predicate // re-applied after the indexed probe (Matches already re-checks, but residual records *why*)
}

// Execute runs the plan against idx, returning candidate entity ids. A
// PlanFullScan has no ids to contribute — callers must fall back to a
// full Collection scan instead of calling Execute for it.
func (p Plan) Execute(idx *index.Manager) ([]string, error) {
	switch p.Kind {
	case PlanIndexEquals, PlanIndexedProbe:
		return idx.Equals(p.Path, p.eq)
	case PlanIndexRange:
		return idx.Range(p.Path, p.bounds)
	case PlanIndexIntersect:
		return intersectPlans(idx, p.sub)
	case PlanIndexUnion:
		return unionPlans(idx, p.sub)
	default:
		return nil, nil
	}
}

func intersectPlans(idx *index.Manager, plans []Plan) ([]string, error) {
	if len(plans) == 0 {
		return nil, nil
	}
	sets := make([]map[string]struct{}, 0, len(plans))
	for _, sub := range plans {
		ids, err := sub.Execute(idx)
		if err != nil {
			return nil, err
		}
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		sets = append(sets, set)
	}
	sort.Slice(sets, func(i, j int) bool { return len(sets[i]) < len(sets[j]) })

	out := make([]string, 0)
	for id := range sets[0] {
		inAll := true
		for _, s := range sets[1:] {
			if _, ok := s[id]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			out = append(out, id)
		}
	}
	return out, nil
}

func unionPlans(idx *index.Manager, plans []Plan) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, sub := range plans {
		ids, err := sub.Execute(idx)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out, nil
}

// Fingerprint is a stable hash over a predicate tree's shape and
// referenced field set, deliberately excluding literal values, so the
// plan cache shares one entry across queries that differ only in the
// constants being compared (spec.md §4.9).
type Fingerprint [32]byte

// ChoosePlan chooses an execution strategy for pred against the indexes
// currently defined on idx, estimating cost per spec.md §4.9's formula
// and falling back to a full scan when no candidate plan is cheaper.
func ChoosePlan(pred Predicate, idx *index.Manager) Plan {
	candidates := enumerate(pred, idx)
	best := Plan{Kind: PlanFullScan}
	bestCost := fullScanCost(idx)

	for _, c := range candidates {
		cost := estimateCost(c, idx)
		if cost < bestCost {
			best = c
			bestCost = cost
		}
	}
	return best
}

// estimatedCardinality is used when no index gives a real statistic to
// estimate a full scan's cost against (an empty, brand-new collection).
const estimatedCardinality = 1000.0

func fullScanCost(idx *index.Manager) float64 {
	// No index on an empty/new collection gives a real cardinality
	// estimate to scan against; estimatedCardinality stands in as the
	// assumed collection size when nothing better is known.
	return alpha * estimatedCardinality
}

func estimateCost(p Plan, idx *index.Manager) float64 {
	switch p.Kind {
	case PlanIndexEquals, PlanIndexedProbe:
		ids, err := idx.Equals(p.Path, p.eq)
		if err != nil {
			return fullScanCost(idx) * 2 // unusable: penalize heavily rather than selecting it
		}
		selectivity := 1.0 / float64(len(ids)+1)
		residual := 0.0
		if p.residual != nil {
			residual = beta * float64(len(ids))
		}
		return alpha*selectivity*float64(len(ids)+1) + residual
	case PlanIndexRange:
		ids, err := idx.Range(p.Path, p.bounds)
		if err != nil {
			return fullScanCost(idx) * 2
		}
		return alpha * 0.5 * float64(len(ids)+1)
	case PlanIndexIntersect:
		min := estimatedCardinality
		for _, sub := range p.sub {
			c := estimateCost(sub, idx)
			if c < min {
				min = c
			}
		}
		return min * 0.8 // intersection is at most as large as its smallest side
	case PlanIndexUnion:
		total := 0.0
		for _, sub := range p.sub {
			total += estimateCost(sub, idx)
		}
		return total
	default:
		return fullScanCost(idx)
	}
}

// enumerate builds every candidate plan the predicate tree supports
// (spec.md §4.9 strategies 2-6); strategy 1 (full scan) is always
// available and handled separately in ChoosePlan.
func enumerate(pred Predicate, idx *index.Manager) []Plan {
	switch p := pred.(type) {
	case Eq:
		if hasIndex(idx, p.Path) {
			return []Plan{{Kind: PlanIndexEquals, Path: p.Path, eq: p.Value}}
		}
	case RangeOp:
		if hasIndex(idx, p.Path) {
			return []Plan{{Kind: PlanIndexRange, Path: p.Path, bounds: index.RangeBounds{
				Low: p.Low, HasLow: p.HasLow, LowInclusive: p.LowInclusive,
				High: p.High, HasHigh: p.HasHigh, HighInclusive: p.HighInclusive,
			}}}
		}
	case In:
		if hasIndex(idx, p.Path) {
			var plans []Plan
			for _, v := range p.Values {
				plans = append(plans, Plan{Kind: PlanIndexEquals, Path: p.Path, eq: v})
			}
			return []Plan{{Kind: PlanIndexUnion, sub: plans}}
		}
	case And:
		var sub []Plan
		for _, child := range p {
			cp := enumerate(child, idx)
			if len(cp) > 0 {
				sub = append(sub, cp[0])
			}
		}
		if len(sub) > 0 {
			return []Plan{{Kind: PlanIndexIntersect, sub: sub, residual: p}}
		}
	case Or:
		var sub []Plan
		for _, child := range p {
			cp := enumerate(child, idx)
			if len(cp) == 0 {
				return nil // any unindexed branch forces a full scan
			}
			sub = append(sub, cp[0])
		}
		return []Plan{{Kind: PlanIndexUnion, sub: sub}}
	}
	return nil
}

func hasIndex(idx *index.Manager, path string) bool {
	for _, p := range idx.Paths() {
		if p == path {
			return true
		}
	}
	return false
}

// FingerprintOf computes a shape-only fingerprint of pred: field paths
// and node kinds, but not literal comparison values.
func FingerprintOf(pred Predicate) Fingerprint {
	h := sha256.New()
	writeShape(h, pred)
	var out Fingerprint
	copy(out[:], h.Sum(nil))
	return out
}

func writeShape(h interface{ Write([]byte) (int, error) }, pred Predicate) {
	switch p := pred.(type) {
	case Eq:
		h.Write([]byte("eq:" + p.Path))
	case RangeOp:
		h.Write([]byte(fmt.Sprintf("range:%s:%v:%v:%v:%v", p.Path, p.HasLow, p.LowInclusive, p.HasHigh, p.HighInclusive)))
	case In:
		h.Write([]byte("in:" + p.Path))
	case PrefixOp:
		h.Write([]byte("prefix:" + p.Path))
	case ContainsOp:
		h.Write([]byte("contains:" + p.Path))
	case And:
		h.Write([]byte("and("))
		for _, c := range p {
			writeShape(h, c)
		}
		h.Write([]byte(")"))
	case Or:
		h.Write([]byte("or("))
		for _, c := range p {
			writeShape(h, c)
		}
		h.Write([]byte(")"))
	case Not:
		h.Write([]byte("not("))
		writeShape(h, p.Pred)
		h.Write([]byte(")"))
	default:
		h.Write([]byte("unknown"))
	}
}

// ReferencedFields collects every field path pred touches, for tagging a
// cached plan/result so a mutation to one of those fields can find and
// drop it (spec.md §4.9 "invalidation is per field-set").
func ReferencedFields(pred Predicate) map[string]struct{} {
	out := make(map[string]struct{})
	collectFields(pred, out)
	return out
}

func collectFields(pred Predicate, out map[string]struct{}) {
	switch p := pred.(type) {
	case Eq:
		out[p.Path] = struct{}{}
	case RangeOp:
		out[p.Path] = struct{}{}
	case In:
		out[p.Path] = struct{}{}
	case PrefixOp:
		out[p.Path] = struct{}{}
	case ContainsOp:
		out[p.Path] = struct{}{}
	case And:
		for _, c := range p {
			collectFields(c, out)
		}
	case Or:
		for _, c := range p {
			collectFields(c, out)
		}
	case Not:
		collectFields(p.Pred, out)
	}
}

// LiteralValuesOf walks pred in the same order writeShape does, collecting
// every literal comparison value so LiteralFingerprint can distinguish
// queries that share a shape but compare against different constants.
func LiteralValuesOf(pred Predicate) []value.Value {
	var out []value.Value
	collectLiterals(pred, &out)
	return out
}

func collectLiterals(pred Predicate, out *[]value.Value) {
	switch p := pred.(type) {
	case Eq:
		*out = append(*out, p.Value)
	case RangeOp:
		if p.HasLow {
			*out = append(*out, p.Low)
		}
		if p.HasHigh {
			*out = append(*out, p.High)
		}
	case In:
		*out = append(*out, p.Values...)
	case PrefixOp:
		*out = append(*out, value.String(p.Prefix))
	case ContainsOp:
		*out = append(*out, p.Needle)
	case And:
		for _, c := range p {
			collectLiterals(c, out)
		}
	case Or:
		for _, c := range p {
			collectLiterals(c, out)
		}
	case Not:
		collectLiterals(p.Pred, out)
	}
}

// PlanCacheEntry pairs a cached Plan with its field-set, so mutations can
// invalidate every cached plan/result touching a given field.
type PlanCacheEntry struct {
	Plan   Plan
	Fields map[string]struct{}
}

// PlanCache is an LRU+TTL cache of fingerprint -> chosen Plan (spec.md
// §4.9 "Plans are cached keyed by a query fingerprint ... LRU with a
// configurable capacity and TTL").
type PlanCache struct {
	cache *lru.Cache[Fingerprint, planCacheItem]
	ttl   int64 // nanoseconds; 0 disables expiry
	now   func() int64
}

type planCacheItem struct {
	entry     PlanCacheEntry
	expiresAt int64
}

// NewPlanCache creates a plan cache with the given capacity and TTL (in
// nanoseconds; 0 means entries never expire). now is injectable for
// deterministic tests; pass a real clock in production.
func NewPlanCache(capacity int, ttlNanos int64, now func() int64) *PlanCache {
	return &PlanCache{cache: lru.New[Fingerprint, planCacheItem](capacity), ttl: ttlNanos, now: now}
}

// Get returns the cached plan for fp if present and unexpired.
func (c *PlanCache) Get(fp Fingerprint) (PlanCacheEntry, bool) {
	item, ok := c.cache.Get(fp)
	if !ok {
		return PlanCacheEntry{}, false
	}
	if c.ttl > 0 && c.now() > item.expiresAt {
		c.cache.Remove(fp)
		return PlanCacheEntry{}, false
	}
	return item.entry, true
}

// Put caches entry under fp.
func (c *PlanCache) Put(fp Fingerprint, entry PlanCacheEntry) {
	var expiresAt int64
	if c.ttl > 0 {
		expiresAt = c.now() + c.ttl
	}
	c.cache.Put(fp, planCacheItem{entry: entry, expiresAt: expiresAt})
}

// InvalidateField drops every cached plan referencing field, called on
// any mutation touching that field (spec.md §4.9 "invalidation is per
// field-set on any mutation touching those fields").
func (c *PlanCache) InvalidateField(field string) {
	victims := c.cache.KeysWhere(func(_ Fingerprint, item planCacheItem) bool {
		_, ok := item.entry.Fields[field]
		return ok
	})
	for _, fp := range victims {
		c.cache.Remove(fp)
	}
}

// ResultKey identifies a cached result set: a query fingerprint plus the
// literal values that distinguish it from other queries of the same
// shape (spec.md §4.9 "query → result ids ... fingerprint plus literal
// values").
type ResultKey struct {
	Shape   Fingerprint
	Literal Fingerprint
}

// LiteralFingerprint hashes literal comparison values a shape-only
// Fingerprint deliberately omits, so ResultKey can distinguish queries
// that share a shape but differ in the constants they compare against.
func LiteralFingerprint(values ...value.Value) Fingerprint {
	h := sha256.New()
	for _, v := range values {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(v.Kind))
		h.Write(buf[:])
		h.Write([]byte(fmt.Sprintf("%v", v.Interface())))
	}
	var out Fingerprint
	copy(out[:], h.Sum(nil))
	return out
}

// ResultCache caches fingerprint+literals -> result entity ids.
type ResultCache struct {
	cache *lru.Cache[ResultKey, resultCacheItem]
}

type resultCacheItem struct {
	ids    []string
	fields map[string]struct{}
}

// NewResultCache creates a result cache bounded to capacity entries.
func NewResultCache(capacity int) *ResultCache {
	return &ResultCache{cache: lru.New[ResultKey, resultCacheItem](capacity)}
}

// Get returns the cached ids for key, if present.
func (c *ResultCache) Get(key ResultKey) ([]string, bool) {
	item, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	return item.ids, true
}

// Put caches ids under key, tagged with the fields the query referenced
// so a later InvalidateField can find it.
func (c *ResultCache) Put(key ResultKey, ids []string, fields map[string]struct{}) {
	c.cache.Put(key, resultCacheItem{ids: ids, fields: fields})
}

// InvalidateField drops every cached result referencing field.
func (c *ResultCache) InvalidateField(field string) {
	victims := c.cache.KeysWhere(func(_ ResultKey, item resultCacheItem) bool {
		_, ok := item.fields[field]
		return ok
	})
	for _, key := range victims {
		c.cache.Remove(key)
	}
}
