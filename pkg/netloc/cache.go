package netloc

import (
	"sync"

	"github.com/markus-lassfolk/netlocd/pkg"
)

// CacheStats is a point-in-time view of the access point cache
type CacheStats struct {
	Known   int   `json:"known"`
	Unknown int   `json:"unknown"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Pruned  int64 `json:"pruned"`
}

// AccessPointCache holds the access points seen in recent scans, split into
// those the positioning service resolved and those it had no fix for.
// Entries only live while the access point keeps showing up in scans.
//
// The scan worker is the only writer. The lock exists so Stats can be read
// from the status endpoint while a cycle runs.
type AccessPointCache struct {
	mu      sync.RWMutex
	known   map[pkg.BSSID]pkg.ResolvedAccessPoint
	unknown map[pkg.BSSID]struct{}
	hits    int64
	misses  int64
	pruned  int64
}

// NewAccessPointCache creates an empty cache
func NewAccessPointCache() *AccessPointCache {
	return &AccessPointCache{
		known:   make(map[pkg.BSSID]pkg.ResolvedAccessPoint),
		unknown: make(map[pkg.BSSID]struct{}),
	}
}

// Prune drops every entry whose BSSID is not in current and returns how many
// were removed. Calling it twice with the same set removes nothing the second
// time.
func (c *AccessPointCache) Prune(current map[pkg.BSSID]struct{}) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id := range c.known {
		if _, ok := current[id]; !ok {
			delete(c.known, id)
			removed++
		}
	}
	for id := range c.unknown {
		if _, ok := current[id]; !ok {
			delete(c.unknown, id)
			removed++
		}
	}
	c.pruned += int64(removed)
	return removed
}

// LookupKnown returns the resolved position of id if it is cached
func (c *AccessPointCache) LookupKnown(id pkg.BSSID) (pkg.ResolvedAccessPoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ap, ok := c.known[id]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return ap, ok
}

// IsUnknown reports whether id was already looked up without a fix
func (c *AccessPointCache) IsUnknown(id pkg.BSSID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.unknown[id]
	return ok
}

// MarkKnown stores a resolved access point. An existing entry is kept as is.
func (c *AccessPointCache) MarkKnown(ap pkg.ResolvedAccessPoint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.known[ap.BSSID]; ok {
		return
	}
	delete(c.unknown, ap.BSSID)
	c.known[ap.BSSID] = ap
}

// MarkUnknown records that the service had no fix for id
func (c *AccessPointCache) MarkUnknown(id pkg.BSSID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.known, id)
	c.unknown[id] = struct{}{}
}

// Clear empties both sets
func (c *AccessPointCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.known = make(map[pkg.BSSID]pkg.ResolvedAccessPoint)
	c.unknown = make(map[pkg.BSSID]struct{})
}

// Stats returns entry counts and hit statistics
func (c *AccessPointCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{
		Known:   len(c.known),
		Unknown: len(c.unknown),
		Hits:    c.hits,
		Misses:  c.misses,
		Pruned:  c.pruned,
	}
}

// scanIdentifiers returns the set of BSSIDs in a scan
func scanIdentifiers(observed []pkg.ObservedAccessPoint) map[pkg.BSSID]struct{} {
	ids := make(map[pkg.BSSID]struct{}, len(observed))
	for _, ap := range observed {
		ids[ap.BSSID] = struct{}{}
	}
	return ids
}
