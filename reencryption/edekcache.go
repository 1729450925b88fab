package reencryption

import "sync"

// EdekCache is the process-wide cache of recently-created EDEKs that the
// namespace keeps so that file-create doesn't have to wait on a KMS
// round trip. Submit drains the cache for the zone it accepts so none of
// those cached, stale-key-version EDEKs are served to new readers once
// re-encryption starts.
//
// Adapted from erigon-lib/kv/membatch/mapmutation.go's Mapmutation: the
// same map-of-maps-under-one-RWMutex buffer, repurposed from "writes
// staged before a real DB commit" to "EDEKs staged before the zone
// they belong to starts draining".
type EdekCache struct {
	mu      sync.RWMutex
	byZone  map[ZoneId]map[int64][]byte
	entries int
}

// NewEdekCache returns an empty cache.
func NewEdekCache() *EdekCache {
	return &EdekCache{byZone: make(map[ZoneId]map[int64][]byte)}
}

// Put records a newly-minted EDEK for an inode under a zone, as the
// namespace's create path would on every encrypted file create.
func (c *EdekCache) Put(zone ZoneId, inodeId int64, edek []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.byZone[zone]
	if !ok {
		m = make(map[int64][]byte)
		c.byZone[zone] = m
	}
	if _, exists := m[inodeId]; !exists {
		c.entries++
	}
	m[inodeId] = edek
}

// DrainZone removes and returns every cached entry for a zone, called
// once at submit() time so the coordinator's walk is the sole source of
// truth for which files still need re-encryption.
func (c *EdekCache) DrainZone(zone ZoneId) map[int64][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.byZone[zone]
	if !ok {
		return nil
	}
	delete(c.byZone, zone)
	c.entries -= len(m)
	return m
}

// Len reports the total number of cached entries across all zones.
func (c *EdekCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries
}
