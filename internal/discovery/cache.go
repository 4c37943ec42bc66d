package discovery

import (
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sasha-s/go-deadlock"

	"consensus-core/internal/logger"
	"consensus-core/internal/validator"
)

const DefaultCacheSize = 1024

// Cache keeps verified announcements until they expire. Reads go straight to
// the LRU; writes are serialized so the freshness check and insert are atomic.
type Cache struct {
	writeMu deadlock.Mutex

	chainID  string
	verifier Verifier
	entries  *expirable.LRU[validator.ID, Announcement]
	log      *logger.Logger
}

// NewCache creates a cache holding at most size announcements for ttl each.
// A zero ttl keeps entries until evicted by size.
func NewCache(chainID string, verifier Verifier, size int, ttl time.Duration, log *logger.Logger) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Cache{
		chainID:  chainID,
		verifier: verifier,
		entries:  expirable.NewLRU[validator.ID, Announcement](size, nil, ttl),
		log:      log,
	}
}

// Add verifies a and stores it unless a newer announcement for the same
// identity is already cached.
func (c *Cache) Add(a Announcement) error {
	if err := a.Verify(c.chainID, c.verifier); err != nil {
		return err
	}
	id, _ := a.ID()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if cur, ok := c.entries.Peek(id); ok && cur.LastUpdated > a.LastUpdated {
		return ErrStaleAnnouncement
	}
	c.entries.Add(id, a.Copy())
	c.log.Printf("discovery: cached %s stake=%d status=%s", id.Short(), a.Stake, a.Status)
	return nil
}

// Get returns the cached announcement for id.
func (c *Cache) Get(id validator.ID) (Announcement, bool) {
	a, ok := c.entries.Get(id)
	if !ok {
		return Announcement{}, false
	}
	return a.Copy(), true
}

// Remove drops id from the cache.
func (c *Cache) Remove(id validator.ID) bool {
	return c.entries.Remove(id)
}

// Len counts cached entries, expired ones not yet swept included.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Query returns unexpired announcements matching f, by descending stake with
// identity as tiebreak.
func (c *Cache) Query(f Filter) []Announcement {
	var out []Announcement
	for _, a := range c.entries.Values() {
		// Values pads with zero entries when some have expired
		if a.IdentityHash == "" {
			continue
		}
		if f.match(&a) {
			out = append(out, a.Copy())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stake != out[j].Stake {
			return out[i].Stake > out[j].Stake
		}
		return out[i].IdentityHash < out[j].IdentityHash
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}
