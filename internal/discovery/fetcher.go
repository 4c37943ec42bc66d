package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sasha-s/go-deadlock"

	"consensus-core/internal/logger"
)

// Fetcher pulls announcements from a peer endpoint serving
// {"announcements": [...]} into a Cache.
type Fetcher struct {
	url       string
	cache     *Cache
	client    *http.Client
	interval  time.Duration
	log       *logger.Logger
	mu        deadlock.Mutex
	lastFetch time.Time
}

type announcementsResp struct {
	Announcements []Announcement `json:"announcements"`
}

// NewFetcher returns nil when url is empty.
func NewFetcher(url string, cache *Cache, interval time.Duration, log *logger.Logger) *Fetcher {
	if url == "" || cache == nil {
		return nil
	}
	if log == nil {
		log = logger.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Fetcher{
		url:      strings.TrimSuffix(url, "/"),
		cache:    cache,
		client:   &http.Client{Timeout: 10 * time.Second},
		interval: interval,
		log:      log,
	}
}

// MaybeRefresh fetches only when the last successful fetch is older than the
// refresh interval. Concurrent callers wait for one fetch.
func (f *Fetcher) MaybeRefresh(ctx context.Context) (int, error) {
	if f == nil {
		return 0, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.lastFetch.IsZero() && time.Since(f.lastFetch) <= f.interval {
		return 0, nil
	}
	return f.refreshLocked(ctx)
}

// Refresh fetches unconditionally and returns how many announcements were accepted.
func (f *Fetcher) Refresh(ctx context.Context) (int, error) {
	if f == nil {
		return 0, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshLocked(ctx)
}

func (f *Fetcher) refreshLocked(ctx context.Context) (int, error) {
	anns, err := f.fetch(ctx)
	if err != nil {
		f.log.Warnf("discovery: fetch %s: %v", f.url, err)
		return 0, err
	}

	accepted, rejected := 0, 0
	for _, a := range anns {
		if err := f.cache.Add(a); err != nil {
			rejected++
			f.log.Printf("discovery: rejected announcement %.16s: %v", a.IdentityHash, err)
			continue
		}
		accepted++
	}
	f.lastFetch = time.Now()
	f.log.Printf("discovery: fetched %d announcements, accepted %d, rejected %d", len(anns), accepted, rejected)
	return accepted, nil
}

func (f *Fetcher) fetch(ctx context.Context) ([]Announcement, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var payload announcementsResp
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode announcements: %w", err)
	}
	return payload.Announcements, nil
}

// Handler serves the cache contents in the format Fetcher reads.
func Handler(c *Cache) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(announcementsResp{Announcements: c.Query(Filter{})}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
