package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/forum-crawler/internal/crawler"
)

// Frontier keeps frontier entries in a map guarded by a single mutex, which
// makes every claim atomic within the process.
type Frontier struct {
	mu      sync.Mutex
	entries map[string]*entry
	seq     int64
	clock   crawler.Clock
}

type entry struct {
	crawler.FrontierEntry
	seq int64
}

// NewFrontier constructs an empty Frontier. A nil clock uses wall time.
func NewFrontier(clock crawler.Clock) *Frontier {
	if clock == nil {
		clock = wallClock{}
	}
	return &Frontier{
		entries: make(map[string]*entry),
		clock:   clock,
	}
}

// AddURLs inserts unknown URLs as pending.
func (f *Frontier) AddURLs(_ context.Context, urls []string, urlType crawler.URLType) (int, error) {
	urls = crawler.CleanURLs(urls)
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.clock.Now()
	added := 0
	for _, u := range urls {
		if _, ok := f.entries[u]; ok {
			continue
		}
		f.seq++
		f.entries[u] = &entry{
			FrontierEntry: crawler.FrontierEntry{
				URL:         u,
				Type:        urlType,
				Status:      crawler.StatusPending,
				LastUpdated: now,
			},
			seq: f.seq,
		}
		added++
	}
	return added, nil
}

// ClaimBatch moves up to limit pending entries to processing, oldest first.
func (f *Frontier) ClaimBatch(_ context.Context, urlType crawler.URLType, limit int, owner string) ([]crawler.WorkItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	candidates := make([]*entry, 0)
	for _, e := range f.entries {
		if e.Status != crawler.StatusPending {
			continue
		}
		if urlType != "" && e.Type != urlType {
			continue
		}
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].LastUpdated.Equal(candidates[j].LastUpdated) {
			return candidates[i].seq < candidates[j].seq
		}
		return candidates[i].LastUpdated.Before(candidates[j].LastUpdated)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	now := f.clock.Now()
	items := make([]crawler.WorkItem, 0, len(candidates))
	for _, e := range candidates {
		e.Status = crawler.StatusProcessing
		e.ClaimedBy = owner
		e.LastUpdated = now
		items = append(items, crawler.WorkItem{URL: e.URL, Type: e.Type})
	}
	return items, nil
}

// IsClaimedOrDone reports whether url is completed or held by someone other than owner.
func (f *Frontier) IsClaimedOrDone(_ context.Context, url, owner string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[url]
	if !ok {
		return false, nil
	}
	return claimedOrDone(e.Status, e.ClaimedBy, owner), nil
}

func claimedOrDone(status crawler.Status, claimedBy, owner string) bool {
	switch status {
	case crawler.StatusCompleted:
		return true
	case crawler.StatusProcessing:
		return owner == "" || claimedBy != owner
	default:
		return owner != ""
	}
}

// MarkCompleted finishes an owned entry.
func (f *Frontier) MarkCompleted(_ context.Context, url, owner string) error {
	return f.finish(url, owner, crawler.StatusCompleted)
}

// MarkFailed fails an owned entry and bumps its attempt count.
func (f *Frontier) MarkFailed(_ context.Context, url, owner string) error {
	return f.finish(url, owner, crawler.StatusFailed)
}

func (f *Frontier) finish(url, owner string, status crawler.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[url]
	if !ok || e.Status != crawler.StatusProcessing || e.ClaimedBy != owner {
		return crawler.ErrNotClaimed
	}
	e.Status = status
	e.ClaimedBy = ""
	e.LastUpdated = f.clock.Now()
	if status == crawler.StatusFailed {
		e.Attempts++
	}
	return nil
}

// Release returns still-owned processing entries to pending.
func (f *Frontier) Release(_ context.Context, urls []string, owner string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.clock.Now()
	n := 0
	for _, u := range urls {
		e, ok := f.entries[u]
		if !ok || e.Status != crawler.StatusProcessing || e.ClaimedBy != owner {
			continue
		}
		e.Status = crawler.StatusPending
		e.ClaimedBy = ""
		e.LastUpdated = now
		n++
	}
	return n, nil
}

// ReclaimStale returns processing entries untouched for longer than olderThan to pending.
func (f *Frontier) ReclaimStale(_ context.Context, olderThan time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.clock.Now()
	cutoff := now.Add(-olderThan)
	n := 0
	for _, e := range f.entries {
		if e.Status != crawler.StatusProcessing || !e.LastUpdated.Before(cutoff) {
			continue
		}
		e.Status = crawler.StatusPending
		e.ClaimedBy = ""
		e.LastUpdated = now
		n++
	}
	return n, nil
}

// RetryFailed returns failed entries whose cooldown elapsed to pending.
func (f *Frontier) RetryFailed(_ context.Context, policy crawler.RetryPolicy) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.clock.Now()
	n := 0
	for _, e := range f.entries {
		if e.Status != crawler.StatusFailed || !policy.Eligible(e.Attempts) {
			continue
		}
		if now.Sub(e.LastUpdated) < policy.CooldownFor(e.Attempts) {
			continue
		}
		e.Status = crawler.StatusPending
		e.LastUpdated = now
		n++
	}
	return n, nil
}

// Stats counts entries by status.
func (f *Frontier) Stats(_ context.Context) (map[crawler.Status]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[crawler.Status]int, 4)
	for _, e := range f.entries {
		out[e.Status]++
	}
	return out, nil
}

// Get returns a copy of the entry for url.
func (f *Frontier) Get(url string) (crawler.FrontierEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[url]
	if !ok {
		return crawler.FrontierEntry{}, false
	}
	return e.FrontierEntry, true
}

// Entries returns copies of all entries ordered by insertion.
func (f *Frontier) Entries() []crawler.FrontierEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := make([]*entry, 0, len(f.entries))
	for _, e := range f.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	out := make([]crawler.FrontierEntry, 0, len(list))
	for _, e := range list {
		out = append(out, e.FrontierEntry)
	}
	return out
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
