package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/forum-crawler/internal/crawler"
)

// PostStore keeps posts keyed by post ID; the first write for an ID wins.
type PostStore struct {
	mu    sync.RWMutex
	posts map[string]crawler.Post
}

// NewPostStore constructs an empty PostStore.
func NewPostStore() *PostStore {
	return &PostStore{posts: make(map[string]crawler.Post)}
}

// SavePosts inserts posts whose IDs are not yet stored.
func (s *PostStore) SavePosts(_ context.Context, posts []crawler.Post) (crawler.SaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res crawler.SaveResult
	for _, p := range posts {
		if p.ID == "" {
			continue
		}
		if _, ok := s.posts[p.ID]; ok {
			res.Duplicates++
			continue
		}
		s.posts[p.ID] = p
		res.Inserted++
	}
	return res, nil
}

// Get returns the stored post for id.
func (s *PostStore) Get(id string) (crawler.Post, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.posts[id]
	return p, ok
}

// Len returns the number of stored posts.
func (s *PostStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.posts)
}

// IDs returns stored post IDs in sorted order.
func (s *PostStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.posts))
	for id := range s.posts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
