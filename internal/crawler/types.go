package crawler

import (
	"time"
)

// URLType distinguishes listing pages (boards, front page) from topic pages.
type URLType string

// URL types stored in the frontier.
const (
	URLTypeListing URLType = "listing"
	URLTypeTopic   URLType = "topic"
)

// Valid reports whether t is a known URL type.
func (t URLType) Valid() bool {
	return t == URLTypeListing || t == URLTypeTopic
}

// Status is the claim state of a frontier entry.
type Status string

// Frontier status values.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// WorkItem is one (url, type) pair claimed from the frontier.
type WorkItem struct {
	URL  string  `json:"url"`
	Type URLType `json:"type"`
}

// FrontierEntry is a full frontier row.
type FrontierEntry struct {
	URL         string    `json:"url"`
	Type        URLType   `json:"type"`
	Status      Status    `json:"status"`
	LastUpdated time.Time `json:"last_updated"`
	ClaimedBy   string    `json:"claimed_by,omitempty"`
	Attempts    int       `json:"attempts"`
}

// Post is a single forum post extracted from a topic page.
type Post struct {
	ID        string    `json:"post_id"`
	Author    string    `json:"author"`
	PostTime  string    `json:"post_time"`
	Content   string    `json:"content"`
	SourceURL string    `json:"source_url"`
	TopicID   string    `json:"topic_id"`
	ScrapedAt time.Time `json:"scraped_at"`
}

// SaveResult reports how many posts were newly stored versus already present.
type SaveResult struct {
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
}

// Extraction is everything the extractor found on one rendered page.
type Extraction struct {
	TopicLinks      []string
	PaginationLinks []string
	Posts           []Post
	// Mismatches counts post blocks that did not match the expected structure.
	Mismatches int
}

// RetryPolicy controls when failed entries become pending again.
type RetryPolicy struct {
	Cooldown    time.Duration
	Exponential bool
	// MaxAttempts caps retries; zero means unlimited.
	MaxAttempts int
}

// CooldownFor returns the cooldown that applies after the given number of failures.
func (p RetryPolicy) CooldownFor(attempts int) time.Duration {
	if !p.Exponential || attempts <= 1 {
		return p.Cooldown
	}
	exp := attempts - 1
	if exp > MaxRetryExponent {
		exp = MaxRetryExponent
	}
	return p.Cooldown * time.Duration(1<<exp)
}

// Eligible reports whether an entry with the given attempts may be retried at all.
func (p RetryPolicy) Eligible(attempts int) bool {
	return p.MaxAttempts <= 0 || attempts < p.MaxAttempts
}

// MaxRetryExponent caps the doubling applied by exponential retry cooldowns.
const MaxRetryExponent = 16

// Region is a rectangle in viewport coordinates.
type Region struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the midpoint of the region.
func (r Region) Center() (float64, float64) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// PostsCaptured is published after a topic page's posts are stored.
type PostsCaptured struct {
	WorkerID   string    `json:"worker_id"`
	TopicID    string    `json:"topic_id"`
	SourceURL  string    `json:"source_url"`
	PostIDs    []string  `json:"post_ids"`
	Inserted   int       `json:"inserted"`
	CapturedAt time.Time `json:"captured_at"`
}
