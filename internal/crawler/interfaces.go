package crawler

import (
	"context"
	"io"
	"time"
)

// Frontier is the shared, durable URL work queue with claim semantics.
type Frontier interface {
	// AddURLs inserts URLs that are not yet known and returns how many were new.
	AddURLs(ctx context.Context, urls []string, urlType URLType) (int, error)
	// ClaimBatch atomically moves up to limit pending entries to processing
	// under owner. An empty urlType matches any type.
	ClaimBatch(ctx context.Context, urlType URLType, limit int, owner string) ([]WorkItem, error)
	// IsClaimedOrDone reports whether url is completed or is no longer held by owner.
	IsClaimedOrDone(ctx context.Context, url, owner string) (bool, error)
	MarkCompleted(ctx context.Context, url, owner string) error
	MarkFailed(ctx context.Context, url, owner string) error
	// Release returns still-owned processing entries to pending.
	Release(ctx context.Context, urls []string, owner string) (int, error)
	// ReclaimStale returns processing entries older than olderThan to pending.
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error)
	// RetryFailed returns failed entries whose cooldown elapsed to pending.
	RetryFailed(ctx context.Context, policy RetryPolicy) (int, error)
	Stats(ctx context.Context) (map[Status]int, error)
}

// PostStore persists extracted posts. Duplicate post IDs are kept first-write-wins.
type PostStore interface {
	SavePosts(ctx context.Context, posts []Post) (SaveResult, error)
}

// Browser is the rendering surface driven by the orchestrator and challenge controller.
type Browser interface {
	Render(ctx context.Context, url string, timeout time.Duration) (string, error)
	Content(ctx context.Context) (string, error)
	CurrentTitle(ctx context.Context) (string, error)
	PointerMove(ctx context.Context, x, y float64) error
	Click(ctx context.Context, x, y float64) error
	Scroll(ctx context.Context, dx, dy float64) error
	Key(ctx context.Context, key string) error
	LocateRegion(ctx context.Context, selectors []string) (Region, bool, error)
	Viewport() Region
}

// Screenshotter is implemented by browsers that can capture the current page.
type Screenshotter interface {
	Screenshot(ctx context.Context) ([]byte, error)
}

// Extractor turns rendered page content into links and posts.
type Extractor interface {
	Extract(pageURL string, urlType URLType, content string) (Extraction, error)
	TopicID(pageURL string) string
}

// SeenCache remembers URLs already handed to the frontier.
type SeenCache interface {
	// Filter returns the subset of urls not seen recently.
	Filter(ctx context.Context, urls []string) ([]string, error)
	Mark(ctx context.Context, urls []string) error
}

// Publisher pushes post capture events downstream.
type Publisher interface {
	Publish(ctx context.Context, event PostsCaptured) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Sleeper blocks for a duration or until the context is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces worker IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes digests used for artifact naming.
type Hasher interface {
	Hash(data []byte) (string, error)
}
