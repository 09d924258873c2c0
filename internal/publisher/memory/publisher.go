// Package memory contains an in-memory publisher for tests and dry runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/forum-crawler/internal/crawler"
)

// Publisher stores published events for inspection.
type Publisher struct {
	mu     sync.RWMutex
	events []crawler.PostsCaptured
	err    error
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes subsequent Publish calls return err.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish records the event.
func (p *Publisher) Publish(_ context.Context, event crawler.PostsCaptured) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	event.PostIDs = append([]string(nil), event.PostIDs...)
	p.events = append(p.events, event)
	return nil
}

// Events returns the recorded events.
func (p *Publisher) Events() []crawler.PostsCaptured {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]crawler.PostsCaptured, len(p.events))
	copy(out, p.events)
	return out
}
