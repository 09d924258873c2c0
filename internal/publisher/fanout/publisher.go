// Package fanout sends each event to several publishers.
package fanout

import (
	"context"
	"errors"

	"github.com/JakeFAU/forum-crawler/internal/crawler"
)

// Publisher delivers to every target and joins their errors.
type Publisher struct {
	targets []crawler.Publisher
}

// New drops nil targets.
func New(targets ...crawler.Publisher) *Publisher {
	kept := make([]crawler.Publisher, 0, len(targets))
	for _, t := range targets {
		if t != nil {
			kept = append(kept, t)
		}
	}
	return &Publisher{targets: kept}
}

// Len reports the number of targets.
func (p *Publisher) Len() int { return len(p.targets) }

// Publish calls every target even when an earlier one fails.
func (p *Publisher) Publish(ctx context.Context, event crawler.PostsCaptured) error {
	var errs []error
	for _, t := range p.targets {
		if err := t.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
