// Package webhook posts capture events to an HTTP endpoint.
package webhook

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/JakeFAU/forum-crawler/internal/crawler"
)

const maxErrorBody = 256

// Publisher posts JSON events with resty.
type Publisher struct {
	client *resty.Client
	url    string
	header map[string]string
}

// New returns a webhook Publisher. Headers are sent on every request.
func New(url string, timeout time.Duration, headers map[string]string) (*Publisher, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Publisher{
		client: resty.New().SetTimeout(timeout),
		url:    url,
		header: headers,
	}, nil
}

// Publish posts the event and treats non-2xx responses as errors.
func (p *Publisher) Publish(ctx context.Context, event crawler.PostsCaptured) error {
	req := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeaders(p.header).
		SetBody(event)
	resp, err := req.Execute(http.MethodPost, p.url)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	if resp.IsError() {
		body := resp.String()
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode(), body)
	}
	return nil
}
