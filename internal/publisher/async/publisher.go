// Package async decouples event delivery from the crawl loop. Events are
// buffered and handed to the wrapped publisher by a background goroutine.
package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/forum-crawler/internal/crawler"
)

// ErrBufferFull is returned when an event is dropped for backpressure.
var ErrBufferFull = errors.New("publish buffer full")

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("publisher closed")

// Config controls buffering and batching.
//   - BufferSize: capacity of the event channel (default 1024).
//   - MaxBatchEvents: deliver once this many events queue (default 100).
//   - MaxBatchWait: deliver after this long even if the batch is small (default 500ms).
//   - Timeout: per-event delivery timeout (default 10s).
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	Timeout        time.Duration
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 100
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultTimeout        = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Publisher never blocks the caller. It is safe for concurrent use.
type Publisher struct {
	cfg       Config
	target    crawler.Publisher
	events    chan crawler.PostsCaptured
	stopCh    chan struct{}
	doneCh    chan struct{}
	logger    *zap.Logger
	lastDrop  atomic.Int64
	dropped   atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	closed    atomic.Bool
	closeOnce sync.Once
}

// New starts the delivery goroutine for target.
func New(target crawler.Publisher, cfg Config) (*Publisher, error) {
	if target == nil {
		return nil, fmt.Errorf("target publisher is required")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		cfg:    cfg,
		target: target,
		events: make(chan crawler.PostsCaptured, cfg.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: logger,
	}
	go p.run()
	return p, nil
}

// Publish enqueues event. When the buffer is full the event is dropped and
// ErrBufferFull returned; warnings about drops are rate limited.
func (p *Publisher) Publish(_ context.Context, event crawler.PostsCaptured) error {
	if p.closed.Load() {
		return ErrClosed
	}
	event.PostIDs = append([]string(nil), event.PostIDs...)
	select {
	case p.events <- event:
		return nil
	default:
		n := p.dropped.Add(1)
		now := time.Now().UnixNano()
		last := p.lastDrop.Load()
		if now-last >= dropLogInterval.Nanoseconds() && p.lastDrop.CompareAndSwap(last, now) {
			p.logger.Warn("post events dropped due to backpressure", zap.Int64("dropped_total", n))
		}
		return ErrBufferFull
	}
}

// Stats reports delivered, failed and dropped event counts.
func (p *Publisher) Stats() (delivered, failed, dropped int64) {
	return p.delivered.Load(), p.failed.Load(), p.dropped.Load()
}

// Close stops accepting events, delivers what is buffered and waits for the
// goroutine to exit or ctx to end.
func (p *Publisher) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.stopCh)
	})
	select {
	case <-p.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("async publisher close: %w", ctx.Err())
	}
}

func (p *Publisher) run() {
	defer close(p.doneCh)
	batch := make([]crawler.PostsCaptured, 0, p.cfg.MaxBatchEvents)
	timer := time.NewTimer(p.cfg.MaxBatchWait)
	stopTimer(timer)
	for {
		select {
		case evt := <-p.events:
			batch = append(batch, evt)
			if len(batch) >= p.cfg.MaxBatchEvents {
				p.deliver(batch)
				batch = batch[:0]
				stopTimer(timer)
			} else if len(batch) == 1 {
				timer.Reset(p.cfg.MaxBatchWait)
			}
		case <-timer.C:
			p.deliver(batch)
			batch = batch[:0]
		case <-p.stopCh:
			stopTimer(timer)
			for {
				select {
				case evt := <-p.events:
					batch = append(batch, evt)
				default:
					p.deliver(batch)
					return
				}
			}
		}
	}
}

func (p *Publisher) deliver(batch []crawler.PostsCaptured) {
	for _, evt := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
		err := p.target.Publish(ctx, evt)
		cancel()
		if err != nil {
			p.failed.Add(1)
			p.logger.Warn("deliver post event failed",
				zap.String("topic_id", evt.TopicID),
				zap.String("source_url", evt.SourceURL),
				zap.Error(err),
			)
			continue
		}
		p.delivered.Add(1)
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
