package challenge

import (
	"context"
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/JakeFAU/forum-crawler/internal/crawler"
)

// Strategy performs the input actions for one evasion iteration.
type Strategy interface {
	Interact(ctx context.Context, b crawler.Browser, iteration int) error
}

// DefaultWidgetSelectors locate the Turnstile widget frame.
var DefaultWidgetSelectors = []string{
	`iframe[src*="challenges.cloudflare.com"]`,
	`iframe[title*="Cloudflare"]`,
	`iframe[title*="widget"]`,
}

// HumanStrategy moves, scrolls and clicks the way a hesitant visitor would.
type HumanStrategy struct {
	WidgetSelectors []string
	// ClickAfter is the first iteration allowed to click the widget.
	ClickAfter int
	rng        *rand.Rand
	logger     *zap.Logger
}

// NewHumanStrategy builds a HumanStrategy. A nil rng is seeded randomly.
func NewHumanStrategy(selectors []string, clickAfter int, rng *rand.Rand, logger *zap.Logger) *HumanStrategy {
	if len(selectors) == 0 {
		selectors = DefaultWidgetSelectors
	}
	if clickAfter <= 0 {
		clickAfter = 3
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HumanStrategy{
		WidgetSelectors: selectors,
		ClickAfter:      clickAfter,
		rng:             rng,
		logger:          logger,
	}
}

// Interact runs the actions scheduled for iteration. Individual input failures
// are logged and do not stop the remaining actions.
func (s *HumanStrategy) Interact(ctx context.Context, b crawler.Browser, iteration int) error {
	view := b.Viewport()
	if iteration%2 == 0 {
		x, y := s.randomPoint(view)
		s.try(iteration, "pointer_move", b.PointerMove(ctx, x, y))
	}
	if iteration%5 == 0 {
		s.try(iteration, "scroll", b.Scroll(ctx, 0, 100))
	}

	region, found, err := b.LocateRegion(ctx, s.WidgetSelectors)
	if err != nil {
		s.try(iteration, "locate_widget", err)
		found = false
	}
	if found && region.Width > 0 {
		if iteration >= s.ClickAfter && iteration%3 == 0 {
			x := region.X + 30 + float64(s.rng.IntN(11))
			y := region.Y + region.Height/2
			s.try(iteration, "pointer_move", b.PointerMove(ctx, x, y))
			s.try(iteration, "click_widget", b.Click(ctx, x, y))
			s.logger.Info("interacted with challenge widget", zap.Int("iteration", iteration))
		}
		return ctx.Err()
	}
	if iteration > 6 && iteration%5 == 0 {
		x, y := view.Center()
		s.try(iteration, "click_center", b.Click(ctx, x, y+100))
	}
	return ctx.Err()
}

func (s *HumanStrategy) randomPoint(view crawler.Region) (float64, float64) {
	w, h := int(view.Width), int(view.Height)
	if w <= 0 {
		w = 1000
	}
	if h <= 0 {
		h = 800
	}
	return view.X + float64(s.rng.IntN(w)), view.Y + float64(s.rng.IntN(h))
}

func (s *HumanStrategy) try(iteration int, action string, err error) {
	if err == nil {
		return
	}
	s.logger.Debug("challenge input failed",
		zap.Int("iteration", iteration),
		zap.String("action", action),
		zap.Error(err),
	)
}
