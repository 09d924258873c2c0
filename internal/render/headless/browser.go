// Package headless drives one persistent Chrome session through chromedp and
// exposes the input primitives the challenge controller needs.
package headless

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/JakeFAU/forum-crawler/internal/crawler"
)

// DefaultUserAgents is the pool a browser identity draws its user agent from.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
}

// DefaultReadySelectors marks a rendered Nairaland page.
const DefaultReadySelectors = "#up, .topictitle, table[summary='posts']"

const webdriverOverride = `Object.defineProperty(navigator, 'webdriver', { get: () => undefined });`

// Config controls the browser identity and navigation behavior.
type Config struct {
	Headless bool
	// UserDataDir keeps cookies and clearance between restarts when set.
	UserDataDir    string
	ExecPath       string
	ViewportWidth  int
	ViewportHeight int
	UserAgents     []string
	SettleDelay    time.Duration
	ReadySelectors string
	ReadyTimeout   time.Duration
	// PointerSteps is how many intermediate moves a pointer move is split into.
	PointerSteps      int
	NavigationTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = 1920
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = 1080
	}
	if len(c.UserAgents) == 0 {
		c.UserAgents = DefaultUserAgents
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.ReadySelectors == "" {
		c.ReadySelectors = DefaultReadySelectors
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 10 * time.Second
	}
	if c.PointerSteps <= 0 {
		c.PointerSteps = 10
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 60 * time.Second
	}
	return c
}

// Browser implements crawler.Browser and crawler.Screenshotter on one tab.
type Browser struct {
	cfg         Config
	userAgent   string
	logger      *zap.Logger
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	sleeper     crawler.Sleeper

	mu       sync.Mutex
	pointerX float64
	pointerY float64
}

// New launches Chrome with a persistent identity and opens the working tab.
func New(ctx context.Context, cfg Config, rng *rand.Rand, logger *zap.Logger) (*Browser, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	userAgent := pickUserAgent(cfg.UserAgents, rng)

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg, userAgent)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithErrorf(logger.Sugar().Debugf))

	b := &Browser{
		cfg:         cfg,
		userAgent:   userAgent,
		logger:      logger,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		sleeper:     crawler.TimerSleeper{},
	}

	err := b.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		if _, err := page.AddScriptToEvaluateOnNewDocument(webdriverOverride).Do(ctx); err != nil {
			return fmt.Errorf("install webdriver override: %w", err)
		}
		return nil
	}))
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	logger.Info("browser started",
		zap.Bool("headless", cfg.Headless),
		zap.String("user_data_dir", cfg.UserDataDir),
		zap.String("user_agent", userAgent),
	)
	return b, nil
}

func allocatorOptions(cfg Config, userAgent string) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-gpu", cfg.Headless),
		chromedp.UserAgent(userAgent),
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
	)
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

func pickUserAgent(pool []string, rng *rand.Rand) string {
	if len(pool) == 0 {
		return DefaultUserAgents[0]
	}
	return pool[rng.IntN(len(pool))]
}

// Close shuts the tab and the browser process.
func (b *Browser) Close() {
	if b == nil {
		return
	}
	b.tabCancel()
	b.allocCancel()
}

// UserAgent returns the identity's user agent.
func (b *Browser) UserAgent() string {
	return b.userAgent
}

// Render navigates to url and returns the page HTML. A navigation failure is
// reported as *crawler.RenderError alongside whatever content the tab holds.
func (b *Browser) Render(ctx context.Context, url string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = b.cfg.NavigationTimeout
	}
	navCtx, cancel := context.WithTimeout(b.tabCtx, timeout)
	stop := forwardCancel(ctx, cancel)
	navErr := chromedp.Run(navCtx, chromedp.Navigate(url))
	stop()
	cancel()
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var renderErr error
	if navErr != nil {
		renderErr = &crawler.RenderError{URL: url, Err: navErr}
	}
	b.settle(ctx)

	html, err := b.Content(ctx)
	if err != nil {
		if renderErr != nil {
			return "", renderErr
		}
		return "", &crawler.RenderError{URL: url, Err: err}
	}
	return html, renderErr
}

// settle waits the settle delay, then briefly for a ready selector.
func (b *Browser) settle(ctx context.Context) {
	if err := b.sleeper.Sleep(ctx, b.cfg.SettleDelay); err != nil {
		return
	}
	readyCtx, cancel := context.WithTimeout(b.tabCtx, b.cfg.ReadyTimeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()
	if err := chromedp.Run(readyCtx, chromedp.WaitVisible(b.cfg.ReadySelectors, chromedp.ByQuery)); err != nil {
		b.logger.Debug("ready selectors not visible", zap.Error(err))
	}
}

// Content returns the current document HTML.
func (b *Browser) Content(ctx context.Context) (string, error) {
	var html string
	if err := b.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	return html, nil
}

// CurrentTitle returns the document title.
func (b *Browser) CurrentTitle(ctx context.Context) (string, error) {
	var title string
	if err := b.run(ctx, chromedp.Title(&title)); err != nil {
		return "", fmt.Errorf("read title: %w", err)
	}
	return title, nil
}

// PointerMove glides the pointer from its last position to (x, y).
func (b *Browser) PointerMove(ctx context.Context, x, y float64) error {
	b.mu.Lock()
	fromX, fromY := b.pointerX, b.pointerY
	b.mu.Unlock()

	path := interpolate(fromX, fromY, x, y, b.cfg.PointerSteps)
	actions := make([]chromedp.Action, 0, len(path))
	for _, p := range path {
		actions = append(actions, chromedp.MouseEvent(input.MouseMoved, p[0], p[1]))
	}
	if err := b.run(ctx, actions...); err != nil {
		return fmt.Errorf("pointer move: %w", err)
	}
	b.mu.Lock()
	b.pointerX, b.pointerY = x, y
	b.mu.Unlock()
	return nil
}

// Click presses and releases the left button at (x, y).
func (b *Browser) Click(ctx context.Context, x, y float64) error {
	if err := b.run(ctx, chromedp.MouseClickXY(x, y)); err != nil {
		return fmt.Errorf("click: %w", err)
	}
	b.mu.Lock()
	b.pointerX, b.pointerY = x, y
	b.mu.Unlock()
	return nil
}

// Scroll dispatches a wheel event at the pointer position.
func (b *Browser) Scroll(ctx context.Context, dx, dy float64) error {
	b.mu.Lock()
	x, y := b.pointerX, b.pointerY
	b.mu.Unlock()
	wheel := chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseWheel, x, y).WithDeltaX(dx).WithDeltaY(dy).Do(ctx)
	})
	if err := b.run(ctx, wheel); err != nil {
		return fmt.Errorf("scroll: %w", err)
	}
	return nil
}

// Key presses a named key such as "PageDown".
func (b *Browser) Key(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("key: %w", crawler.ErrUnsupported)
	}
	if err := b.run(ctx, chromedp.KeyEvent(keySequence(key))); err != nil {
		return fmt.Errorf("key %s: %w", key, err)
	}
	return nil
}

// LocateRegion returns the box of the first selector that matches a laid-out element.
func (b *Browser) LocateRegion(ctx context.Context, selectors []string) (crawler.Region, bool, error) {
	for _, sel := range selectors {
		var (
			region crawler.Region
			found  bool
		)
		err := b.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
			var nodes []*cdp.Node
			if err := chromedp.Nodes(sel, &nodes, chromedp.ByQuery, chromedp.AtLeast(0)).Do(ctx); err != nil {
				return err
			}
			if len(nodes) == 0 {
				return nil
			}
			model, err := dom.GetBoxModel().WithNodeID(nodes[0].NodeID).Do(ctx)
			if err != nil {
				return err
			}
			region, found = boxRegion(model)
			return nil
		}))
		if err != nil {
			return crawler.Region{}, false, fmt.Errorf("locate %q: %w", sel, err)
		}
		if found {
			return region, true, nil
		}
	}
	return crawler.Region{}, false, nil
}

// Viewport returns the configured window size.
func (b *Browser) Viewport() crawler.Region {
	return crawler.Region{Width: float64(b.cfg.ViewportWidth), Height: float64(b.cfg.ViewportHeight)}
}

// Screenshot captures the visible page as PNG.
func (b *Browser) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := b.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return buf, nil
}

// run executes actions on the tab while honoring cancellation of ctx.
func (b *Browser) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(b.tabCtx)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()
	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return errors.Join(ctx.Err(), err)
	}
	return err
}

func boxRegion(model *dom.BoxModel) (crawler.Region, bool) {
	if model == nil || len(model.Content) < 8 || model.Width <= 0 || model.Height <= 0 {
		return crawler.Region{}, false
	}
	return crawler.Region{
		X:      model.Content[0],
		Y:      model.Content[1],
		Width:  float64(model.Width),
		Height: float64(model.Height),
	}, true
}

// interpolate returns steps evenly spaced points ending at (toX, toY).
func interpolate(fromX, fromY, toX, toY float64, steps int) [][2]float64 {
	if steps < 1 {
		steps = 1
	}
	out := make([][2]float64, 0, steps)
	for i := 1; i <= steps; i++ {
		f := float64(i) / float64(steps)
		out = append(out, [2]float64{fromX + (toX-fromX)*f, fromY + (toY-fromY)*f})
	}
	return out
}

var namedKeys = map[string]string{
	"PageDown":   kb.PageDown,
	"PageUp":     kb.PageUp,
	"Enter":      kb.Enter,
	"Tab":        kb.Tab,
	"Escape":     kb.Escape,
	"ArrowDown":  kb.ArrowDown,
	"ArrowUp":    kb.ArrowUp,
	"Home":       kb.Home,
	"End":        kb.End,
	"Space":      " ",
	"Backspace":  kb.Backspace,
	"ArrowLeft":  kb.ArrowLeft,
	"ArrowRight": kb.ArrowRight,
}

func keySequence(key string) string {
	if seq, ok := namedKeys[key]; ok {
		return seq
	}
	return key
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
