// internal/browser/session/session.go
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helmsman-ai/helmsman/api/schemas"
	"github.com/helmsman-ai/helmsman/internal/config"
)

// Session is a single live browser tab driven over the Chrome DevTools
// Protocol. It implements schemas.BrowserDriver. All operations run against
// the same tab; the session owns the allocator and tab contexts and tears
// both down on Close.
type Session struct {
	id     string
	logger *zap.Logger
	cfg    config.BrowserConfig

	// ctx is the tab context; allocCancel and tabCancel unwind the chromedp
	// context chain in reverse order of creation.
	ctx         context.Context
	allocCancel context.CancelFunc
	tabCancel   context.CancelFunc

	closeOnce sync.Once
}

var _ schemas.BrowserDriver = (*Session)(nil)

// NewSession launches a browser and opens the tab all subsequent operations
// target. The parent context bounds the whole browser lifetime.
func NewSession(parentCtx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Session, error) {
	sessionID := uuid.New().String()
	log := logger.Named("session").With(zap.String("session_id", sessionID))

	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.Flag("headless", cfg.Headless))
	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}
	if w, h := cfg.Viewport["width"], cfg.Viewport["height"]; w > 0 && h > 0 {
		opts = append(opts, chromedp.WindowSize(w, h))
	}
	for _, arg := range cfg.Args {
		opts = append(opts, chromedp.Flag(strings.TrimPrefix(arg, "--"), true))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parentCtx, opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		id:          sessionID,
		logger:      log,
		cfg:         cfg,
		ctx:         tabCtx,
		allocCancel: allocCancel,
		tabCancel:   tabCancel,
	}

	// Force the browser process to start now so a broken environment fails
	// loudly at construction instead of on the first user action.
	startCtx, cancel := context.WithTimeout(tabCtx, cfg.NavigationTimeout)
	defer cancel()
	if err := chromedp.Run(startCtx, chromedp.Navigate("about:blank")); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	log.Info("Browser session started.", zap.Bool("headless", cfg.Headless))
	return s, nil
}

// ID returns the session ID.
func (s *Session) ID() string {
	return s.id
}

// Close terminates the tab and the browser process.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.logger.Info("Closing browser session.")
		s.tabCancel()
		s.allocCancel()
	})
	return nil
}

// run executes chromedp actions with the operational context combined with
// the session lifecycle context and bounded by the given timeout.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	opCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	timedCtx, timedCancel := context.WithTimeout(opCtx, timeout)
	defer timedCancel()

	err := chromedp.Run(timedCtx, actions...)
	if err != nil && timedCtx.Err() == context.DeadlineExceeded && opCtx.Err() == nil {
		return fmt.Errorf("operation timed out after %v: %w", timeout, timedCtx.Err())
	}
	return err
}

// Navigate loads a URL and waits for the load event.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.logger.Info("Navigating", zap.String("url", url))
	err := s.run(ctx, s.cfg.NavigationTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return classifyError("navigate", url, err)
	}
	return nil
}

// Click clicks the first element matching the CSS selector.
func (s *Session) Click(ctx context.Context, selector string) error {
	err := s.run(ctx, s.cfg.ActionTimeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
	if err != nil {
		return classifyError("click", selector, err)
	}
	return nil
}

// Type clears the matching input and types the given text into it.
func (s *Session) Type(ctx context.Context, selector, text string) error {
	err := s.run(ctx, s.cfg.ActionTimeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
	if err != nil {
		return classifyError("type", selector, err)
	}
	return nil
}

// Select picks the option with the given value in a select element.
func (s *Session) Select(ctx context.Context, selector, value string) error {
	err := s.run(ctx, s.cfg.ActionTimeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, value, chromedp.ByQuery),
	)
	if err != nil {
		return classifyError("select", selector, err)
	}
	return nil
}

// Scroll moves the viewport by amount pixels in the given direction.
func (s *Session) Scroll(ctx context.Context, direction string, amount int) error {
	delta := amount
	if direction == "up" {
		delta = -amount
	}
	script := fmt.Sprintf(`window.scrollBy({top: %d, behavior: "instant"}); true`, delta)

	var ok bool
	err := s.run(ctx, s.cfg.ActionTimeout,
		chromedp.Evaluate(script, &ok, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithReturnByValue(true).WithSilent(true)
		}),
	)
	if err != nil {
		return classifyError("scroll", direction, err)
	}
	return nil
}

// Exists reports whether the selector currently matches at least one element.
func (s *Session) Exists(ctx context.Context, selector string) (bool, error) {
	script := fmt.Sprintf(`document.querySelector(%q) !== null`, selector)

	var found bool
	err := s.run(ctx, s.cfg.ActionTimeout,
		chromedp.Evaluate(script, &found, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithReturnByValue(true).WithSilent(true)
		}),
	)
	if err != nil {
		return false, classifyError("exists", selector, err)
	}
	return found, nil
}

// TextContent returns the visible text of the first matching element, or an
// empty string when nothing matches.
func (s *Session) TextContent(ctx context.Context, selector string) (string, error) {
	script := fmt.Sprintf(`(function() {
		const node = document.querySelector(%q);
		return node ? (node.innerText || node.textContent || "") : "";
	})()`, selector)

	var text string
	err := s.run(ctx, s.cfg.ActionTimeout,
		chromedp.Evaluate(script, &text, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithReturnByValue(true).WithSilent(true)
		}),
	)
	if err != nil {
		return "", classifyError("text_content", selector, err)
	}
	return text, nil
}

// Observe snapshots the page URL, title and a condensed DOM summary.
func (s *Session) Observe(ctx context.Context) (*schemas.PageObservation, error) {
	var rawHTML, url, title string
	err := s.run(ctx, s.cfg.ActionTimeout,
		chromedp.Location(&url),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &rawHTML, chromedp.ByQuery),
	)
	if err != nil {
		return nil, classifyError("observe", "", err)
	}

	summary, err := SummarizeHTML(rawHTML)
	if err != nil {
		s.logger.Debug("DOM summary failed, falling back to empty summary.", zap.Error(err))
		summary = ""
	}

	return &schemas.PageObservation{
		URL:        url,
		Title:      title,
		DOMSummary: summary,
		ObservedAt: time.Now(),
	}, nil
}

// Screenshot captures the viewport as PNG bytes.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := s.run(ctx, s.cfg.ActionTimeout,
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			buf, err = page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng).Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, classifyError("screenshot", "", err)
	}
	return buf, nil
}

// CombineContext creates a new context that is canceled when either parentCtx
// or secondaryCtx is canceled. This keeps every operation bounded by both the
// session lifecycle and the caller's deadline.
func CombineContext(parentCtx, secondaryCtx context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(parentCtx)

	go func() {
		select {
		case <-secondaryCtx.Done():
			cancel()
		case <-combinedCtx.Done():
		}
	}()

	return combinedCtx, cancel
}
