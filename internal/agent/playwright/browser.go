// Package playwright drives a real browser for an agent through playwright-go.
package playwright

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Options configures the launched browser
type Options struct {
	// "chromium" or "firefox"
	Engine   string
	Headless bool

	// Download the driver and browsers before launching
	Install bool
}

// Browser owns one playwright browser and at most one open page. It
// implements agent.Browser.
type Browser struct {
	pw      *playwright.Playwright
	browser playwright.Browser

	mu      sync.Mutex
	context playwright.BrowserContext
	page    playwright.Page
}

// Launch starts playwright and the configured browser engine
func Launch(opts Options) (*Browser, error) {
	runOpts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if opts.Engine == "firefox" {
		runOpts.Browsers = []string{"firefox"}
	} else {
		runOpts.Browsers = []string{"chromium"}
	}

	if opts.Install {
		if err := playwright.Install(runOpts); err != nil {
			return nil, fmt.Errorf("failed to install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	engine, err := browserType(pw, opts.Engine)
	if err != nil {
		_ = pw.Stop()
		return nil, err
	}

	browser, err := engine.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to launch %s: %w", opts.Engine, err)
	}

	return &Browser{pw: pw, browser: browser}, nil
}

func browserType(pw *playwright.Playwright, engine string) (playwright.BrowserType, error) {
	switch engine {
	case "", "chromium":
		return pw.Chromium, nil
	case "firefox":
		return pw.Firefox, nil
	default:
		return nil, fmt.Errorf("unsupported browser engine %q", engine)
	}
}

// Prepare opens a fresh context and page, closing the previous ones
func (b *Browser) Prepare(_ context.Context, userAgent string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closePageLocked()

	opts := playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(true),
	}
	if userAgent != "" {
		opts.UserAgent = playwright.String(userAgent)
	}

	bctx, err := b.browser.NewContext(opts)
	if err != nil {
		return fmt.Errorf("failed to create context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return fmt.Errorf("failed to create page: %w", err)
	}

	b.context = bctx
	b.page = page
	return nil
}

// Visit navigates the prepared page and returns once the response headers
// arrived. Cancelling ctx closes the page, which aborts the navigation.
func (b *Browser) Visit(ctx context.Context, target string) error {
	b.mu.Lock()
	page := b.page
	b.mu.Unlock()
	if page == nil {
		return fmt.Errorf("no page prepared")
	}

	done := make(chan error, 1)
	go func() {
		_, err := page.Goto(target, gotoOptions(ctx, time.Now()))
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("navigation failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		_ = page.Close()
		<-done
		return ctx.Err()
	}
}

// gotoOptions waits for the navigation to commit and bounds it by the
// deadline of ctx
func gotoOptions(ctx context.Context, now time.Time) playwright.PageGotoOptions {
	commit := playwright.WaitUntilState("commit")
	opts := playwright.PageGotoOptions{WaitUntil: &commit}
	if deadline, ok := ctx.Deadline(); ok {
		ms := float64(deadline.Sub(now).Milliseconds())
		if ms < 1 {
			ms = 1
		}
		opts.Timeout = playwright.Float(ms)
	}
	return opts
}

// Reset closes the current page and context
func (b *Browser) Reset(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closePageLocked()
	return nil
}

func (b *Browser) closePageLocked() {
	if b.page != nil {
		_ = b.page.Close()
		b.page = nil
	}
	if b.context != nil {
		_ = b.context.Close()
		b.context = nil
	}
}

// Close shuts the browser and the playwright driver down
func (b *Browser) Close() error {
	b.mu.Lock()
	b.closePageLocked()
	b.mu.Unlock()

	var errs []error
	if err := b.browser.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := b.pw.Stop(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing browser: %v", errs)
	}
	return nil
}
