// Package headless renders destinations in headless Chrome via chromedp.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/geolink/internal/links"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultQuietPeriod = 500 * time.Millisecond
	idlePoll           = 50 * time.Millisecond
)

// Config controls the behavior of the headless renderer.
type Config struct {
	MaxParallel int
	UserAgent   string
	// QuietPeriod is how long the page must have no requests in flight
	// before it is considered settled.
	QuietPeriod time.Duration
}

// Renderer implements links.Renderer using chromedp and headless Chrome.
type Renderer struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a renderer backed by a shared Chrome allocator. Chrome starts
// lazily on the first render.
func New(cfg Config) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = defaultQuietPeriod
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(1366, 900),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Renderer{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts down the browser.
func (r *Renderer) Close() {
	r.allocCancel()
}

// Render navigates to url, waits for the network to go quiet and extracts
// body text, HTML, the document status code and a full-page PNG.
func (r *Renderer) Render(ctx context.Context, url string, timeout time.Duration) (links.RenderResult, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if err := r.acquire(ctx); err != nil {
		return links.RenderResult{}, err
	}
	defer r.release()

	tabCtx, tabCancel := chromedp.NewContext(r.allocator)
	defer tabCancel()
	tabCtx, cancel := context.WithTimeout(tabCtx, timeout)
	defer cancel()
	// Tie the tab to the caller so workflow cancellation closes it.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	tracker := newPageTracker()
	chromedp.ListenTarget(tabCtx, tracker.captureEvent)

	start := time.Now()
	var (
		html, bodyText, finalURL string
		screenshot               []byte
	)
	actions := []chromedp.Action{
		r.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		tracker.waitIdle(r.cfg.QuietPeriod),
		chromedp.Location(&finalURL),
		chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &bodyText),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.FullScreenshot(&screenshot, 100),
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return links.RenderResult{}, fmt.Errorf("chromedp render %s: %w", url, err)
	}

	status, responseURL := tracker.snapshotWithFallbacks(url, finalURL)
	return links.RenderResult{
		URL:        responseURL,
		HTML:       html,
		BodyText:   bodyText,
		StatusCode: status,
		Screenshot: screenshot,
		Duration:   time.Since(start),
	}, nil
}

func (r *Renderer) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	select {
	case r.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("render slot wait canceled: %w", ctx.Err())
	}
}

func (r *Renderer) release() {
	if r.limiter == nil {
		return
	}
	select {
	case <-r.limiter:
	default:
	}
}

// pageTracker follows the main document response and the number of network
// requests still in flight.
type pageTracker struct {
	mu         sync.Mutex
	status     int
	url        string
	mainFrame  cdp.FrameID
	haveFrame  bool
	inflight   map[network.RequestID]struct{}
	lastChange time.Time
	now        func() time.Time
}

func newPageTracker() *pageTracker {
	return &pageTracker{
		inflight:   make(map[network.RequestID]struct{}),
		lastChange: time.Now(),
		now:        time.Now,
	}
}

func (p *pageTracker) captureEvent(ev any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		// The first document request is the top-level navigation.
		if e.Type == network.ResourceTypeDocument && !p.haveFrame {
			p.mainFrame, p.haveFrame = e.FrameID, true
		}
		p.inflight[e.RequestID] = struct{}{}
		p.lastChange = p.now()
	case *network.EventLoadingFinished:
		delete(p.inflight, e.RequestID)
		p.lastChange = p.now()
	case *network.EventLoadingFailed:
		delete(p.inflight, e.RequestID)
		p.lastChange = p.now()
	case *network.EventResponseReceived:
		if e.Type != network.ResourceTypeDocument || e.Response == nil {
			return
		}
		if !p.haveFrame {
			p.mainFrame, p.haveFrame = e.FrameID, true
		}
		// iframes load documents too; only the main frame's counts.
		if e.FrameID == p.mainFrame {
			p.status = int(e.Response.Status)
			p.url = e.Response.URL
		}
	}
}

// idleFor reports whether nothing has been in flight for at least quiet.
func (p *pageTracker) idleFor(quiet time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight) == 0 && p.now().Sub(p.lastChange) >= quiet
}

func (p *pageTracker) waitIdle(quiet time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(idlePoll)
		defer ticker.Stop()
		for !p.idleFor(quiet) {
			select {
			case <-ctx.Done():
				return fmt.Errorf("wait for network idle: %w", ctx.Err())
			case <-ticker.C:
			}
		}
		return nil
	})
}

func (p *pageTracker) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	p.mu.Lock()
	status, url := p.status, p.url
	p.mu.Unlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}
