// Package static renders destinations with a plain HTTP fetch via colly. It
// does not execute scripts and produces no screenshot.
package static

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/geolink/internal/links"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
}

// Renderer implements links.Renderer using the Colly collector.
type Renderer struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnHTML(string, colly.HTMLCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Renderer.
func New(cfg Config) *Renderer {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Renderer{cfg: cfg, baseCollector: c}
}

// Render fetches url and extracts HTML, visible body text and status code.
// Error statuses are rendered rather than failed so the classifier can see them.
func (r *Renderer) Render(ctx context.Context, url string, timeout time.Duration) (links.RenderResult, error) {
	var (
		result    links.RenderResult
		renderErr error
	)
	start := time.Now()
	collector := r.buildCollector(timeout)
	configureCollectorHooks(collector, start, &result, &renderErr)

	if err := runCollector(ctx, collector, url, &renderErr); err != nil {
		return links.RenderResult{}, err
	}
	if result.Screenshot == nil {
		result.Screenshot = []byte{}
	}
	return result, nil
}

func (r *Renderer) buildCollector(timeout time.Duration) *colly.Collector {
	collector := r.baseCollector.Clone()
	if r.cfg.UserAgent != "" {
		collector.UserAgent = r.cfg.UserAgent
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	collector.SetRequestTimeout(timeout)
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.IgnoreRobotsTxt = true
	return collector
}

func configureCollectorHooks(hooks collectorHooks, start time.Time, result *links.RenderResult, renderErr *error) {
	hooks.OnResponse(func(resp *colly.Response) {
		result.URL = resp.Request.URL.String()
		result.StatusCode = resp.StatusCode
		result.HTML = string(resp.Body)
		result.Duration = time.Since(start)
	})

	hooks.OnHTML("body", func(e *colly.HTMLElement) {
		body := e.DOM.Clone()
		body.Find("script, style, noscript, template").Remove()
		result.BodyText = strings.Join(strings.Fields(body.Text()), " ")
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*renderErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, renderErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("static render canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("static render %s: %w", url, err)
		}
		if *renderErr != nil {
			return fmt.Errorf("static render %s: %w", url, *renderErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
