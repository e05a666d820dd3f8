package browser

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"

	"github.com/mohammad-safakhou/conductor/internal/capability"
)

// Supported operations.
const (
	OpNavigate    = "navigate"
	OpClick       = "click"
	OpType        = "type"
	OpWait        = "wait"
	OpExtractText = "extract_text"
)

const defaultMaxChars = 20000

// Provider drives a headless Chrome session. The browser context is
// shared across steps so page state survives between operations of one
// task.
type Provider struct {
	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	maxChars      int
	userAgent     string
}

// Option configures the provider.
type Option func(*Provider)

// WithMaxChars caps extracted article text length.
func WithMaxChars(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.maxChars = n
		}
	}
}

// WithUserAgent overrides the browser user agent.
func WithUserAgent(ua string) Option {
	return func(p *Provider) {
		if ua != "" {
			p.userAgent = ua
		}
	}
}

// New builds the provider. Chrome launches lazily on the first operation.
func New(opts ...Option) *Provider {
	p := &Provider{
		maxChars:  defaultMaxChars,
		userAgent: "Conductor/1.0",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Domain() capability.Domain { return capability.DomainBrowser }

func (p *Provider) Healthy() bool { return true }

// Close tears down the browser session.
func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.browserCancel != nil {
		p.browserCancel()
		p.browserCancel = nil
	}
	if p.allocCancel != nil {
		p.allocCancel()
		p.allocCancel = nil
	}
	p.browserCtx = nil
}

func (p *Provider) ensureBrowser() (context.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.browserCtx != nil && p.browserCtx.Err() == nil {
		return p.browserCtx, nil
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(p.userAgent),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	bctx, cancelBrowser := chromedp.NewContext(actx)
	// start the browser process now so the first step doesn't pay for it
	if err := chromedp.Run(bctx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	p.allocCancel = cancelAlloc
	p.browserCtx = bctx
	p.browserCancel = cancelBrowser
	return bctx, nil
}

// Execute runs one browser operation. The caller's context bounds the
// operation; the underlying browser session outlives it.
func (p *Provider) Execute(ctx context.Context, op string, args map[string]interface{}) (capability.Result, error) {
	actions, result, err := p.buildActions(op, args)
	if err != nil {
		return nil, err
	}

	bctx, err := p.ensureBrowser()
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(bctx)
	defer cancel()
	stop := propagateCancel(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result(), nil
}

// buildActions validates arguments and assembles the chromedp actions for
// an operation. The returned closure produces the result after the run.
func (p *Provider) buildActions(op string, args map[string]interface{}) ([]chromedp.Action, func() capability.Result, error) {
	switch op {
	case OpNavigate:
		target := stringArg(args, "url")
		if target == "" {
			return nil, nil, fmt.Errorf("navigate requires a url argument")
		}
		if _, err := url.ParseRequestURI(target); err != nil {
			return nil, nil, fmt.Errorf("navigate: invalid url %q", target)
		}
		var title string
		actions := []chromedp.Action{
			chromedp.Navigate(target),
			chromedp.WaitReady("body", chromedp.ByQuery),
			chromedp.Title(&title),
		}
		return actions, func() capability.Result {
			return capability.Result{"url": target, "title": title}
		}, nil

	case OpClick:
		sel := stringArg(args, "selector")
		if sel == "" {
			return nil, nil, fmt.Errorf("click requires a selector argument")
		}
		actions := []chromedp.Action{chromedp.Click(sel, chromedp.ByQuery)}
		return actions, func() capability.Result {
			return capability.Result{"clicked": sel}
		}, nil

	case OpType:
		sel := stringArg(args, "selector")
		text := stringArg(args, "text")
		if sel == "" || text == "" {
			return nil, nil, fmt.Errorf("type requires selector and text arguments")
		}
		actions := []chromedp.Action{chromedp.SendKeys(sel, text, chromedp.ByQuery)}
		return actions, func() capability.Result {
			return capability.Result{"typed_into": sel}
		}, nil

	case OpWait:
		sel := stringArg(args, "selector")
		if sel == "" {
			return nil, nil, fmt.Errorf("wait requires a selector argument")
		}
		actions := []chromedp.Action{chromedp.WaitVisible(sel, chromedp.ByQuery)}
		return actions, func() capability.Result {
			return capability.Result{"visible": sel}
		}, nil

	case OpExtractText:
		var html, pageURL string
		actions := []chromedp.Action{
			chromedp.Location(&pageURL),
			chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		}
		return actions, func() capability.Result {
			return p.extract(html, pageURL)
		}, nil

	default:
		return nil, nil, fmt.Errorf("unsupported browser operation %q", op)
	}
}

func (p *Provider) extract(html, pageURL string) capability.Result {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		parsed = &url.URL{}
	}
	article, err := readability.FromReader(strings.NewReader(html), parsed)
	if err != nil {
		return capability.Result{"url": pageURL, "text": ""}
	}
	text := strings.TrimSpace(article.TextContent)
	if len(text) > p.maxChars {
		text = text[:p.maxChars]
	}
	return capability.Result{
		"url":   pageURL,
		"title": strings.TrimSpace(article.Title),
		"text":  text,
	}
}

// Snapshot captures a screenshot of the current page for diagnosis.
func (p *Provider) Snapshot(ctx context.Context) (capability.Snapshot, error) {
	p.mu.Lock()
	bctx := p.browserCtx
	p.mu.Unlock()
	if bctx == nil || bctx.Err() != nil {
		return capability.Snapshot{Kind: "none", Note: "browser not running"}, nil
	}
	runCtx, cancel := context.WithTimeout(bctx, 5*time.Second)
	defer cancel()
	stop := propagateCancel(ctx, cancel)
	defer stop()

	var buf []byte
	if err := chromedp.Run(runCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return capability.Snapshot{}, fmt.Errorf("screenshot: %w", err)
	}
	return capability.Snapshot{Kind: "screenshot", Data: buf}, nil
}

// propagateCancel cancels the run when the caller's context ends. The
// returned stop func releases the watcher goroutine.
func propagateCancel(ctx context.Context, cancel context.CancelFunc) func() {
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stopped:
		}
	}()
	return func() { close(stopped) }
}

func stringArg(args map[string]interface{}, key string) string {
	if args == nil {
		return ""
	}
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
