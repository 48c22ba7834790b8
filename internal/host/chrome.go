package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/sbswitch/sbswitch/internal/credential"
	"github.com/sbswitch/sbswitch/internal/errors"
	"github.com/sbswitch/sbswitch/internal/logging"
	"github.com/sbswitch/sbswitch/internal/models"
)

// ChromeConfig configures the DevTools bridge.
type ChromeConfig struct {
	DebugURL     string
	DashboardURL string
	PageHost     string
	Timeout      time.Duration
}

// ChromeHost drives an already running Chrome through its remote debugging
// port. Pages are attached, never created or closed, except by OpenPage.
type ChromeHost struct {
	cfg     ChromeConfig
	codec   credential.Codec
	matcher Matcher
	logger  *logging.Logger

	allocCancel context.CancelFunc
	browserCtx  context.Context

	mu   sync.Mutex
	tabs map[target.ID]context.Context
}

// NewChromeHost connects to the browser at cfg.DebugURL.
func NewChromeHost(ctx context.Context, cfg ChromeConfig, codec credential.Codec, logger *logging.Logger) (*ChromeHost, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if logger == nil {
		logger = logging.Nop()
	}

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, cfg.DebugURL)
	browserCtx, _ := chromedp.NewContext(allocCtx)

	// Targets allocates the browser connection without opening a tab. The
	// browser context must not carry a deadline, it lives as long as the host.
	if _, err := chromedp.Targets(browserCtx); err != nil {
		allocCancel()
		return nil, fmt.Errorf("connect to browser at %s: %w", cfg.DebugURL, err)
	}

	logger.Info("connected to browser", "debug_url", cfg.DebugURL)
	return &ChromeHost{
		cfg:         cfg,
		codec:       codec,
		matcher:     NewMatcher(cfg.DashboardURL, cfg.PageHost),
		logger:      logger.With("component", "host"),
		allocCancel: allocCancel,
		browserCtx:  browserCtx,
		tabs:        make(map[target.ID]context.Context),
	}, nil
}

// Close drops the DevTools connection. The browser and its pages stay open.
func (h *ChromeHost) Close() error {
	h.allocCancel()
	return nil
}

func (h *ChromeHost) browserExec(ctx context.Context) context.Context {
	return cdp.WithExecutor(ctx, chromedp.FromContext(h.browserCtx).Browser)
}

func (h *ChromeHost) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, h.cfg.Timeout)
}

// ActivePage returns the first page whose URL is on the dashboard host.
func (h *ChromeHost) ActivePage(ctx context.Context) (PageHandle, error) {
	ctx, cancel := h.withTimeout(ctx)
	defer cancel()

	infos, err := target.GetTargets().Do(h.browserExec(ctx))
	if err != nil {
		return PageHandle{}, &errors.ErrNoActivePage{Reason: err.Error()}
	}
	page, ok := selectPage(infos, h.matcher)
	if !ok {
		return PageHandle{}, &errors.ErrNoActivePage{}
	}
	return page, nil
}

// selectPage picks the first page target on the dashboard host.
func selectPage(infos []*target.Info, m Matcher) (PageHandle, bool) {
	for _, info := range infos {
		if info == nil || info.Type != "page" {
			continue
		}
		if m.OnHost(info.URL) {
			return PageHandle{ID: string(info.TargetID), URL: info.URL, Title: info.Title}, true
		}
	}
	return PageHandle{}, false
}

// OpenPage opens rawURL in a new tab.
func (h *ChromeHost) OpenPage(ctx context.Context, rawURL string) (PageHandle, error) {
	ctx, cancel := h.withTimeout(ctx)
	defer cancel()

	id, err := target.CreateTarget(rawURL).Do(h.browserExec(ctx))
	if err != nil {
		return PageHandle{}, fmt.Errorf("open page: %w", err)
	}
	return PageHandle{ID: string(id), URL: rawURL}, nil
}

// tab returns a chromedp context attached to the page, attaching on first
// use without a deadline so the attachment outlives the call.
func (h *ChromeHost) tab(page PageHandle) (context.Context, error) {
	id := target.ID(page.ID)

	h.mu.Lock()
	defer h.mu.Unlock()
	if ctx, ok := h.tabs[id]; ok {
		return ctx, nil
	}
	ctx, _ := chromedp.NewContext(h.browserCtx, chromedp.WithTargetID(id))
	if err := chromedp.Run(ctx); err != nil {
		return nil, &errors.ErrNoActivePage{Reason: fmt.Sprintf("attach to page %s: %v", page.ID, err)}
	}
	h.tabs[id] = ctx
	return ctx, nil
}

func (h *ChromeHost) run(ctx context.Context, page PageHandle, actions ...chromedp.Action) error {
	tabCtx, err := h.tab(page)
	if err != nil {
		return err
	}
	runCtx, cancel := h.withTimeout(tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err = chromedp.Run(runCtx, actions...)
	if err != nil && tabCtx.Err() != nil {
		// The page went away; attach again next time.
		h.mu.Lock()
		delete(h.tabs, target.ID(page.ID))
		h.mu.Unlock()
	}
	return err
}

func (h *ChromeHost) readStorage(ctx context.Context, page PageHandle) (models.CredentialSet, error) {
	var pairs [][]string
	if err := h.run(ctx, page, chromedp.Evaluate(readStorageScript, &pairs)); err != nil {
		return models.CredentialSet{}, fmt.Errorf("read page storage: %w", err)
	}
	return entriesToSet(pairs), nil
}

// ExtractCredentials reads the page's auth-scoped storage entries.
func (h *ChromeHost) ExtractCredentials(ctx context.Context, page PageHandle) (models.CredentialSet, models.UserSummary, error) {
	all, err := h.readStorage(ctx, page)
	if err != nil {
		return models.CredentialSet{}, models.UserSummary{}, err
	}
	set := h.codec.FilterStorageKeys(all)
	user, _ := credential.SummarizeSet(set)
	h.logger.DebugWithContext(ctx, "credentials extracted", "page_id", page.ID, "keys", set.Len())
	return set, user, nil
}

// InjectCredentials replaces the page's auth-scoped storage with set and
// loads the dashboard.
func (h *ChromeHost) InjectCredentials(ctx context.Context, page PageHandle, set models.CredentialSet) error {
	script, err := writeStorageScript(h.codec.Prefix, credential.StorageKeyword, set)
	if err != nil {
		return fmt.Errorf("build storage script: %w", err)
	}
	var written int
	err = h.run(ctx, page,
		chromedp.Evaluate(script, &written),
		chromedp.Navigate(h.cfg.DashboardURL),
	)
	if err != nil {
		return fmt.Errorf("inject credentials: %w", err)
	}
	h.logger.DebugWithContext(ctx, "credentials injected", "page_id", page.ID, "keys", written)
	return nil
}

// Navigations reports page URL changes until ctx is done.
func (h *ChromeHost) Navigations(ctx context.Context) (<-chan NavigationEvent, error) {
	setupCtx, cancel := h.withTimeout(ctx)
	defer cancel()
	if err := target.SetDiscoverTargets(true).Do(h.browserExec(setupCtx)); err != nil {
		return nil, fmt.Errorf("enable target discovery: %w", err)
	}

	out := make(chan NavigationEvent, 16)
	var (
		mu     sync.Mutex
		closed bool
	)
	chromedp.ListenBrowser(h.browserCtx, func(ev interface{}) {
		nav, ok := navigationFrom(ev, time.Now())
		if !ok {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case out <- nav:
		default:
			h.logger.Warn("navigation event dropped", "page_id", nav.PageID)
		}
	})
	go func() {
		<-ctx.Done()
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out, nil
}

// navigationFrom converts a target info change of a page into an event.
func navigationFrom(ev interface{}, at time.Time) (NavigationEvent, bool) {
	changed, ok := ev.(*target.EventTargetInfoChanged)
	if !ok || changed.TargetInfo == nil || changed.TargetInfo.Type != "page" {
		return NavigationEvent{}, false
	}
	return NavigationEvent{
		PageID: string(changed.TargetInfo.TargetID),
		URL:    changed.TargetInfo.URL,
		At:     at,
	}, true
}

var _ Host = (*ChromeHost)(nil)
