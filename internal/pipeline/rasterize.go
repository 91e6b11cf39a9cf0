package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/yungbote/posterforge/internal/platform/logger"
)

// Rasterizer renders an HTML document to a fixed-size PNG.
type Rasterizer interface {
	Render(ctx context.Context, html string, width, height int, deadline time.Duration) ([]byte, error)
	Close() error
}

var (
	containerWidthPattern  = regexp.MustCompile(`(?is)\.poster-container[^}]*width:\s*(\d+)px`)
	containerHeightPattern = regexp.MustCompile(`(?is)\.poster-container[^}]*height:\s*(\d+)px`)
	anyWidthPattern        = regexp.MustCompile(`(?is)width:\s*(\d+)px`)
	anyHeightPattern       = regexp.MustCompile(`(?is)height:\s*(\d+)px`)
)

// detectDimensions looks for a fixed pixel size declared in the template's own CSS
// (`.poster-container { width: ...; height: ... }` or any other sufficiently large
// fixed-size block) and prefers it over the caller-requested dimensions, mirroring
// how the original renderer let templates self-declare their canvas.
func detectDimensions(html string, width, height int) (int, int) {
	if wm := containerWidthPattern.FindStringSubmatch(html); wm != nil {
		if hm := containerHeightPattern.FindStringSubmatch(html); hm != nil {
			w, err1 := strconv.Atoi(wm[1])
			h, err2 := strconv.Atoi(hm[1])
			if err1 == nil && err2 == nil {
				return w, h
			}
		}
	}
	if wm := anyWidthPattern.FindStringSubmatch(html); wm != nil {
		if hm := anyHeightPattern.FindStringSubmatch(html); hm != nil {
			w, err1 := strconv.Atoi(wm[1])
			h, err2 := strconv.Atoi(hm[1])
			if err1 == nil && err2 == nil && w >= 500 && h >= 500 {
				return w, h
			}
		}
	}
	return width, height
}

// chromeRasterizer is a pooled chromedp-backed Rasterizer. A single headless browser
// allocator is shared across items; every Render call opens its own scoped tab
// (chromedp.NewContext from the shared browser context) so concurrent items don't
// interfere with one another's navigation state.
type chromeRasterizer struct {
	log           *logger.Logger
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	mu            sync.Mutex
	initialized   bool
}

// NewChromeRasterizer lazily initializes its headless browser on the first Render
// call rather than at construction time, so a process that never generates a poster
// never pays the browser startup cost.
func NewChromeRasterizer(log *logger.Logger) Rasterizer {
	return &chromeRasterizer{log: log.With("component", "Rasterizer")}
}

func (r *chromeRasterizer) ensureBrowser() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-accelerated-2d-canvas", true),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	if err := chromedp.Run(browserCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("browser startup test failed: %w", err)
	}

	r.allocCtx, r.allocCancel = allocCtx, allocCancel
	r.browserCtx, r.browserCancel = browserCtx, browserCancel
	r.initialized = true
	r.log.Info("headless browser initialized")
	return nil
}

func (r *chromeRasterizer) Render(ctx context.Context, html string, width, height int, deadline time.Duration) ([]byte, error) {
	if err := r.ensureBrowser(); err != nil {
		return nil, err
	}

	w, h := detectDimensions(html, width, height)

	tabCtx, tabCancel := chromedp.NewContext(r.browserCtx)
	defer tabCancel()

	tabCtx, timeoutCancel := context.WithTimeout(tabCtx, deadline)
	defer timeoutCancel()

	doc := wrapIfFragment(html, w, h)

	var buf []byte
	err := chromedp.Run(tabCtx,
		chromedp.EmulateViewport(int64(w), int64(h)),
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(c context.Context) error {
			frameTree, err := page.GetFrameTree().Do(c)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(frameTree.Frame.ID, doc).Do(c)
		}),
		chromedp.WaitReady("body"),
		chromedp.Sleep(300*time.Millisecond),
		chromedp.FullScreenshot(&buf, 100),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("render timed out: %w", ctx.Err())
		}
		return nil, fmt.Errorf("render failed: %w", err)
	}
	return buf, nil
}

func wrapIfFragment(html string, width, height int) string {
	if isCompleteDocument(html) {
		return html
	}
	return fmt.Sprintf(`<!DOCTYPE html><html><head><meta charset="UTF-8"><style>
*{margin:0;padding:0;box-sizing:border-box;}
html,body{width:%dpx;height:%dpx;overflow:hidden;}
</style></head><body>%s</body></html>`, width, height, html)
}

func isCompleteDocument(html string) bool {
	lower := strings.ToLower(strings.TrimSpace(html))
	return strings.HasPrefix(lower, "<!doctype") || strings.HasPrefix(lower, "<html")
}

func (r *chromeRasterizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return nil
	}
	r.browserCancel()
	r.allocCancel()
	r.initialized = false
	return nil
}
