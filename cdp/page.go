package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/perimetric/periscope/errext"
	"github.com/perimetric/periscope/events"
	"github.com/perimetric/periscope/log"
)

// Lifecycle states a navigation can wait for.
const (
	WaitLoad             = "load"
	WaitDOMContentLoaded = "domcontentloaded"
	WaitNetworkIdle      = "networkidle"
)

const (
	defaultNavTimeout   = 30 * time.Second
	defaultIdleQuiet    = 500 * time.Millisecond
	selectorPollEvery   = 100 * time.Millisecond
	defaultImageFormat  = "png"
	defaultMouseButton  = "left"
	defaultClickCount   = 1
	layoutMetricsMethod = "Page.getLayoutMetrics"
)

// NavigateOptions control navigation waits.
type NavigateOptions struct {
	WaitUntil string
	Timeout   time.Duration
}

func (o NavigateOptions) withDefaults() NavigateOptions {
	if o.WaitUntil == "" {
		o.WaitUntil = WaitLoad
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultNavTimeout
	}
	return o
}

func (o NavigateOptions) validate() error {
	switch o.WaitUntil {
	case WaitLoad, WaitDOMContentLoaded, WaitNetworkIdle:
		return nil
	default:
		return errext.NewValidation("waitUntil", "must be one of load, domcontentloaded, networkidle")
	}
}

// NavigateResult is what a completed navigation reports.
type NavigateResult struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// ScreenshotOptions control a capture.
type ScreenshotOptions struct {
	Format   string
	Quality  int
	FullPage bool
}

// Page drives one page over a CDP connection: navigation, history,
// screenshots, evaluation and basic input.
type Page struct {
	conn   *Connection
	logger *log.Logger

	navTimeout time.Duration
	idleQuiet  time.Duration

	enableOnce sync.Once
	enableErr  error
}

// NewPage returns a page bound to the connection. The CDP domains are
// enabled lazily on first use.
func NewPage(logger *log.Logger, conn *Connection) *Page {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Page{
		conn:       conn,
		logger:     logger,
		navTimeout: defaultNavTimeout,
		idleQuiet:  defaultIdleQuiet,
	}
}

// Enable turns on the Page, Runtime and DOM domains, in parallel. All three
// must succeed. Calling it again is a no-op.
func (p *Page) Enable(ctx context.Context) error {
	p.enableOnce.Do(func() {
		g, gctx := errgroup.WithContext(ctx)
		for _, method := range []string{"Page.enable", "Runtime.enable", "DOM.enable"} {
			method := method
			g.Go(func() error {
				_, err := p.send(gctx, method, nil)
				return err
			})
		}
		p.enableErr = g.Wait()
	})
	return p.enableErr
}

func (p *Page) send(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, p.conn.opts.SendTimeout)
	defer cancel()
	return p.conn.Send(ctx, method, params)
}

// Navigate goes to url and waits for the requested lifecycle state. The
// in-flight navigation is not cancelled on timeout; only the wait gives up.
func (p *Page) Navigate(ctx context.Context, url string, opts NavigateOptions) (NavigateResult, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return NavigateResult{}, err
	}
	if err := p.Enable(ctx); err != nil {
		return NavigateResult{}, err
	}

	wait := p.newLifecycleWaiter(ctx, opts.WaitUntil)
	defer wait.cancel()

	res, err := p.send(ctx, "Page.navigate", map[string]string{"url": url})
	if err != nil {
		return NavigateResult{}, errext.WithKindIfNone(err, errext.KindPageNavFailed)
	}
	if errText := gjson.GetBytes(res, "errorText").String(); errText != "" {
		return NavigateResult{}, errext.New(errext.KindPageNavFailed, "navigating to %s: %s", url, errText)
	}

	if err := wait.await(ctx, opts.Timeout); err != nil {
		return NavigateResult{}, err
	}
	return p.currentEntry(ctx)
}

// Reload reloads the page and waits like Navigate does.
func (p *Page) Reload(ctx context.Context, opts NavigateOptions) (NavigateResult, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return NavigateResult{}, err
	}
	if err := p.Enable(ctx); err != nil {
		return NavigateResult{}, err
	}

	wait := p.newLifecycleWaiter(ctx, opts.WaitUntil)
	defer wait.cancel()

	if _, err := p.send(ctx, "Page.reload", nil); err != nil {
		return NavigateResult{}, errext.WithKindIfNone(err, errext.KindPageNavFailed)
	}
	if err := wait.await(ctx, opts.Timeout); err != nil {
		return NavigateResult{}, err
	}
	return p.currentEntry(ctx)
}

// Back navigates to the previous history entry. Without one it is a no-op.
func (p *Page) Back(ctx context.Context) (NavigateResult, error) {
	return p.historyStep(ctx, -1)
}

// Forward navigates to the next history entry. Without one it is a no-op.
func (p *Page) Forward(ctx context.Context) (NavigateResult, error) {
	return p.historyStep(ctx, +1)
}

func (p *Page) historyStep(ctx context.Context, delta int) (NavigateResult, error) {
	if err := p.Enable(ctx); err != nil {
		return NavigateResult{}, err
	}

	res, err := p.send(ctx, "Page.getNavigationHistory", nil)
	if err != nil {
		return NavigateResult{}, err
	}
	current := int(gjson.GetBytes(res, "currentIndex").Int())
	entries := gjson.GetBytes(res, "entries").Array()
	next := current + delta
	if next < 0 || next >= len(entries) {
		// No neighbour in that direction.
		return p.currentEntry(ctx)
	}

	wait := p.newLifecycleWaiter(ctx, WaitLoad)
	defer wait.cancel()

	entryID := entries[next].Get("id").Int()
	if _, err := p.send(ctx, "Page.navigateToHistoryEntry", map[string]int64{"entryId": entryID}); err != nil {
		return NavigateResult{}, err
	}
	if err := wait.await(ctx, p.navTimeout); err != nil {
		return NavigateResult{}, err
	}
	return p.currentEntry(ctx)
}

// currentEntry reads the active history entry for the {url, title} result.
func (p *Page) currentEntry(ctx context.Context) (NavigateResult, error) {
	res, err := p.send(ctx, "Page.getNavigationHistory", nil)
	if err != nil {
		return NavigateResult{}, err
	}
	current := gjson.GetBytes(res, "currentIndex").Int()
	entry := gjson.GetBytes(res, fmt.Sprintf("entries.%d", current))
	return NavigateResult{
		URL:   entry.Get("url").String(),
		Title: entry.Get("title").String(),
	}, nil
}

// Screenshot captures the viewport, or the whole page when FullPage is set.
// The decoded image bytes and the effective format are returned.
func (p *Page) Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, string, error) {
	if opts.Format == "" {
		opts.Format = defaultImageFormat
	}
	switch opts.Format {
	case "png", "jpeg", "webp":
	default:
		return nil, "", errext.NewValidation("format", "must be one of png, jpeg, webp")
	}
	if err := p.Enable(ctx); err != nil {
		return nil, "", err
	}

	params := map[string]interface{}{"format": opts.Format}
	if opts.Quality > 0 && opts.Format != "png" {
		params["quality"] = opts.Quality
	}
	if opts.FullPage {
		metrics, err := p.send(ctx, layoutMetricsMethod, nil)
		if err != nil {
			return nil, "", err
		}
		content := gjson.GetBytes(metrics, "contentSize")
		params["clip"] = map[string]float64{
			"x":      0,
			"y":      0,
			"width":  content.Get("width").Float(),
			"height": content.Get("height").Float(),
			"scale":  1,
		}
		params["captureBeyondViewport"] = true
	}

	res, err := p.send(ctx, "Page.captureScreenshot", params)
	if err != nil {
		return nil, "", err
	}
	data, err := base64.StdEncoding.DecodeString(gjson.GetBytes(res, "data").String())
	if err != nil {
		return nil, "", errext.WithKind(fmt.Errorf("decoding screenshot: %w", err), errext.KindCDPProtocol)
	}
	return data, opts.Format, nil
}

// Evaluate runs an expression in the page, awaiting promises and returning
// the result by value. Thrown exceptions become page/eval-failed.
func (p *Page) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	if err := p.Enable(ctx); err != nil {
		return nil, err
	}

	res, err := p.send(ctx, "Runtime.evaluate", map[string]interface{}{
		"expression":    expression,
		"returnByValue": true,
		"awaitPromise":  true,
	})
	if err != nil {
		return nil, errext.WithKindIfNone(err, errext.KindPageEvalFailed)
	}
	if exc := gjson.GetBytes(res, "exceptionDetails"); exc.Exists() {
		text := exc.Get("text").String()
		if desc := exc.Get("exception.description").String(); desc != "" {
			text = desc
		}
		return nil, errext.New(errext.KindPageEvalFailed, "evaluating expression: %s", text)
	}
	value := gjson.GetBytes(res, "result.value")
	if !value.Exists() {
		// Expressions evaluating to undefined carry no value.
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(value.Raw), nil
}

// QuerySelector resolves a selector to a DOM node id, 0 when not found.
func (p *Page) QuerySelector(ctx context.Context, selector string) (int64, error) {
	if err := p.Enable(ctx); err != nil {
		return 0, err
	}

	doc, err := p.send(ctx, "DOM.getDocument", map[string]int{"depth": 0})
	if err != nil {
		return 0, err
	}
	root := gjson.GetBytes(doc, "root.nodeId").Int()
	res, err := p.send(ctx, "DOM.querySelector", map[string]interface{}{
		"nodeId":   root,
		"selector": selector,
	})
	if err != nil {
		return 0, err
	}
	return gjson.GetBytes(res, "nodeId").Int(), nil
}

// WaitForSelector polls for the selector until it resolves or the timeout
// passes.
func (p *Page) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) (int64, error) {
	if timeout <= 0 {
		timeout = p.navTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		nodeID, err := p.QuerySelector(ctx, selector)
		if err != nil {
			return 0, err
		}
		if nodeID != 0 {
			return nodeID, nil
		}
		if time.Now().After(deadline) {
			return 0, errext.New(errext.KindTimeout, "selector %q did not appear within %s", selector, timeout)
		}
		select {
		case <-ctx.Done():
			return 0, errext.WithKindIfNone(ctx.Err(), errext.KindTimeout)
		case <-time.After(selectorPollEvery):
		}
	}
}

// SetViewport overrides the device metrics.
func (p *Page) SetViewport(ctx context.Context, width, height int) error {
	if err := p.Enable(ctx); err != nil {
		return err
	}
	_, err := p.send(ctx, "Emulation.setDeviceMetricsOverride", map[string]interface{}{
		"width":             width,
		"height":            height,
		"deviceScaleFactor": 1,
		"mobile":            false,
	})
	return err
}

// Click dispatches a mouse press and release at the center of the element
// the selector resolves to.
func (p *Page) Click(ctx context.Context, selector string) error {
	nodeID, err := p.QuerySelector(ctx, selector)
	if err != nil {
		return err
	}
	if nodeID == 0 {
		return errext.NewValidation("selector", "no element matches %q", selector)
	}

	box, err := p.send(ctx, "DOM.getBoxModel", map[string]int64{"nodeId": nodeID})
	if err != nil {
		return err
	}
	// content is [x1,y1, x2,y2, x3,y3, x4,y4] clockwise from top-left.
	quad := gjson.GetBytes(box, "model.content").Array()
	if len(quad) < 8 {
		return errext.New(errext.KindCDPProtocol, "element %q has no box model", selector)
	}
	x := (quad[0].Float() + quad[4].Float()) / 2
	y := (quad[1].Float() + quad[5].Float()) / 2

	for _, eventType := range []string{"mousePressed", "mouseReleased"} {
		_, err := p.send(ctx, "Input.dispatchMouseEvent", map[string]interface{}{
			"type":       eventType,
			"x":          x,
			"y":          y,
			"button":     defaultMouseButton,
			"clickCount": defaultClickCount,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Type focuses the element the selector resolves to and inserts text.
func (p *Page) Type(ctx context.Context, selector, text string) error {
	nodeID, err := p.QuerySelector(ctx, selector)
	if err != nil {
		return err
	}
	if nodeID == 0 {
		return errext.NewValidation("selector", "no element matches %q", selector)
	}
	if _, err := p.send(ctx, "DOM.focus", map[string]int64{"nodeId": nodeID}); err != nil {
		return err
	}
	_, err = p.send(ctx, "Input.insertText", map[string]string{"text": text})
	return err
}

// lifecycleWaiter waits for one navigation lifecycle state. It subscribes
// before the triggering command is sent so the event cannot be missed, and
// its subscription dies with cancel.
type lifecycleWaiter struct {
	state  string
	ch     chan events.Event
	cancel context.CancelFunc
	quiet  time.Duration
}

func (p *Page) newLifecycleWaiter(ctx context.Context, state string) *lifecycleWaiter {
	ectx, cancel := context.WithCancel(ctx)
	w := &lifecycleWaiter{
		state:  state,
		ch:     make(chan events.Event, 16),
		cancel: cancel,
		quiet:  p.idleQuiet,
	}
	switch state {
	case WaitDOMContentLoaded:
		p.conn.On(ectx, []string{"Page.domContentEventFired"}, w.ch)
	case WaitNetworkIdle:
		// Idleness is judged from all network traffic.
		p.conn.OnAll(ectx, w.ch)
	default:
		p.conn.On(ectx, []string{"Page.loadEventFired"}, w.ch)
	}
	return w
}

func (w *lifecycleWaiter) await(ctx context.Context, timeout time.Duration) error {
	defer w.cancel()

	overall := time.NewTimer(timeout)
	defer overall.Stop()

	if w.state == WaitNetworkIdle {
		return w.awaitIdle(ctx, overall)
	}

	select {
	case <-w.ch:
		return nil
	case <-overall.C:
		return errext.New(errext.KindPageNavTimeout, "%s did not fire within %s", w.state, timeout)
	case <-ctx.Done():
		return errext.WithKindIfNone(ctx.Err(), errext.KindPageNavTimeout)
	}
}

// awaitIdle completes once no Network.* event has arrived for the quiet
// window, bounded by the overall timer.
func (w *lifecycleWaiter) awaitIdle(ctx context.Context, overall *time.Timer) error {
	quiet := time.NewTimer(w.quiet)
	defer quiet.Stop()

	for {
		select {
		case ev := <-w.ch:
			if !strings.HasPrefix(ev.Type, "Network.") {
				continue
			}
			if !quiet.Stop() {
				select {
				case <-quiet.C:
				default:
				}
			}
			quiet.Reset(w.quiet)
		case <-quiet.C:
			return nil
		case <-overall.C:
			return errext.New(errext.KindPageNavTimeout, "network did not go idle in time")
		case <-ctx.Done():
			return errext.WithKindIfNone(ctx.Err(), errext.KindPageNavTimeout)
		}
	}
}
