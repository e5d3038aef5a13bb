package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/handover/internal/common"
	"github.com/ternarybob/handover/internal/models"
)

// ChromeLauncher starts a fresh headless Chrome per run
type ChromeLauncher struct {
	config *common.AutomationConfig
	logger arbor.ILogger
}

// NewChromeLauncher creates a launcher for the [automation] section
func NewChromeLauncher(config *common.AutomationConfig, logger arbor.ILogger) *ChromeLauncher {
	return &ChromeLauncher{config: config, logger: logger}
}

// Launch starts Chrome and verifies it responds
func (l *ChromeLauncher) Launch(ctx context.Context) (Driver, error) {
	startTime := time.Now()

	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", l.config.Headless),
		chromedp.Flag("no-sandbox", l.config.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-popup-blocking", true),
		chromedp.WindowSize(1920, 1080),
	)
	if l.config.UserAgent != "" {
		allocatorOpts = append(allocatorOpts, chromedp.UserAgent(l.config.UserAgent))
	}

	// The browser outlives individual calls, so it is not parented on ctx
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	d := &ChromeDriver{
		logger:          l.logger,
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		tabs:            make(map[string]*tab),
		frames:          make(map[string]*tab),
	}

	testCtx, testCancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer testCancel()
	stop := context.AfterFunc(ctx, testCancel)
	defer stop()

	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("browser failed startup test: %w", err)
	}

	first := string(chromedp.FromContext(browserCtx).Target.TargetID)
	d.tabs[first] = &tab{ctx: browserCtx}
	d.order = []string{first}
	d.current = first

	l.logger.Debug().
		Str("window", first).
		Bool("headless", l.config.Headless).
		Dur("startup_time", time.Since(startTime)).
		Msg("Browser launched")

	return d, nil
}

type tab struct {
	ctx    context.Context
	cancel context.CancelFunc // nil for the first tab, owned by browserCancel
}

// ChromeDriver implements Driver on chromedp. Each window is a chromedp
// tab context; element calls run in the current tab.
type ChromeDriver struct {
	logger arbor.ILogger

	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc

	mu      sync.Mutex
	tabs    map[string]*tab
	order   []string // window handles in detection order
	current string
	frames  map[string]*tab // out-of-process frame sessions by frame ID

	closeOnce sync.Once
}

func (d *ChromeDriver) currentTab() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.tabs[d.current]; ok {
		return t.ctx
	}
	return d.browserCtx
}

// run executes actions in the current tab, bounded by ctx's deadline and cancellation
func (d *ChromeDriver) run(ctx context.Context, actions ...chromedp.Action) error {
	return runBounded(ctx, d.currentTab(), actions...)
}

// runIn executes actions in the session that owns scope's document
func (d *ChromeDriver) runIn(ctx context.Context, scope Scope, actions ...chromedp.Action) error {
	if scope.target == "" {
		return d.run(ctx, actions...)
	}
	d.mu.Lock()
	f, ok := d.frames[scope.target]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("frame %s is not attached", scope)
	}
	return runBounded(ctx, f.ctx, actions...)
}

func runBounded(ctx context.Context, base context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(base)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

func (d *ChromeDriver) Navigate(ctx context.Context, url string) error {
	return d.run(ctx, chromedp.Navigate(url))
}

func (d *ChromeDriver) CurrentURL(ctx context.Context) (string, error) {
	var url string
	err := d.run(ctx, chromedp.Location(&url))
	return url, err
}

func (d *ChromeDriver) Title(ctx context.Context) (string, error) {
	var title string
	err := d.run(ctx, chromedp.Title(&title))
	return title, err
}

func (d *ChromeDriver) HTML(ctx context.Context) (string, error) {
	var html string
	err := d.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

// findNodes resolves loc to DOM nodes inside scope's document. A frame
// scope never matches elements of the enclosing page.
func (d *ChromeDriver) findNodes(ctx context.Context, scope Scope, loc models.Locator) ([]*cdp.Node, error) {
	var nodes []*cdp.Node
	var opts []chromedp.QueryOption

	sel := loc.Value
	switch loc.Kind {
	case models.LocatorCSS:
		opts = append(opts, chromedp.ByQueryAll)
	case models.LocatorXPath:
		opts = append(opts, byXPath(sel))
	case models.LocatorText:
		sel = TextXPath(loc.Value)
		opts = append(opts, byXPath(sel))
	default:
		return nil, fmt.Errorf("locator kind %q cannot resolve nodes", loc.Kind)
	}
	opts = append(opts, chromedp.AtLeast(0))

	// An attached frame session is rooted at the frame's own document.
	// chromedp swaps a same-process frame element for its content document.
	if scope.node != nil && scope.target == "" {
		opts = append(opts, chromedp.FromNode(scope.node))
	}

	if err := d.runIn(ctx, scope, chromedp.Nodes(sel, &nodes, opts...)); err != nil {
		return nil, err
	}
	return nodes, nil
}

const xpathObjectGroup = "handover-xpath"

// byXPath evaluates expr with document.evaluate against the query root's
// document. chromedp.BySearch would search every frame of the page.
func byXPath(expr string) chromedp.QueryOption {
	return chromedp.ByFunc(func(ctx context.Context, root *cdp.Node) ([]cdp.NodeID, error) {
		return evaluateXPath(ctx, root, expr)
	})
}

func evaluateXPath(ctx context.Context, root *cdp.Node, expr string) ([]cdp.NodeID, error) {
	decl, err := xpathFunction(expr)
	if err != nil {
		return nil, err
	}

	obj, err := dom.ResolveNode().WithNodeID(root.NodeID).WithObjectGroup(xpathObjectGroup).Do(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = runtime.ReleaseObjectGroup(xpathObjectGroup).Do(ctx)
	}()

	res, exc, err := runtime.CallFunctionOn(decl).
		WithObjectID(obj.ObjectID).
		WithObjectGroup(xpathObjectGroup).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if exc != nil {
		return nil, exc
	}
	if res == nil || res.ObjectID == "" {
		return nil, nil
	}

	props, _, _, exc, err := runtime.GetProperties(res.ObjectID).WithOwnProperties(true).Do(ctx)
	if err != nil {
		return nil, err
	}
	if exc != nil {
		return nil, exc
	}

	return requestNodes(ctx, props)
}

// requestNodes pushes the array elements in props to the DOM agent, in index order
func requestNodes(ctx context.Context, props []*runtime.PropertyDescriptor) ([]cdp.NodeID, error) {
	type indexed struct {
		index int
		obj   runtime.RemoteObjectID
	}
	var items []indexed
	for _, p := range props {
		i, err := strconv.Atoi(p.Name)
		if err != nil || p.Value == nil || p.Value.Subtype != runtime.SubtypeNode {
			continue
		}
		items = append(items, indexed{index: i, obj: p.Value.ObjectID})
	}
	sort.Slice(items, func(a, b int) bool { return items[a].index < items[b].index })

	ids := make([]cdp.NodeID, 0, len(items))
	for _, item := range items {
		id, err := dom.RequestNode(item.obj).Do(ctx)
		if err != nil {
			return nil, err
		}
		if id != cdp.EmptyNodeID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// xpathFunction builds the function declaration called with the query root
// as this. The expression is embedded as a JSON string literal.
func xpathFunction(expr string) (string, error) {
	literal, err := json.Marshal(expr)
	if err != nil {
		return "", fmt.Errorf("failed to encode xpath %q: %w", expr, err)
	}
	return fmt.Sprintf(`function() {
	const doc = this.nodeType === Node.DOCUMENT_NODE ? this : this.ownerDocument;
	const result = doc.evaluate(%s, this, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
	const nodes = [];
	for (let i = 0; i < result.snapshotLength; i++) {
		nodes.push(result.snapshotItem(i));
	}
	return nodes;
}`, literal), nil
}

// TextXPath matches clickable elements whose visible text contains text
func TextXPath(text string) string {
	return fmt.Sprintf("//*[self::button or self::a or self::span or @role='button' or @role='link'][contains(normalize-space(.), %s)]", xpathLiteral(text))
}

// xpathLiteral quotes s as an XPath string. XPath 1.0 has no escapes, so a
// value holding both quote kinds is spliced together with concat.
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}

	var parts []string
	for i, part := range strings.Split(s, "'") {
		if i > 0 {
			parts = append(parts, `"'"`)
		}
		if part != "" {
			parts = append(parts, "'"+part+"'")
		}
	}
	return "concat(" + strings.Join(parts, ", ") + ")"
}

func (d *ChromeDriver) visible(ctx context.Context, scope Scope, n *cdp.Node) bool {
	var box *dom.BoxModel
	err := d.runIn(ctx, scope, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		box, err = dom.GetBoxModel().WithNodeID(n.NodeID).Do(ctx)
		return err
	}))
	return err == nil && box != nil && box.Width > 0 && box.Height > 0
}

func enabled(n *cdp.Node) bool {
	if _, disabled := n.Attribute("disabled"); disabled {
		return false
	}
	return n.AttributeValue("aria-disabled") != "true"
}

func (d *ChromeDriver) Probe(ctx context.Context, scope Scope, loc models.Locator, cond models.WaitCondition) (bool, error) {
	if loc.Kind == models.LocatorPoint {
		x, y, err := d.pointIn(ctx, scope, loc)
		if err != nil {
			return false, err
		}
		var found bool
		js := fmt.Sprintf(`document.elementFromPoint(%f, %f) !== null`, x, y)
		if err := d.run(ctx, chromedp.Evaluate(js, &found)); err != nil {
			return false, err
		}
		return found, nil
	}

	nodes, err := d.findNodes(ctx, scope, loc)
	if err != nil {
		return false, err
	}
	_, ok := d.match(ctx, scope, nodes, cond)
	return ok, nil
}

// match returns the first node satisfying cond
func (d *ChromeDriver) match(ctx context.Context, scope Scope, nodes []*cdp.Node, cond models.WaitCondition) (*cdp.Node, bool) {
	for _, n := range nodes {
		switch cond {
		case models.WaitPresent:
			return n, true
		case models.WaitVisible:
			if d.visible(ctx, scope, n) {
				return n, true
			}
		default:
			if enabled(n) && d.visible(ctx, scope, n) {
				return n, true
			}
		}
	}
	return nil, false
}

// pointIn converts a point locator to page coordinates, offset by the frame's position
func (d *ChromeDriver) pointIn(ctx context.Context, scope Scope, loc models.Locator) (float64, float64, error) {
	x, y, err := d.frameOffset(ctx, scope)
	if err != nil {
		return 0, 0, err
	}
	return x + float64(loc.X), y + float64(loc.Y), nil
}

// frameOffset is the page position of scope's content box. The frame
// element lives in the enclosing page, so this always runs in the tab.
func (d *ChromeDriver) frameOffset(ctx context.Context, scope Scope) (float64, float64, error) {
	if scope.node == nil {
		return 0, 0, nil
	}

	var box *dom.BoxModel
	err := d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		box, err = dom.GetBoxModel().WithNodeID(scope.node.NodeID).Do(ctx)
		return err
	}))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to locate frame %s: %w", scope, err)
	}
	if len(box.Content) < 2 {
		return 0, 0, nil
	}
	return box.Content[0], box.Content[1], nil
}

func (d *ChromeDriver) Click(ctx context.Context, scope Scope, loc models.Locator) error {
	if loc.Kind == models.LocatorPoint {
		x, y, err := d.pointIn(ctx, scope, loc)
		if err != nil {
			return err
		}
		return d.run(ctx, chromedp.MouseClickXY(x, y))
	}

	nodes, err := d.findNodes(ctx, scope, loc)
	if err != nil {
		return err
	}
	n, ok := d.match(ctx, scope, nodes, models.WaitClickable)
	if !ok {
		return fmt.Errorf("no clickable element for %s", loc)
	}

	if scope.target == "" {
		return d.run(ctx,
			dom.ScrollIntoViewIfNeeded().WithNodeID(n.NodeID),
			chromedp.MouseClickNode(n),
		)
	}

	// Input for an out-of-process frame is dispatched on the page, at the
	// node's centre offset by the frame's position
	var quads []dom.Quad
	err = d.runIn(ctx, scope,
		dom.ScrollIntoViewIfNeeded().WithNodeID(n.NodeID),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			quads, err = dom.GetContentQuads().WithNodeID(n.NodeID).Do(ctx)
			return err
		}),
	)
	if err != nil {
		return err
	}
	cx, cy, ok := quadCenter(quads)
	if !ok {
		return fmt.Errorf("element for %s has no layout in frame %s", loc, scope)
	}
	ox, oy, err := d.frameOffset(ctx, scope)
	if err != nil {
		return err
	}
	return d.run(ctx, chromedp.MouseClickXY(ox+cx, oy+cy))
}

// quadCenter averages the corners of the first quad
func quadCenter(quads []dom.Quad) (float64, float64, bool) {
	if len(quads) == 0 || len(quads[0]) != 8 {
		return 0, 0, false
	}
	var x, y float64
	for i := 0; i < 8; i += 2 {
		x += quads[0][i]
		y += quads[0][i+1]
	}
	return x / 4, y / 4, true
}

func (d *ChromeDriver) Type(ctx context.Context, scope Scope, loc models.Locator, text string, submit bool) error {
	nodes, err := d.findNodes(ctx, scope, loc)
	if err != nil {
		return err
	}
	n, ok := d.match(ctx, scope, nodes, models.WaitVisible)
	if !ok {
		return fmt.Errorf("no visible input for %s", loc)
	}

	var actions []chromedp.Action
	if scope.target == "" {
		actions = append(actions,
			dom.Focus().WithNodeID(n.NodeID),
			chromedp.KeyEventNode(n, text),
		)
	} else {
		// Keys go to the page's focused element, which is the focused frame's input
		if err := d.runIn(ctx, scope, dom.Focus().WithNodeID(n.NodeID)); err != nil {
			return err
		}
		actions = append(actions, chromedp.KeyEvent(text))
	}
	if submit {
		actions = append(actions, chromedp.KeyEvent(kb.Enter))
	}
	return d.run(ctx, actions...)
}

func (d *ChromeDriver) Frames(ctx context.Context, scope Scope, loc models.Locator) ([]Scope, error) {
	nodes, err := d.findNodes(ctx, scope, loc)
	if err != nil {
		return nil, err
	}

	var frames []Scope
	for i, n := range nodes {
		name := strings.ToUpper(n.NodeName)
		if name != "IFRAME" && name != "FRAME" {
			continue
		}
		frame := Scope{
			Name: fmt.Sprintf("%s[%d]", loc, i),
			node: n,
		}
		// Without a content document the frame renders in another process
		if n.ContentDocument == nil && n.FrameID != "" {
			if err := d.attachFrame(ctx, string(n.FrameID)); err != nil {
				d.logger.Debug().
					Str("frame", frame.Name).
					Err(err).
					Msg("Out-of-process frame could not be attached")
			} else {
				frame.target = string(n.FrameID)
			}
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// attachFrame opens a session on an out-of-process frame's target.
// The frame ID doubles as its target ID.
func (d *ChromeDriver) attachFrame(ctx context.Context, frameID string) error {
	d.mu.Lock()
	_, ok := d.frames[frameID]
	d.mu.Unlock()
	if ok {
		return nil
	}

	f, err := d.attach(ctx, frameID)
	if err != nil {
		return fmt.Errorf("failed to attach to frame %s: %w", frameID, err)
	}

	d.mu.Lock()
	d.frames[frameID] = f
	d.mu.Unlock()
	return nil
}

// attach opens a chromedp context on an existing target
func (d *ChromeDriver) attach(ctx context.Context, id string) (*tab, error) {
	targetCtx, targetCancel := chromedp.NewContext(d.browserCtx, chromedp.WithTargetID(target.ID(id)))
	attachCtx, cancel := context.WithCancel(targetCtx)
	stop := context.AfterFunc(ctx, cancel)
	err := chromedp.Run(attachCtx)
	stop()
	cancel()
	if err != nil {
		targetCancel()
		return nil, err
	}
	return &tab{ctx: targetCtx, cancel: targetCancel}, nil
}

// Windows lists open page targets, keeping handles in the order they were first seen
func (d *ChromeDriver) Windows(ctx context.Context) ([]string, error) {
	infosCtx, cancel := context.WithCancel(d.browserCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	infos, err := chromedp.Targets(infosCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to list windows: %w", err)
	}

	open := make(map[string]bool)
	for _, info := range infos {
		if info.Type == "page" {
			open[string(info.TargetID)] = true
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var order []string
	seen := make(map[string]bool)
	for _, handle := range d.order {
		if open[handle] {
			order = append(order, handle)
			seen[handle] = true
		}
	}
	for _, info := range infos {
		handle := string(info.TargetID)
		if open[handle] && !seen[handle] {
			order = append(order, handle)
			seen[handle] = true
		}
	}
	d.order = order

	return append([]string(nil), order...), nil
}

func (d *ChromeDriver) CurrentWindow() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

func (d *ChromeDriver) SwitchWindow(ctx context.Context, handle string) error {
	d.mu.Lock()
	t, ok := d.tabs[handle]
	d.mu.Unlock()

	if !ok {
		var err error
		t, err = d.attach(ctx, handle)
		if err != nil {
			return fmt.Errorf("failed to attach to window %s: %w", handle, err)
		}

		d.mu.Lock()
		d.tabs[handle] = t
		d.mu.Unlock()
	}

	d.mu.Lock()
	d.current = handle
	d.mu.Unlock()

	return d.run(ctx, page.BringToFront())
}

func (d *ChromeDriver) CloseWindow(ctx context.Context, handle string) error {
	d.mu.Lock()
	t, ok := d.tabs[handle]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("window %s is not attached", handle)
	}

	closeCtx, cancel := context.WithCancel(t.ctx)
	stop := context.AfterFunc(ctx, cancel)
	err := chromedp.Run(closeCtx, page.Close())
	stop()
	cancel()

	d.mu.Lock()
	delete(d.tabs, handle)
	if d.current == handle {
		d.current = ""
	}
	d.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}
	return err
}

func (d *ChromeDriver) Cookies(ctx context.Context) ([]models.SessionCookie, error) {
	var cookies []*network.Cookie
	err := d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}

	out := make([]models.SessionCookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, models.SessionCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: string(c.SameSite),
			Expires:  c.Expires,
		})
	}
	return out, nil
}

// SetCookies injects cookies as session cookies; expiry is never set
func (d *ChromeDriver) SetCookies(ctx context.Context, cookies []models.SessionCookie) error {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   strings.TrimPrefix(c.Domain, "."),
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		switch strings.ToLower(c.SameSite) {
		case "strict":
			param.SameSite = network.CookieSameSiteStrict
		case "lax":
			param.SameSite = network.CookieSameSiteLax
		case "none":
			param.SameSite = network.CookieSameSiteNone
		}
		params = append(params, param)
	}

	return d.run(ctx,
		network.Enable(),
		network.SetCookies(params),
	)
}

// Close cancels every tab and the browser, waiting at most 10s for Chrome to exit
func (d *ChromeDriver) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		for handle, t := range d.tabs {
			if t.cancel != nil {
				t.cancel()
			}
			delete(d.tabs, handle)
		}
		for id, f := range d.frames {
			f.cancel()
			delete(d.frames, id)
		}
		d.mu.Unlock()

		done := make(chan error, 1)
		go func() {
			done <- chromedp.Cancel(d.browserCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				d.logger.Debug().Err(err).Msg("Browser cancel reported an error")
			}
		case <-time.After(10 * time.Second):
			d.logger.Warn().Msg("Browser shutdown timed out, forcing cleanup")
		}

		d.browserCancel()
		d.allocatorCancel()
	})
	return nil
}
