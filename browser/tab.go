package browser

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/pagehook/pagewatch"
)

//go:embed bridge.js
var bridgeJS string

const bindingName = "__pagehook_binding"

// TabHooks are called on the tab's event goroutine, in page order.
type TabHooks struct {
	// OnNavigate fires when the main frame commits a new document.
	OnNavigate func(t *Tab, url string)
	// OnLoad fires when the main frame's load event fires.
	OnLoad func(t *Tab)
}

type bridgeEvent struct {
	ID     string            `json:"id"`
	Kind   string            `json:"kind"`
	Text   string            `json:"text"`
	Fields map[string]string `json:"fields"`
}

type tabEvent struct {
	binding  string
	navigate string
	load     bool
}

// Tab is one browser page. It implements pagewatch.Surface through the
// injected bridge script, which reports back over a CDP runtime binding.
type Tab struct {
	Page *rod.Page
	ID   string

	hooks  TabHooks
	logger *slog.Logger
	router *rod.HijackRouter

	ctx    context.Context
	cancel context.CancelFunc
	events chan tabEvent
	done   chan struct{}

	mu       sync.Mutex
	url      string
	handlers map[string]func(bridgeEvent)
	seq      atomic.Uint64
}

var _ pagewatch.Surface = (*Tab)(nil)

// OpenTab creates a tab, installs the bridge binding and event listeners,
// then navigates to pageURL and waits for the load event.
func OpenTab(ctx context.Context, mgr *Manager, id, pageURL string, hooks TabHooks) (*Tab, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}

	var page *rod.Page
	var err error
	if mgr.cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	tctx, cancel := context.WithCancel(context.Background())
	t := &Tab{
		Page:     page,
		ID:       id,
		hooks:    hooks,
		logger:   mgr.cfg.Logger.With("tab", id),
		ctx:      tctx,
		cancel:   cancel,
		events:   make(chan tabEvent, 256),
		done:     make(chan struct{}),
		url:      pageURL,
		handlers: make(map[string]func(bridgeEvent)),
	}

	if len(mgr.cfg.ResourceBlocking) > 0 {
		t.router = blockResources(page, mgr.cfg.ResourceBlocking)
	}

	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(page); err != nil {
		t.Close()
		return nil, fmt.Errorf("browser: add binding: %w", err)
	}
	t.listen()

	navCtx, navCancel := context.WithTimeout(ctx, 30*time.Second)
	defer navCancel()
	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		t.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		t.logger.Warn("browser: wait load timeout", "url", pageURL, "error", err)
	}
	return t, nil
}

func (t *Tab) listen() {
	wait := t.Page.Context(t.ctx).EachEvent(
		func(e *proto.RuntimeBindingCalled) {
			if e.Name == bindingName {
				t.enqueue(tabEvent{binding: e.Payload})
			}
		},
		func(e *proto.PageFrameNavigated) {
			if e.Frame != nil && e.Frame.ParentID == "" {
				t.enqueue(tabEvent{navigate: e.Frame.URL})
			}
		},
		func(e *proto.PageLoadEventFired) {
			t.enqueue(tabEvent{load: true})
		},
	)
	go func() {
		defer close(t.done)
		defer t.cancel()
		wait()
	}()
	go t.loop()
}

// enqueue never blocks the CDP reader.
func (t *Tab) enqueue(ev tabEvent) {
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("browser: event queue full, dropped")
	}
}

func (t *Tab) loop() {
	for {
		select {
		case <-t.ctx.Done():
			return
		case ev := <-t.events:
			switch {
			case ev.binding != "":
				t.deliver(ev.binding)
			case ev.navigate != "":
				t.mu.Lock()
				t.url = ev.navigate
				t.mu.Unlock()
				if t.hooks.OnNavigate != nil {
					t.hooks.OnNavigate(t, ev.navigate)
				}
			case ev.load:
				if t.hooks.OnLoad != nil {
					t.hooks.OnLoad(t)
				}
			}
		}
	}
}

func (t *Tab) deliver(payload string) {
	var ev bridgeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		t.logger.Warn("browser: bad bridge payload", "error", err)
		return
	}
	t.mu.Lock()
	h := t.handlers[ev.ID]
	t.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// Done is closed when the tab stops receiving events: it was closed, or the
// browser went away.
func (t *Tab) Done() <-chan struct{} { return t.done }

// Alive reports whether the page still answers.
func (t *Tab) Alive(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := t.Page.Context(ctx).Eval(`() => 1`)
	return err == nil
}

// URL returns the main frame URL.
func (t *Tab) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

// HTML serialises the current document.
func (t *Tab) HTML(ctx context.Context) (string, error) {
	res, err := t.Page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", fmt.Errorf("browser: get DOM: %w", err)
	}
	return res.Value.Str(), nil
}

func (t *Tab) inject(ctx context.Context) error {
	if _, err := t.Page.Context(ctx).Eval(bridgeJS); err != nil {
		return fmt.Errorf("browser: inject bridge: %w", err)
	}
	return nil
}

// Text returns the textContent of the first element matching selector.
func (t *Tab) Text(ctx context.Context, selector string) (string, error) {
	if err := t.inject(ctx); err != nil {
		return "", err
	}
	res, err := t.Page.Context(ctx).Eval(`(sel) => window.__pagehook.text(sel)`, selector)
	if err != nil {
		return "", fmt.Errorf("browser: text %q: %w", selector, err)
	}
	if res.Value.Nil() {
		return "", pagewatch.ErrTargetNotFound
	}
	return res.Value.Str(), nil
}

// WatchText reports the element's textContent after every mutation of its
// subtree.
func (t *Tab) WatchText(ctx context.Context, selector string, fn func(string)) (func(), error) {
	return t.watch(ctx, "watchText", selector, func(ev bridgeEvent) { fn(ev.Text) })
}

// WatchClicks reports clicks on the element.
func (t *Tab) WatchClicks(ctx context.Context, selector string, fn func()) (func(), error) {
	return t.watch(ctx, "watchClicks", selector, func(bridgeEvent) { fn() })
}

// WatchSubmits reports submissions of the form with its field values.
func (t *Tab) WatchSubmits(ctx context.Context, selector string, fn func(map[string]string)) (func(), error) {
	return t.watch(ctx, "watchSubmits", selector, func(ev bridgeEvent) { fn(ev.Fields) })
}

func (t *Tab) watch(ctx context.Context, method, selector string, h func(bridgeEvent)) (func(), error) {
	if err := t.inject(ctx); err != nil {
		return nil, err
	}
	id := t.register(h)
	res, err := t.Page.Context(ctx).Eval(`(m, id, sel) => window.__pagehook[m](id, sel)`, method, id, selector)
	if err != nil {
		t.unregister(id)
		return nil, fmt.Errorf("browser: %s %q: %w", method, selector, err)
	}
	if !res.Value.Bool() {
		t.unregister(id)
		return nil, pagewatch.ErrTargetNotFound
	}
	return func() {
		t.unregister(id)
		ctx, cancel := context.WithTimeout(t.ctx, 2*time.Second)
		defer cancel()
		t.Page.Context(ctx).Eval(`(id) => window.__pagehook && window.__pagehook.stop(id)`, id)
	}, nil
}

// ArmPicker shows the element picker overlay. fn runs once when the user
// clicks an element, which is then marked with data-pagehook-picked.
func (t *Tab) ArmPicker(ctx context.Context, fn func()) error {
	if err := t.inject(ctx); err != nil {
		return err
	}
	var id string
	id = t.register(func(bridgeEvent) {
		t.unregister(id)
		fn()
	})
	if _, err := t.Page.Context(ctx).Eval(`(id) => window.__pagehook.arm(id)`, id); err != nil {
		t.unregister(id)
		return fmt.Errorf("browser: arm picker: %w", err)
	}
	return nil
}

// DisarmPicker removes the picker overlay, if shown.
func (t *Tab) DisarmPicker(ctx context.Context) error {
	_, err := t.Page.Context(ctx).Eval(`() => window.__pagehook && window.__pagehook.disarm()`)
	if err != nil {
		return fmt.Errorf("browser: disarm picker: %w", err)
	}
	return nil
}

// Unmark removes the picked-element marker from the page.
func (t *Tab) Unmark(ctx context.Context) error {
	_, err := t.Page.Context(ctx).Eval(`() => window.__pagehook && window.__pagehook.unmark()`)
	return err
}

func (t *Tab) register(h func(bridgeEvent)) string {
	id := fmt.Sprintf("h%d", t.seq.Add(1))
	t.mu.Lock()
	t.handlers[id] = h
	t.mu.Unlock()
	return id
}

func (t *Tab) unregister(id string) {
	t.mu.Lock()
	delete(t.handlers, id)
	t.mu.Unlock()
}

// Close stops the event loop and closes the page.
func (t *Tab) Close() error {
	t.cancel()
	if t.router != nil {
		t.router.Stop()
	}
	if t.Page != nil {
		return t.Page.Close()
	}
	return nil
}
