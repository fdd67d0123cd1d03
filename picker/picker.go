// Package picker turns a user's element choice into a selector and hands it
// to the rule-authoring flow as an ELEMENT_SELECTED message.
//
// An element is chosen either interactively (the tab shows an overlay and
// marks the clicked element) or by visible text, on a live tab or on a page
// fetched over plain HTTP.
package picker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/hazyhaar/pagehook/fetcher"
	"github.com/hazyhaar/pagehook/model"
	"github.com/hazyhaar/pagehook/relay"
	"github.com/hazyhaar/pagehook/selector"
)

// MarkerAttr is set by the tab overlay on the element the user clicked.
const MarkerAttr = "data-pagehook-picked"

// PreviewLength is the number of characters kept in a text preview.
const PreviewLength = 200

// RestrictedMessage is the error reported for pages that cannot be scripted.
const RestrictedMessage = "Cannot inject into this page. Navigate to a regular web page first."

var (
	// ErrNoElement means nothing on the page matched.
	ErrNoElement = errors.New("picker: no matching element")
	// ErrNeedsBrowser means a fetched page is a script-rendered shell.
	ErrNeedsBrowser = errors.New("picker: page needs a browser to render")
	// ErrUnknownTab means no open tab has the requested id.
	ErrUnknownTab = errors.New("picker: unknown tab")
)

var restrictedPrefixes = []string{
	"chrome://",
	"chrome-extension://",
	"about:",
	"edge://",
	"brave://",
	"opera://",
	"vivaldi://",
	"devtools://",
}

// IsInjectable reports whether the picker may run on url.
func IsInjectable(url string) bool {
	if url == "" {
		return false
	}
	for _, p := range restrictedPrefixes {
		if strings.HasPrefix(url, p) {
			return false
		}
	}
	return true
}

// Target is an open tab as the picker sees it.
type Target interface {
	URL() string
	HTML(ctx context.Context) (string, error)
	ArmPicker(ctx context.Context, fn func()) error
	DisarmPicker(ctx context.Context) error
	Unmark(ctx context.Context) error
}

// Targets resolves tab ids.
type Targets interface {
	Target(id string) (Target, bool)
}

// TargetsFunc adapts a function to Targets.
type TargetsFunc func(id string) (Target, bool)

// Target calls f.
func (f TargetsFunc) Target(id string) (Target, bool) { return f(id) }

// Picker handles the element-picking messages.
type Picker struct {
	targets Targets
	emitter relay.Emitter
	fetcher *fetcher.Fetcher
	logger  *slog.Logger

	mu    sync.Mutex
	armed string
}

// Option configures a Picker.
type Option func(*Picker)

// WithFetcher sets the fetcher used by PickURL.
func WithFetcher(f *fetcher.Fetcher) Option { return func(p *Picker) { p.fetcher = f } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Picker) { p.logger = l } }

// New creates a Picker that reports selections through emitter.
func New(targets Targets, emitter relay.Emitter, opts ...Option) *Picker {
	p := &Picker{targets: targets, emitter: emitter, logger: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	if p.fetcher == nil {
		p.fetcher = fetcher.New(fetcher.WithLogger(p.logger))
	}
	return p
}

// Register installs the INJECT_SELECTOR, ACTIVATE_SELECTOR and
// DEACTIVATE_SELECTOR handlers on r.
func (p *Picker) Register(r *relay.Relay) {
	r.Handle(relay.InjectSelector, p.handleInject)
	r.Handle(relay.ActivateSelector, p.handleActivate)
	r.Handle(relay.DeactivateSelector, p.handleDeactivate)
}

// Armed returns the id of the tab with the overlay shown, if any.
func (p *Picker) Armed() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.armed
}

func (p *Picker) handleInject(ctx context.Context, raw json.RawMessage) relay.Result {
	var in relay.InjectSelectorPayload
	if err := (relay.Message{Type: relay.InjectSelector, Payload: raw}).Decode(&in); err != nil {
		return relay.Fail(err)
	}
	t, ok := p.targets.Target(in.TabID)
	if !ok {
		return relay.Fail(fmt.Errorf("%w: %q", ErrUnknownTab, in.TabID))
	}
	if !IsInjectable(t.URL()) {
		return relay.Result{Error: RestrictedMessage}
	}
	if err := p.arm(ctx, in.TabID, t); err != nil {
		return relay.Fail(err)
	}
	return relay.OK()
}

// handleActivate re-arms a tab. Without a tab id it re-arms the last one.
func (p *Picker) handleActivate(ctx context.Context, raw json.RawMessage) relay.Result {
	id, t, err := p.resolve(raw)
	if err != nil {
		return relay.Fail(err)
	}
	if !IsInjectable(t.URL()) {
		return relay.Result{Error: RestrictedMessage}
	}
	if err := p.arm(ctx, id, t); err != nil {
		return relay.Fail(err)
	}
	return relay.OK()
}

func (p *Picker) handleDeactivate(ctx context.Context, raw json.RawMessage) relay.Result {
	_, t, err := p.resolve(raw)
	if err != nil {
		return relay.Fail(err)
	}
	p.mu.Lock()
	p.armed = ""
	p.mu.Unlock()
	if err := t.DisarmPicker(ctx); err != nil {
		return relay.Fail(err)
	}
	return relay.OK()
}

func (p *Picker) resolve(raw json.RawMessage) (string, Target, error) {
	var in relay.InjectSelectorPayload
	if err := (relay.Message{Type: relay.ActivateSelector, Payload: raw}).Decode(&in); err != nil {
		return "", nil, err
	}
	id := in.TabID
	if id == "" {
		id = p.Armed()
	}
	t, ok := p.targets.Target(id)
	if !ok {
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownTab, id)
	}
	return id, t, nil
}

func (p *Picker) arm(ctx context.Context, id string, t Target) error {
	err := t.ArmPicker(ctx, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if _, err := p.picked(ctx, id, t); err != nil {
			p.logger.Warn("picker: pick failed", "tab", id, "error", err)
		}
	})
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.armed = id
	p.mu.Unlock()
	p.logger.Info("picker: armed", "tab", id, "url", t.URL())
	return nil
}

// picked resolves the element the overlay marked.
func (p *Picker) picked(ctx context.Context, id string, t Target) (model.Selection, error) {
	p.mu.Lock()
	if p.armed == id {
		p.armed = ""
	}
	p.mu.Unlock()

	src, err := t.HTML(ctx)
	if err != nil {
		return model.Selection{}, err
	}
	if err := t.Unmark(ctx); err != nil {
		p.logger.Debug("picker: unmark failed", "tab", id, "error", err)
	}
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return model.Selection{}, fmt.Errorf("picker: parse: %w", err)
	}
	el := findMarked(doc)
	if el == nil {
		return model.Selection{}, ErrNoElement
	}
	unmark(el)
	return p.emit(ctx, doc, el, t.URL())
}

// Pick selects the deepest element on an open tab whose visible text
// contains needle.
func (p *Picker) Pick(ctx context.Context, tabID, needle string) (model.Selection, error) {
	t, ok := p.targets.Target(tabID)
	if !ok {
		return model.Selection{}, fmt.Errorf("%w: %q", ErrUnknownTab, tabID)
	}
	if !IsInjectable(t.URL()) {
		return model.Selection{}, errors.New(RestrictedMessage)
	}
	src, err := t.HTML(ctx)
	if err != nil {
		return model.Selection{}, err
	}
	return p.pickIn(ctx, src, t.URL(), needle)
}

// PickURL fetches pageURL over HTTP and selects by text as Pick does.
// ErrNeedsBrowser is returned for script-rendered pages.
func (p *Picker) PickURL(ctx context.Context, pageURL, needle string) (model.Selection, error) {
	res, err := p.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return model.Selection{}, err
	}
	if !res.Sufficient {
		return model.Selection{}, fmt.Errorf("%w: %s", ErrNeedsBrowser, pageURL)
	}
	return p.pickIn(ctx, string(res.HTML), res.URL, needle)
}

func (p *Picker) pickIn(ctx context.Context, src, url, needle string) (model.Selection, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return model.Selection{}, fmt.Errorf("picker: parse: %w", err)
	}
	el := selector.FindByText(doc, needle)
	if el == nil {
		return model.Selection{}, fmt.Errorf("%w: %q", ErrNoElement, needle)
	}
	return p.emit(ctx, doc, el, url)
}

func (p *Picker) emit(ctx context.Context, doc, el *html.Node, url string) (model.Selection, error) {
	sel := Describe(el, url)
	if !Relocates(doc, el, sel.Selector) {
		p.logger.Warn("picker: selector does not re-locate the element", "selector", sel.Selector, "url", url)
	}
	msg, err := relay.NewMessage(relay.ElementSelected, relay.ElementSelectedPayload{
		Selector:    sel.Selector,
		URL:         sel.URL,
		TextPreview: sel.TextPreview,
	})
	if err != nil {
		return model.Selection{}, err
	}
	if err := p.emitter.Emit(ctx, msg); err != nil {
		return model.Selection{}, fmt.Errorf("picker: emit: %w", err)
	}
	p.logger.Info("picker: element selected", "selector", sel.Selector, "url", url)
	return sel, nil
}

// Describe synthesises el's selector and text preview.
func Describe(el *html.Node, url string) model.Selection {
	return model.Selection{
		Selector:    selector.Generate(el),
		URL:         url,
		TextPreview: Preview(selector.TextContent(el)),
	}
}

// Relocates reports whether sel resolves to el in doc. Positional selectors
// index among same-tag siblings, so on mixed-tag parents a browser may
// resolve them elsewhere.
func Relocates(doc, el *html.Node, sel string) bool {
	found, err := selector.Query(doc, sel)
	return err == nil && found == el
}

// Preview trims text and keeps its first PreviewLength characters.
func Preview(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= PreviewLength {
		return text
	}
	r := []rune(text)
	return string(r[:PreviewLength])
}

func findMarked(n *html.Node) *html.Node {
	if n.Type == html.ElementNode {
		for _, a := range n.Attr {
			if a.Key == MarkerAttr {
				return n
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if m := findMarked(c); m != nil {
			return m
		}
	}
	return nil
}

func unmark(n *html.Node) {
	attrs := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Key != MarkerAttr {
			attrs = append(attrs, a)
		}
	}
	n.Attr = attrs
}
