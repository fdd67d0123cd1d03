// Package pagewatch installs the observation each matching rule needs on one
// loaded page and emits a relay message whenever a rule's trigger fires.
//
// A Watcher lives for exactly one page load. Content-change rules compare the
// live text against the durable snapshot on start, so a change that happened
// while no page was open is still reported once.
package pagewatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hazyhaar/pagehook/model"
	"github.com/hazyhaar/pagehook/pattern"
	"github.com/hazyhaar/pagehook/relay"
)

// State is the lifecycle position of a Watcher.
type State int

const (
	Idle State = iota
	Installing
	Observing
	TornDown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Installing:
		return "installing"
	case Observing:
		return "observing"
	case TornDown:
		return "torn_down"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Watcher observes one page load.
type Watcher struct {
	surface   Surface
	rules     RuleSource
	snapshots SnapshotStore
	emitter   relay.Emitter
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	last     map[string]string // rule id -> last text seen on this page
	stops    []func()
	observed []string
}

// New creates an idle Watcher. logger may be nil.
func New(surface Surface, rules RuleSource, snapshots SnapshotStore, emitter relay.Emitter, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		surface:   surface,
		rules:     rules,
		snapshots: snapshots,
		emitter:   emitter,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		last:      make(map[string]string),
	}
}

// State returns the current lifecycle state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Observed returns the ids of rules that installed an observation or fired
// on this page, in rule order.
func (w *Watcher) Observed() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.observed...)
}

// Start installs observation for every enabled rule whose scope matches the
// page URL. A rule that fails to install is logged and skipped; only a
// failure to list rules is returned.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != Idle {
		st := w.state
		w.mu.Unlock()
		return fmt.Errorf("pagewatch: start in state %s", st)
	}
	w.state = Installing
	w.mu.Unlock()

	rules, err := w.rules.ListRules(ctx)
	if err != nil {
		w.setState(Observing)
		return fmt.Errorf("pagewatch: list rules: %w", err)
	}

	url := w.surface.URL()
	for i := range rules {
		r := rules[i]
		if !r.Enabled || !pattern.Match(url, r.URLPattern) {
			continue
		}
		if w.State() == TornDown {
			return nil
		}
		err := w.install(ctx, r)
		switch {
		case errors.Is(err, ErrTargetNotFound):
			w.logger.Debug("pagewatch: target not on page", "rule_id", r.ID, "selector", r.Selector)
		case err != nil:
			w.logger.Warn("pagewatch: install failed", "rule_id", r.ID, "trigger", r.Trigger, "error", err)
		}
	}

	w.mu.Lock()
	if w.state == Installing {
		w.state = Observing
	}
	n := len(w.observed)
	w.mu.Unlock()
	w.logger.Debug("pagewatch: observing", "url", url, "rules", n)
	return nil
}

// Stop disconnects every observer and listener and clears comparison state.
// It is idempotent.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.state == TornDown {
		w.mu.Unlock()
		return
	}
	w.state = TornDown
	stops := w.stops
	w.stops = nil
	w.last = make(map[string]string)
	w.mu.Unlock()

	w.cancel()
	for _, stop := range stops {
		stop()
	}
}

func (w *Watcher) setState(s State) {
	w.mu.Lock()
	if w.state != TornDown {
		w.state = s
	}
	w.mu.Unlock()
}

func (w *Watcher) install(ctx context.Context, r model.Rule) error {
	switch r.Trigger {
	case model.TriggerContentChange:
		return w.installContent(ctx, r)
	case model.TriggerClick:
		stop, err := w.surface.WatchClicks(ctx, r.Selector, func() { w.onClick(r) })
		if err != nil {
			return err
		}
		return w.track(r.ID, stop)
	case model.TriggerFormSubmit:
		stop, err := w.surface.WatchSubmits(ctx, r.Selector, func(fields map[string]string) { w.onSubmit(r, fields) })
		if err != nil {
			return err
		}
		return w.track(r.ID, stop)
	case model.TriggerPageVisit:
		w.emit(relay.PageVisited, relay.PageVisitedPayload{RuleID: r.ID, URL: w.surface.URL()})
		return w.track(r.ID, nil)
	}
	// Periodic checks run from the scheduler, independent of pages.
	return nil
}

func (w *Watcher) installContent(ctx context.Context, r model.Rule) error {
	text, err := w.surface.Text(ctx, r.Selector)
	if err != nil {
		return err
	}

	prev, ok, err := w.snapshots.GetSnapshot(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("pagewatch: read snapshot: %w", err)
	}
	if ok && prev != text {
		w.emitChange(r, prev, text)
	}
	if err := w.snapshots.PutSnapshot(ctx, r.ID, text); err != nil {
		w.logger.Warn("pagewatch: write snapshot", "rule_id", r.ID, "error", err)
	}

	w.mu.Lock()
	if w.state == TornDown {
		w.mu.Unlock()
		return nil
	}
	w.last[r.ID] = text
	w.mu.Unlock()

	stop, err := w.surface.WatchText(ctx, r.Selector, func(cur string) { w.onText(r, cur) })
	if err != nil {
		return err
	}
	return w.track(r.ID, stop)
}

// track records a stop function. If the watcher was torn down meanwhile the
// observer is removed at once.
func (w *Watcher) track(ruleID string, stop func()) error {
	w.mu.Lock()
	if w.state == TornDown {
		w.mu.Unlock()
		if stop != nil {
			stop()
		}
		return nil
	}
	if stop != nil {
		w.stops = append(w.stops, stop)
	}
	w.observed = append(w.observed, ruleID)
	w.mu.Unlock()
	return nil
}

func (w *Watcher) onText(r model.Rule, cur string) {
	w.mu.Lock()
	if w.state == TornDown {
		w.mu.Unlock()
		return
	}
	prev := w.last[r.ID]
	if cur == prev {
		w.mu.Unlock()
		return
	}
	w.last[r.ID] = cur
	w.mu.Unlock()

	w.emitChange(r, prev, cur)
	if err := w.snapshots.PutSnapshot(w.ctx, r.ID, cur); err != nil {
		w.logger.Warn("pagewatch: write snapshot", "rule_id", r.ID, "error", err)
	}
}

func (w *Watcher) onClick(r model.Rule) {
	if w.State() == TornDown {
		return
	}
	w.emit(relay.ClickEvent, relay.ClickEventPayload{RuleID: r.ID, Selector: r.Selector, URL: w.surface.URL()})
}

func (w *Watcher) onSubmit(r model.Rule, fields map[string]string) {
	if w.State() == TornDown {
		return
	}
	if fields == nil {
		fields = map[string]string{}
	}
	w.emit(relay.FormSubmitted, relay.FormSubmittedPayload{RuleID: r.ID, FormData: fields, URL: w.surface.URL()})
}

func (w *Watcher) emitChange(r model.Rule, prev, cur string) {
	w.emit(relay.DOMChanged, relay.DOMChangedPayload{
		RuleID:   r.ID,
		Selector: r.Selector,
		Previous: prev,
		Current:  cur,
		URL:      w.surface.URL(),
	})
}

func (w *Watcher) emit(t relay.Type, payload any) {
	msg, err := relay.NewMessage(t, payload)
	if err != nil {
		w.logger.Error("pagewatch: encode message", "type", t, "error", err)
		return
	}
	if err := w.emitter.Emit(w.ctx, msg); err != nil {
		w.logger.Warn("pagewatch: emit failed", "type", t, "error", err)
	}
}
