// Package coordinator is the single owner of rule mutations and webhook
// dispatch. It turns relay messages from page watchers and pickers into
// dispatch calls and store writes.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/pagehook/dispatch"
	"github.com/hazyhaar/pagehook/model"
	"github.com/hazyhaar/pagehook/pattern"
	"github.com/hazyhaar/pagehook/relay"
	"github.com/hazyhaar/pagehook/store"
)

// Unscheduler removes a rule's recurring timer.
type Unscheduler interface {
	Remove(ruleID string)
}

// Coordinator wires relay handlers to the store and dispatch engine.
type Coordinator struct {
	store    *store.Store
	engine   *dispatch.Engine
	schedule Unscheduler
	logger   *slog.Logger
}

// New creates a Coordinator. schedule may be nil.
func New(s *store.Store, e *dispatch.Engine, schedule Unscheduler, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: s, engine: e, schedule: schedule, logger: logger}
}

// SetScheduler attaches the scheduler after construction; the scheduler
// itself needs the coordinator to fire periodic rules.
func (c *Coordinator) SetScheduler(u Unscheduler) { c.schedule = u }

// Register installs the coordinator's handlers on r.
func (c *Coordinator) Register(r *relay.Relay) {
	r.Handle(relay.ElementSelected, c.onElementSelected)
	r.Handle(relay.DOMChanged, c.onDOMChanged)
	r.Handle(relay.FormSubmitted, c.onFormSubmitted)
	r.Handle(relay.ClickEvent, c.onClickEvent)
	r.Handle(relay.PageVisited, c.onPageVisited)
}

func (c *Coordinator) onElementSelected(ctx context.Context, raw json.RawMessage) relay.Result {
	var p relay.ElementSelectedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return relay.Fail(fmt.Errorf("coordinator: decode %s: %w", relay.ElementSelected, err))
	}
	sel := model.Selection{Selector: p.Selector, URL: p.URL, TextPreview: p.TextPreview}
	if err := c.store.SetPendingSelection(ctx, sel); err != nil {
		return relay.Fail(err)
	}
	c.logger.Info("coordinator: element selected", "selector", p.Selector, "url", p.URL)
	return relay.OK()
}

func (c *Coordinator) onDOMChanged(ctx context.Context, raw json.RawMessage) relay.Result {
	var p relay.DOMChangedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return relay.Fail(fmt.Errorf("coordinator: decode %s: %w", relay.DOMChanged, err))
	}
	return c.dispatch(ctx, p.RuleID, p.URL, model.TriggerContentChange, model.Change{
		Type:     "mutation",
		Previous: p.Previous,
		Current:  p.Current,
	})
}

func (c *Coordinator) onFormSubmitted(ctx context.Context, raw json.RawMessage) relay.Result {
	var p relay.FormSubmittedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return relay.Fail(fmt.Errorf("coordinator: decode %s: %w", relay.FormSubmitted, err))
	}
	data, err := json.Marshal(p.FormData)
	if err != nil {
		return relay.Fail(err)
	}
	return c.dispatch(ctx, p.RuleID, p.URL, model.TriggerFormSubmit, model.Change{Type: "submit", Current: string(data)})
}

func (c *Coordinator) onClickEvent(ctx context.Context, raw json.RawMessage) relay.Result {
	var p relay.ClickEventPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return relay.Fail(fmt.Errorf("coordinator: decode %s: %w", relay.ClickEvent, err))
	}
	return c.dispatch(ctx, p.RuleID, p.URL, model.TriggerClick, model.Change{Type: "click", Current: p.Selector})
}

func (c *Coordinator) onPageVisited(ctx context.Context, raw json.RawMessage) relay.Result {
	var p relay.PageVisitedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return relay.Fail(fmt.Errorf("coordinator: decode %s: %w", relay.PageVisited, err))
	}
	return c.dispatch(ctx, p.RuleID, p.URL, model.TriggerPageVisit, model.Change{Type: "visit", Current: p.URL})
}

// Periodic fires a periodic-check delivery for ruleID.
func (c *Coordinator) Periodic(ctx context.Context, ruleID string) relay.Result {
	return c.dispatch(ctx, ruleID, "", model.TriggerPeriodicCheck, model.Change{Type: "scheduled"})
}

// CreateRule stores r as a new rule and assigns its id.
func (c *Coordinator) CreateRule(ctx context.Context, r *model.Rule) error {
	r.ID = ""
	if err := c.store.SaveRule(ctx, r); err != nil {
		return err
	}
	c.logger.Info("coordinator: rule created", "rule_id", r.ID, "trigger", r.Trigger)
	return nil
}

// UpdateRule replaces the stored rule with id r.ID. It returns
// store.ErrNotFound when no such rule exists.
func (c *Coordinator) UpdateRule(ctx context.Context, r *model.Rule) error {
	if _, err := c.store.GetRule(ctx, r.ID); err != nil {
		return err
	}
	if err := c.store.SaveRule(ctx, r); err != nil {
		return err
	}
	c.unscheduleIdle(r)
	c.logger.Info("coordinator: rule updated", "rule_id", r.ID, "enabled", r.Enabled)
	return nil
}

// ToggleRule sets the rule's enabled flag, or flips it when enabled is nil.
func (c *Coordinator) ToggleRule(ctx context.Context, id string, enabled *bool) (*model.Rule, error) {
	if enabled == nil {
		cur, err := c.store.GetRule(ctx, id)
		if err != nil {
			return nil, err
		}
		flipped := !cur.Enabled
		enabled = &flipped
	}
	r, err := c.store.SetRuleEnabled(ctx, id, *enabled)
	if err != nil {
		return nil, err
	}
	c.unscheduleIdle(r)
	c.logger.Info("coordinator: rule toggled", "rule_id", id, "enabled", r.Enabled)
	return r, nil
}

// unscheduleIdle stops a timer at once for a rule that no longer needs
// one. New timers are picked up by the scheduler's version watch.
func (c *Coordinator) unscheduleIdle(r *model.Rule) {
	if c.schedule != nil && (!r.Enabled || r.Trigger != model.TriggerPeriodicCheck) {
		c.schedule.Remove(r.ID)
	}
}

// DeleteRule removes the rule and its snapshot and stops its timer.
func (c *Coordinator) DeleteRule(ctx context.Context, ruleID string) error {
	err := c.store.DeleteRule(ctx, ruleID)
	if c.schedule != nil {
		c.schedule.Remove(ruleID)
	}
	return err
}

// dispatch delivers event for ruleID. Page events carry the URL they were
// seen on; periodic checks pass an empty pageURL and skip the scope test.
func (c *Coordinator) dispatch(ctx context.Context, ruleID, pageURL string, event model.TriggerKind, change model.Change) relay.Result {
	if ruleID == "" {
		return relay.Result{Error: "coordinator: missing ruleId"}
	}
	skip, err := c.outOfScope(ctx, ruleID, pageURL, event)
	if err != nil {
		return relay.Fail(err)
	}
	if skip {
		return relay.Skipped()
	}
	res, err := c.engine.Dispatch(ctx, ruleID, event, change)
	if err != nil {
		c.logger.Error("coordinator: dispatch", "rule_id", ruleID, "event", event, "error", err)
		return relay.Fail(err)
	}
	if res.Skipped {
		return relay.Skipped()
	}
	if !res.Success {
		return relay.Result{Error: res.Entry.Error}
	}
	return relay.OK()
}

// outOfScope reports whether the rule does not react to event on pageURL.
// A missing rule is left to the engine, which logs it as skipped.
func (c *Coordinator) outOfScope(ctx context.Context, ruleID, pageURL string, event model.TriggerKind) (bool, error) {
	rule, err := c.store.GetRule(ctx, ruleID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("coordinator: load rule: %w", err)
	}
	if rule.Trigger != event {
		c.logger.Debug("coordinator: trigger mismatch, skipped", "rule_id", ruleID, "trigger", rule.Trigger, "event", event)
		return true, nil
	}
	if event != model.TriggerPeriodicCheck && !pattern.Match(pageURL, rule.URLPattern) {
		c.logger.Debug("coordinator: url out of scope, skipped", "rule_id", ruleID, "url", pageURL, "pattern", rule.URLPattern)
		return true, nil
	}
	return false, nil
}
