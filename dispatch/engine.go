// Package dispatch turns a detected event into exactly one webhook delivery
// and records the outcome in the log.
//
// The rule is re-read at dispatch time: a rule disabled or deleted after its
// event was detected is skipped without any HTTP call. Deliveries are never
// retried.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/pagehook/model"
	"github.com/hazyhaar/pagehook/store"
)

// Version is reported in every payload's meta block.
const Version = "1.0.0"

// PoweredBy is the value of the payload's powered_by field.
const PoweredBy = "pagehook"

// RuleStore is the part of the store the engine needs.
type RuleStore interface {
	GetRule(ctx context.Context, id string) (*model.Rule, error)
	AppendLog(ctx context.Context, e model.LogEntry) (model.LogEntry, error)
	Settings(ctx context.Context) (model.Settings, error)
}

// Notifier is told about every logged delivery while notifications are
// enabled in settings.
type Notifier interface {
	Notify(ctx context.Context, entry model.LogEntry)
}

// Result is the outcome of one Dispatch call.
type Result struct {
	Skipped bool
	Success bool
	Entry   model.LogEntry
}

// Engine delivers webhooks.
type Engine struct {
	store    RuleStore
	client   *http.Client
	notifier Notifier
	platform string
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithHTTPClient overrides the HTTP client. The default has no timeout.
func WithHTTPClient(c *http.Client) Option { return func(e *Engine) { e.client = c } }

// WithTimeout bounds every delivery. 0 keeps the client's own setting.
func WithTimeout(d time.Duration) Option { return func(e *Engine) { e.timeout = d } }

// WithNotifier sets the delivery notifier.
func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithPlatform sets meta.platform. Default: "pagehook".
func WithPlatform(p string) Option {
	return func(e *Engine) {
		if p != "" {
			e.platform = p
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// New creates an Engine backed by s.
func New(s RuleStore, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		client:   &http.Client{},
		platform: "pagehook",
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.timeout > 0 {
		c := *e.client
		c.Timeout = e.timeout
		e.client = &c
	}
	return e
}

// Dispatch re-validates ruleID, delivers the payload for event and change,
// and appends a log entry for the outcome. A missing or disabled rule yields
// a skipped result. The returned error covers store failures only; delivery
// failures are reported in the Result.
func (e *Engine) Dispatch(ctx context.Context, ruleID string, event model.TriggerKind, change model.Change) (Result, error) {
	rule, err := e.store.GetRule(ctx, ruleID)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Debug("dispatch: rule gone, skipped", "rule_id", ruleID, "event", event)
		return Result{Skipped: true}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: load rule: %w", err)
	}
	if !rule.Enabled {
		e.logger.Debug("dispatch: rule disabled, skipped", "rule_id", ruleID, "event", event)
		return Result{Skipped: true}, nil
	}

	payload := e.BuildPayload(rule, event, change)
	status, derr := e.deliver(ctx, rule.Destination, payload)

	entry := model.LogEntry{
		RuleID:         rule.ID,
		RuleName:       rule.Name,
		Event:          event,
		Status:         model.StatusSuccess,
		StatusCode:     status,
		DestinationURL: rule.Destination.URL,
		Timestamp:      e.now().UTC(),
		Payload:        &payload,
	}
	if derr != nil {
		entry.Status = model.StatusFailure
		entry.Error = derr.Error()
		e.logger.Warn("dispatch: delivery failed", "rule_id", rule.ID, "event", event, "status", status, "error", derr)
	} else {
		e.logger.Info("dispatch: delivered", "rule_id", rule.ID, "event", event, "status", status)
	}

	entry, err = e.store.AppendLog(ctx, entry)
	if err != nil {
		return Result{Success: derr == nil, Entry: entry}, fmt.Errorf("dispatch: append log: %w", err)
	}
	e.notify(ctx, entry)
	return Result{Success: derr == nil, Entry: entry}, nil
}

// BuildPayload assembles the webhook payload for rule.
func (e *Engine) BuildPayload(rule *model.Rule, event model.TriggerKind, change model.Change) model.Payload {
	return model.Payload{
		Event:     event,
		Rule:      model.PayloadRule{ID: rule.ID, Name: rule.Name},
		Source:    model.PayloadSource{URL: rule.URLPattern, Selector: rule.Selector},
		Change:    change,
		Timestamp: e.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Meta:      model.PayloadMeta{Platform: e.platform, Version: Version},
		PoweredBy: PoweredBy,
	}
}

// deliver POSTs the payload. It returns the HTTP status (0 on transport
// failure) and a non-nil error unless the status is 2xx.
func (e *Engine) deliver(ctx context.Context, d model.Destination, p model.Payload) (int, error) {
	body, err := Body(d, p)
	if err != nil {
		return 0, fmt.Errorf("dispatch: encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range d.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("HTTP %d %s", resp.StatusCode, reason(resp))
	}
	return resp.StatusCode, nil
}

func reason(resp *http.Response) string {
	r := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if r == "" {
		r = http.StatusText(resp.StatusCode)
	}
	return r
}

func (e *Engine) notify(ctx context.Context, entry model.LogEntry) {
	if e.notifier == nil {
		return
	}
	settings, err := e.store.Settings(ctx)
	if err != nil {
		e.logger.Warn("dispatch: read settings", "error", err)
		return
	}
	if settings.EnableNotifications {
		e.notifier.Notify(ctx, entry)
	}
}
