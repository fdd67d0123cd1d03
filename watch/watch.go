// Package watch polls a version token, debounces changes and runs a reload
// action. The scheduler uses it to rebuild its timers whenever the rules
// document is rewritten, whichever process wrote it.
//
//	w := watch.New(st.RulesVersion, watch.Options{Interval: 2 * time.Second})
//	go w.OnChange(ctx, func() error { return sched.Reload(ctx) })
package watch

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Detector reads a version token. Two calls that return different values
// mean something changed.
type Detector func(ctx context.Context) (int64, error)

// Options tunes the watcher.
type Options struct {
	// Interval is the polling period. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period after a change before the action fires.
	// Further changes inside the window restart it. 0 fires immediately.
	Debounce time.Duration
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher polls a Detector and runs an action on change. Stats and Version
// may be read concurrently with OnChange.
type Watcher struct {
	detect Detector
	opts   Options

	version atomic.Int64
	primed  atomic.Bool

	checks   atomic.Int64
	changes  atomic.Int64
	errors   atomic.Int64
	reloads  atomic.Int64
	reloadNs atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Checks          int64         `json:"checks"`
	ChangesDetected int64         `json:"changes_detected"`
	Errors          int64         `json:"errors"`
	Reloads         int64         `json:"reloads"`
	AvgReloadTime   time.Duration `json:"avg_reload_time"`
}

// New creates a Watcher. Call OnChange to start the loop.
func New(detect Detector, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{detect: detect, opts: opts}
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	s := Stats{
		Checks:          w.checks.Load(),
		ChangesDetected: w.changes.Load(),
		Errors:          w.errors.Load(),
		Reloads:         w.reloads.Load(),
	}
	if s.Reloads > 0 {
		s.AvgReloadTime = time.Duration(w.reloadNs.Load() / s.Reloads)
	}
	return s
}

// Version returns the last version whose action succeeded.
func (w *Watcher) Version() int64 { return w.version.Load() }

// Prime sets the baseline version explicitly, for callers that loaded
// state at a known version before starting OnChange.
func (w *Watcher) Prime(v int64) {
	w.version.Store(v)
	w.primed.Store(true)
}

// OnChange blocks until ctx is cancelled. Unless primed, the version seen on
// entry is the baseline; the action runs for later changes only. A failed
// action leaves the version where it was, so the next poll retries it.
func (w *Watcher) OnChange(ctx context.Context, action func() error) {
	log := w.opts.Logger

	if !w.primed.Load() {
		if v, err := w.detect(ctx); err != nil {
			log.Warn("watch: initial version check failed", "error", err)
		} else {
			w.version.Store(v)
		}
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceCh <-chan time.Time
	pending := int64(-1)

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.detect(ctx)
			if err != nil {
				w.errors.Add(1)
				log.Warn("watch: version check failed", "error", err)
				continue
			}
			if cur == w.version.Load() || cur == pending {
				continue
			}
			w.changes.Add(1)
			pending = cur
			if w.opts.Debounce <= 0 {
				w.fire(log, action, pending)
				pending = -1
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.opts.Debounce)
			debounceCh = debounce.C

		case <-debounceCh:
			debounceCh = nil
			if pending >= 0 {
				w.fire(log, action, pending)
				pending = -1
			}
		}
	}
}

func (w *Watcher) fire(log *slog.Logger, action func() error, ver int64) {
	start := time.Now()
	if err := action(); err != nil {
		w.errors.Add(1)
		log.Error("watch: reload failed", "error", err, "version", ver)
		return
	}
	elapsed := time.Since(start)
	w.reloads.Add(1)
	w.reloadNs.Add(int64(elapsed))
	w.version.Store(ver)
	log.Debug("watch: reloaded", "version", ver, "duration", elapsed)
}
