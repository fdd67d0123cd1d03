// Package schedule drives periodic-check rules from a wall-clock timer,
// independent of any open page. Each enabled periodic rule owns one cron
// entry "@every <n>m"; Reload reconciles entries with the stored rules.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hazyhaar/pagehook/model"
	"github.com/hazyhaar/pagehook/relay"
	"github.com/hazyhaar/pagehook/watch"
)

// RuleSource lists the stored rules.
type RuleSource interface {
	ListRules(ctx context.Context) ([]model.Rule, error)
}

// Firer runs one periodic delivery.
type Firer interface {
	Periodic(ctx context.Context, ruleID string) relay.Result
}

type job struct {
	entry    cron.EntryID
	interval int
}

// Scheduler owns one cron entry per enabled periodic rule.
type Scheduler struct {
	cron   *cron.Cron
	rules  RuleSource
	firer  Firer
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]job

	watcher atomic.Pointer[watch.Watcher]
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Scheduled int `json:"scheduled"`
	// RulesVersion is the last rules version the timers were rebuilt for.
	RulesVersion int64 `json:"rules_version"`
	// Watching is false until Run has started.
	Watching bool        `json:"watching"`
	Watch    watch.Stats `json:"watch"`
}

// New creates a stopped Scheduler.
func New(rules RuleSource, firer Firer, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:   cron.New(),
		rules:  rules,
		firer:  firer,
		logger: logger,
		jobs:   make(map[string]job),
	}
}

// Start starts the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("schedule: started")
}

// Stop stops the cron loop and waits for running deliveries.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("schedule: stopped")
}

// Spec returns the cron spec for an interval in minutes.
func Spec(minutes int) string {
	return fmt.Sprintf("@every %dm", minutes)
}

// Reload adds, replaces or removes entries so that exactly the enabled
// periodic rules are scheduled at their current interval.
func (s *Scheduler) Reload(ctx context.Context) error {
	rules, err := s.rules.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("schedule: list rules: %w", err)
	}

	want := make(map[string]int)
	for _, r := range rules {
		if r.Enabled && r.Trigger == model.TriggerPeriodicCheck && r.IntervalMinutes > 0 {
			want[r.ID] = r.IntervalMinutes
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, j := range s.jobs {
		if interval, ok := want[id]; !ok || interval != j.interval {
			s.cron.Remove(j.entry)
			delete(s.jobs, id)
			s.logger.Info("schedule: removed", "rule_id", id)
		}
	}
	for id, interval := range want {
		if _, ok := s.jobs[id]; ok {
			continue
		}
		ruleID := id
		entry, err := s.cron.AddFunc(Spec(interval), func() { s.fire(ruleID) })
		if err != nil {
			s.logger.Error("schedule: add entry", "rule_id", id, "interval_minutes", interval, "error", err)
			continue
		}
		s.jobs[id] = job{entry: entry, interval: interval}
		s.logger.Info("schedule: scheduled", "rule_id", id, "interval_minutes", interval)
	}
	return nil
}

// Remove drops the entry for ruleID, if any.
func (s *Scheduler) Remove(ruleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[ruleID]; ok {
		s.cron.Remove(j.entry)
		delete(s.jobs, ruleID)
		s.logger.Info("schedule: removed", "rule_id", ruleID)
	}
}

// Scheduled returns the scheduled rule ids, sorted.
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Next returns the next activation time for ruleID.
func (s *Scheduler) Next(ruleID string) (time.Time, bool) {
	s.mu.Lock()
	j, ok := s.jobs[ruleID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(j.entry).Next, true
}

// Run reloads once, then watches the rules version and reloads on every
// change until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, version watch.Detector, interval time.Duration) error {
	v, err := version(ctx)
	if err != nil {
		return fmt.Errorf("schedule: rules version: %w", err)
	}
	if err := s.Reload(ctx); err != nil {
		return err
	}
	w := watch.New(version, watch.Options{Interval: interval, Logger: s.logger})
	w.Prime(v)
	s.watcher.Store(w)
	defer s.watcher.Store(nil)
	w.OnChange(ctx, func() error { return s.Reload(ctx) })
	return nil
}

// Status reports the number of scheduled rules and, while Run is active,
// the rules-version watch counters.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := Status{Scheduled: len(s.jobs)}
	s.mu.Unlock()
	if w := s.watcher.Load(); w != nil {
		st.Watching = true
		st.RulesVersion = w.Version()
		st.Watch = w.Stats()
	}
	return st
}

func (s *Scheduler) fire(ruleID string) {
	res := s.firer.Periodic(context.Background(), ruleID)
	switch {
	case res.Skipped:
		s.logger.Debug("schedule: periodic check skipped", "rule_id", ruleID)
	case res.Error != "":
		s.logger.Warn("schedule: periodic check failed", "rule_id", ruleID, "error", res.Error)
	}
}
