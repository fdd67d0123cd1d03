package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/pagehook/pagewatch"
	"github.com/hazyhaar/pagehook/relay"
)

// Page is one page kept open and watched.
type Page struct {
	ID  string
	URL string
}

// Deps are the stores and relay endpoints every session's watchers use.
type Deps struct {
	Rules     pagewatch.RuleSource
	Snapshots pagewatch.SnapshotStore
	// Origin returns the emitter for one page's messages.
	Origin func(pageID string) relay.Emitter
	Logger *slog.Logger
}

// Session keeps one tab open on a page and runs a fresh pagewatch.Watcher
// for every document the tab loads. The previous watcher is torn down on
// navigation. When the tab dies (browser recycle, crash) it is reopened.
type Session struct {
	page    Page
	mgr     *Manager
	deps    Deps
	emitter relay.Emitter
	log     *slog.Logger

	runCtx context.Context

	mu      sync.Mutex
	tab     *Tab
	watcher *pagewatch.Watcher
}

// NewSession creates a session. Call Run to open the tab.
func NewSession(mgr *Manager, page Page, deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Session{
		page: page,
		mgr:  mgr,
		deps: deps,
		log:  deps.Logger.With("page", page.ID),
	}
	if deps.Origin != nil {
		s.emitter = deps.Origin(page.ID)
	}
	return s
}

// ID returns the page id.
func (s *Session) ID() string { return s.page.ID }

// Tab returns the currently open tab, nil while (re)opening.
func (s *Session) Tab() *Tab {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tab
}

// Watcher returns the watcher bound to the current document, if any.
func (s *Session) Watcher() *pagewatch.Watcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watcher
}

// Run opens the tab and keeps it open until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	s.runCtx = ctx
	backoff := time.Second
	for {
		tab, err := OpenTab(ctx, s.mgr, s.page.ID, s.page.URL, TabHooks{
			OnNavigate: s.onNavigate,
			OnLoad:     s.onLoad,
		})
		if err != nil {
			s.log.Warn("browser: open tab failed", "url", s.page.URL, "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, time.Minute)
			continue
		}
		backoff = time.Second

		s.mu.Lock()
		s.tab = tab
		s.mu.Unlock()
		s.log.Info("browser: tab open", "url", s.page.URL)

		s.hold(ctx, tab)

		s.mu.Lock()
		s.tab = nil
		s.mu.Unlock()
		s.teardown()
		tab.Close()

		if ctx.Err() != nil {
			return nil
		}
		s.log.Info("browser: tab lost, reopening")
	}
}

// hold blocks until ctx ends or the tab stops answering.
func (s *Session) hold(ctx context.Context, tab *Tab) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tab.Done():
			return
		case <-ticker.C:
			if !tab.Alive(ctx) {
				return
			}
		}
	}
}

func (s *Session) onNavigate(_ *Tab, url string) {
	s.log.Debug("browser: navigated", "url", url)
	s.teardown()
}

func (s *Session) onLoad(tab *Tab) {
	s.teardown()
	w := pagewatch.New(tab, s.deps.Rules, s.deps.Snapshots, s.emitter, s.log)
	if err := w.Start(s.runCtx); err != nil {
		s.log.Warn("browser: watcher start failed", "url", tab.URL(), "error", err)
		return
	}
	s.mu.Lock()
	s.watcher = w
	s.mu.Unlock()
}

func (s *Session) teardown() {
	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}

// Pool runs one Session per configured page.
type Pool struct {
	mgr  *Manager
	deps Deps

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewPool creates an empty pool.
func NewPool(mgr *Manager, deps Deps) *Pool {
	return &Pool{mgr: mgr, deps: deps, sessions: make(map[string]*Session)}
}

// Add registers a page. Ids must be unique.
func (p *Pool) Add(page Page) error {
	if page.ID == "" || page.URL == "" {
		return fmt.Errorf("browser: page needs id and url")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sessions[page.ID]; ok {
		return fmt.Errorf("browser: duplicate page id %q", page.ID)
	}
	p.sessions[page.ID] = NewSession(p.mgr, page, p.deps)
	return nil
}

// Session returns the session for id.
func (p *Pool) Session(id string) (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[id]
	return s, ok
}

// Tab returns the open tab for page id, nil if unknown or not open.
func (p *Pool) Tab(id string) *Tab {
	s, ok := p.Session(id)
	if !ok {
		return nil
	}
	return s.Tab()
}

// IDs lists the page ids in order.
func (p *Pool) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run runs every session until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	p.mu.RLock()
	for _, s := range p.sessions {
		g.Go(func() error { return s.Run(gctx) })
	}
	p.mu.RUnlock()
	return g.Wait()
}
