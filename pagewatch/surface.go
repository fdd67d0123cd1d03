package pagewatch

import (
	"context"
	"errors"

	"github.com/hazyhaar/pagehook/model"
)

// ErrTargetNotFound is returned by a Surface when a selector resolves to
// nothing on the current page.
var ErrTargetNotFound = errors.New("pagewatch: target not found")

// Surface is one loaded page as the watcher sees it. Watch* callbacks are
// push-driven: the surface calls them when the page reports a change, click
// or submit. The returned stop function removes the observer or listener.
type Surface interface {
	URL() string
	Text(ctx context.Context, selector string) (string, error)
	WatchText(ctx context.Context, selector string, fn func(text string)) (stop func(), err error)
	WatchClicks(ctx context.Context, selector string, fn func()) (stop func(), err error)
	WatchSubmits(ctx context.Context, selector string, fn func(fields map[string]string)) (stop func(), err error)
}

// RuleSource lists the rules a watcher evaluates on start.
type RuleSource interface {
	ListRules(ctx context.Context) ([]model.Rule, error)
}

// SnapshotStore persists the last observed text per rule.
type SnapshotStore interface {
	GetSnapshot(ctx context.Context, ruleID string) (string, bool, error)
	PutSnapshot(ctx context.Context, ruleID, text string) error
}
