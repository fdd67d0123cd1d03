package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pagehook/dbopen"
	"github.com/hazyhaar/pagehook/dispatch"
	"github.com/hazyhaar/pagehook/model"
	"github.com/hazyhaar/pagehook/relay"
	"github.com/hazyhaar/pagehook/store"
)

type hookServer struct {
	mu       sync.Mutex
	payloads []model.Payload
}

func (h *hookServer) start(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var p model.Payload
		json.Unmarshal(body, &p)
		h.mu.Lock()
		h.payloads = append(h.payloads, p)
		h.mu.Unlock()
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fakeSchedule struct{ removed []string }

func (f *fakeSchedule) Remove(id string) { f.removed = append(f.removed, id) }

func setup(t *testing.T) (*Coordinator, *relay.Relay, *store.Store, *hookServer, string) {
	t.Helper()
	st := store.New(dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema)))
	var hooks hookServer
	srv := hooks.start(t)

	c := New(st, dispatch.New(st), &fakeSchedule{}, nil)
	r := relay.New()
	c.Register(r)
	return c, r, st, &hooks, srv.URL
}

func addRule(t *testing.T, st *store.Store, url string, trigger model.TriggerKind) *model.Rule {
	t.Helper()
	r := &model.Rule{
		Name:        string(trigger),
		Enabled:     true,
		Trigger:     trigger,
		URLPattern:  "https://example.com/*",
		Destination: model.Destination{URL: url},
	}
	switch {
	case trigger.NeedsSelector():
		r.Selector = "#target"
	case trigger.NeedsInterval():
		r.IntervalMinutes = 10
	}
	if err := st.SaveRule(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	return r
}

func call(t *testing.T, r *relay.Relay, typ relay.Type, payload any) relay.Result {
	t.Helper()
	msg, err := relay.NewMessage(typ, payload)
	if err != nil {
		t.Fatal(err)
	}
	return r.Call(context.Background(), msg)
}

func TestChangeTypesPerMessage(t *testing.T) {
	_, r, st, hooks, url := setup(t)

	dom := addRule(t, st, url, model.TriggerContentChange)
	form := addRule(t, st, url, model.TriggerFormSubmit)
	click := addRule(t, st, url, model.TriggerClick)
	visit := addRule(t, st, url, model.TriggerPageVisit)

	results := []relay.Result{
		call(t, r, relay.DOMChanged, relay.DOMChangedPayload{RuleID: dom.ID, Selector: "#target", Previous: "$10", Current: "$12", URL: "https://example.com/a"}),
		call(t, r, relay.FormSubmitted, relay.FormSubmittedPayload{RuleID: form.ID, FormData: map[string]string{"q": "shoes"}, URL: "https://example.com/a"}),
		call(t, r, relay.ClickEvent, relay.ClickEventPayload{RuleID: click.ID, Selector: "#target", URL: "https://example.com/a"}),
		call(t, r, relay.PageVisited, relay.PageVisitedPayload{RuleID: visit.ID, URL: "https://example.com/a"}),
	}
	for i, res := range results {
		if !res.Success {
			t.Fatalf("result %d: %+v", i, res)
		}
	}

	want := []struct {
		event   model.TriggerKind
		change  string
		current string
	}{
		{model.TriggerContentChange, "mutation", "$12"},
		{model.TriggerFormSubmit, "submit", `{"q":"shoes"}`},
		{model.TriggerClick, "click", "#target"},
		{model.TriggerPageVisit, "visit", "https://example.com/a"},
	}
	if len(hooks.payloads) != len(want) {
		t.Fatalf("deliveries: %d", len(hooks.payloads))
	}
	for i, w := range want {
		p := hooks.payloads[i]
		if p.Event != w.event || p.Change.Type != w.change || p.Change.Current != w.current {
			t.Errorf("delivery %d: event=%s change=%+v", i, p.Event, p.Change)
		}
	}
	if hooks.payloads[0].Change.Previous != "$10" {
		t.Errorf("previous: %q", hooks.payloads[0].Change.Previous)
	}
}

func TestDisabledOrMissingRuleSkipped(t *testing.T) {
	_, r, st, hooks, url := setup(t)
	rule := addRule(t, st, url, model.TriggerClick)
	st.SetRuleEnabled(context.Background(), rule.ID, false)

	if res := call(t, r, relay.ClickEvent, relay.ClickEventPayload{RuleID: rule.ID}); !res.Skipped {
		t.Fatalf("disabled: %+v", res)
	}
	if res := call(t, r, relay.ClickEvent, relay.ClickEventPayload{RuleID: "gone"}); !res.Skipped {
		t.Fatalf("missing: %+v", res)
	}
	if len(hooks.payloads) != 0 {
		t.Fatal("skipped rule was delivered")
	}
}

func TestOutOfScopeSkipped(t *testing.T) {
	c, r, st, hooks, url := setup(t)
	dom := addRule(t, st, url, model.TriggerContentChange)
	periodic := addRule(t, st, url, model.TriggerPeriodicCheck)

	tests := []struct {
		name string
		typ  relay.Type
		body any
	}{
		{"foreign url", relay.DOMChanged, relay.DOMChangedPayload{RuleID: dom.ID, Selector: "#target", Current: "$1", URL: "https://evil.example/other"}},
		{"no url", relay.DOMChanged, relay.DOMChangedPayload{RuleID: dom.ID, Selector: "#target", Current: "$1"}},
		{"wrong trigger", relay.ClickEvent, relay.ClickEventPayload{RuleID: dom.ID, Selector: "#target", URL: "https://example.com/a"}},
		{"page event for periodic rule", relay.PageVisited, relay.PageVisitedPayload{RuleID: periodic.ID, URL: "https://example.com/a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if res := call(t, r, tt.typ, tt.body); !res.Skipped || res.Success {
				t.Fatalf("result: %+v", res)
			}
		})
	}

	if res := c.Periodic(context.Background(), dom.ID); !res.Skipped {
		t.Fatalf("periodic on content rule: %+v", res)
	}
	if len(hooks.payloads) != 0 {
		t.Fatalf("out-of-scope events delivered: %d", len(hooks.payloads))
	}
	if logs, _ := st.ListLogs(context.Background(), 0); len(logs) != 0 {
		t.Fatalf("skipped events logged: %d", len(logs))
	}
}

func TestDeliveryFailureIsError(t *testing.T) {
	_, r, st, _, _ := setup(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	rule := addRule(t, st, srv.URL, model.TriggerPageVisit)

	res := call(t, r, relay.PageVisited, relay.PageVisitedPayload{RuleID: rule.ID, URL: "https://example.com/"})
	if res.Error != "HTTP 500 Internal Server Error" {
		t.Fatalf("result: %+v", res)
	}
}

func TestElementSelectedStoresPending(t *testing.T) {
	_, r, st, _, _ := setup(t)
	res := call(t, r, relay.ElementSelected, relay.ElementSelectedPayload{Selector: "#price", URL: "https://example.com/", TextPreview: "$10"})
	if !res.Success {
		t.Fatalf("result: %+v", res)
	}
	sel, ok, err := st.TakePendingSelection(context.Background())
	if err != nil || !ok || sel.Selector != "#price" || sel.TextPreview != "$10" {
		t.Fatalf("pending: %+v ok=%v err=%v", sel, ok, err)
	}
}

func TestMalformedPayload(t *testing.T) {
	_, r, _, _, _ := setup(t)
	res := r.Call(context.Background(), relay.Message{Type: relay.DOMChanged, Payload: json.RawMessage(`[1,2]`)})
	if res.Error == "" {
		t.Fatal("expected decode error")
	}
	res = call(t, r, relay.DOMChanged, relay.DOMChangedPayload{})
	if res.Error == "" {
		t.Fatal("expected missing ruleId error")
	}
}

func TestPeriodic(t *testing.T) {
	c, _, st, hooks, url := setup(t)
	rule := addRule(t, st, url, model.TriggerPeriodicCheck)

	if res := c.Periodic(context.Background(), rule.ID); !res.Success {
		t.Fatalf("result: %+v", res)
	}
	if len(hooks.payloads) != 1 || hooks.payloads[0].Change.Type != "scheduled" || hooks.payloads[0].Event != model.TriggerPeriodicCheck {
		t.Fatalf("deliveries: %+v", hooks.payloads)
	}
}

func TestDeleteRule(t *testing.T) {
	c, _, st, _, url := setup(t)
	rule := addRule(t, st, url, model.TriggerContentChange)
	st.PutSnapshot(context.Background(), rule.ID, "$10")

	if err := c.DeleteRule(context.Background(), rule.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := st.GetSnapshot(context.Background(), rule.ID); ok {
		t.Error("snapshot survived")
	}
	if got := c.schedule.(*fakeSchedule).removed; len(got) != 1 || got[0] != rule.ID {
		t.Errorf("unschedule: %v", got)
	}
}

func TestRuleWrites(t *testing.T) {
	c, _, st, _, url := setup(t)
	ctx := context.Background()

	rule := &model.Rule{
		ID:              "ignored",
		Name:            "Hourly ping",
		Enabled:         true,
		Trigger:         model.TriggerPeriodicCheck,
		URLPattern:      "https://example.com/*",
		IntervalMinutes: 60,
		Destination:     model.Destination{URL: url},
	}
	if err := c.CreateRule(ctx, rule); err != nil {
		t.Fatal(err)
	}
	if rule.ID == "" || rule.ID == "ignored" {
		t.Fatalf("id not assigned: %q", rule.ID)
	}

	off := false
	got, err := c.ToggleRule(ctx, rule.ID, &off)
	if err != nil || got.Enabled {
		t.Fatalf("toggle off: %+v %v", got, err)
	}
	got, err = c.ToggleRule(ctx, rule.ID, nil)
	if err != nil || !got.Enabled {
		t.Fatalf("flip: %+v %v", got, err)
	}

	rule.Trigger = model.TriggerPageVisit
	rule.IntervalMinutes = 0
	if err := c.UpdateRule(ctx, rule); err != nil {
		t.Fatal(err)
	}
	stored, _ := st.GetRule(ctx, rule.ID)
	if stored.Trigger != model.TriggerPageVisit {
		t.Errorf("trigger = %s", stored.Trigger)
	}
	if got := c.schedule.(*fakeSchedule).removed; len(got) != 2 {
		t.Errorf("unschedule calls: %v", got)
	}

	missing := *rule
	missing.ID = "nope"
	if err := c.UpdateRule(ctx, &missing); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("update missing: %v", err)
	}
	if _, err := c.ToggleRule(ctx, "nope", nil); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("toggle missing: %v", err)
	}
}
