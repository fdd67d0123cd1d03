package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/pagehook/config"
	"github.com/hazyhaar/pagehook/relay"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}
	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   string(body),
		})
		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}
		w.WriteHeader(404)
		w.Write([]byte(`{"error":"store: rule x: store: not found"}`))
	}))
	t.Cleanup(ts.server.Close)
	return ts
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	base := []string{"--env-file", filepath.Join(t.TempDir(), "none.env"), "--config", ""}
	rootCmd.SetArgs(append(base, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRulesList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/rules": `[{"id":"r1","name":"Price watch","enabled":true,"trigger":"dom_change","urlPattern":"https://shop.example.com/*","destination":{"url":"https://hooks.example.com/a"}}]`,
	})
	out, err := run(t, "rules", "list", "--server", ts.server.URL)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"ID", "r1", "Price watch", "dom_change", "https://hooks.example.com/a"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRulesToggle(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/rules/r1/toggle": `{"id":"r1","enabled":false}`,
	})
	out, err := run(t, "rules", "toggle", "r1", "--enabled=false", "--server", ts.server.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "r1 enabled=false") {
		t.Errorf("output = %q", out)
	}
	if len(ts.requests) != 1 || ts.requests[0].Body != `{"enabled":false}` {
		t.Errorf("requests = %+v", ts.requests)
	}
}

func TestRulesDelete_NotFound(t *testing.T) {
	ts := newTestServer(t, nil)
	_, err := run(t, "rules", "delete", "x", "--server", ts.server.URL)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v", err)
	}
}

func TestLogs(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/logs": `[{"id":"l1","ruleName":"Price watch","event":"dom_change","status":"failure","statusCode":500,"timestamp":"2026-03-04T05:06:07Z","error":"HTTP 500 Internal Server Error"}]`,
	})
	out, err := run(t, "logs", "--limit", "5", "--server", ts.server.URL)
	if err != nil {
		t.Fatal(err)
	}
	if ts.requests[0].Path != "/api/logs?limit=5" {
		t.Errorf("path = %s", ts.requests[0].Path)
	}
	if !strings.Contains(out, "HTTP 500 Internal Server Error") || !strings.Contains(out, "2026-03-04 05:06:07") {
		t.Errorf("output = %s", out)
	}
}

func TestPick(t *testing.T) {
	page := `<html><body><article><h1 id="headline">News of the day</h1><p>` +
		strings.Repeat("Plenty of readable static text lives here. ", 20) +
		`</p></article></body></html>`
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(page))
	}))
	defer site.Close()
	ts := newTestServer(t, map[string]string{"POST /api/relay": `{"success":true}`})

	out, err := run(t, "pick", "--url", site.URL, "--text", "News of the day", "--dry-run=false", "--server", ts.server.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"selector": "#headline"`) {
		t.Errorf("output = %s", out)
	}
	if len(ts.requests) != 1 {
		t.Fatalf("requests = %+v", ts.requests)
	}
	var msg relay.Message
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != relay.ElementSelected {
		t.Errorf("type = %s", msg.Type)
	}
}

func TestPick_MissingFlags(t *testing.T) {
	if _, err := run(t, "pick", "--url", "", "--text", ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestOpenStore_BusyTimeout(t *testing.T) {
	c := config.Default()
	c.DBPath = filepath.Join(t.TempDir(), "sub", "pagehook.db")
	c.DB.BusyTimeout = 3 * time.Second

	st, err := openStore(c, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	var ms int
	if err := st.DB.QueryRow("PRAGMA busy_timeout").Scan(&ms); err != nil {
		t.Fatal(err)
	}
	if ms != 3000 {
		t.Fatalf("busy_timeout = %d, want 3000", ms)
	}
}
