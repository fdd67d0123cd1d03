package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/pagehook/coordinator"
	"github.com/hazyhaar/pagehook/dbopen"
	"github.com/hazyhaar/pagehook/dispatch"
	"github.com/hazyhaar/pagehook/relay"
	"github.com/hazyhaar/pagehook/store"
)

func TestOriginPolicy_Allow(t *testing.T) {
	p := NewOriginPolicy("https://Dash.example.com/", "chrome-extension://abc")
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:8787", true},
		{"http://127.0.0.1:3000", true},
		{"http://[::1]:8080", true},
		{"https://dash.example.com", true},
		{"chrome-extension://abc", true},
		{"https://evil.example", false},
		{"http://localhost.evil.example", false},
		{"chrome-extension://other", false},
		{"null", false},
	}
	for _, tt := range tests {
		if got := p.Allow(tt.origin); got != tt.want {
			t.Errorf("Allow(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func get(t *testing.T, url, origin string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp
}

func TestForeignOriginRejected(t *testing.T) {
	f := newFixture(t)

	resp := get(t, f.srv.URL+"/api/logs", "https://evil.example")
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("logs from foreign origin: %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q", got)
	}

	msg, _ := relay.NewMessage(relay.ElementSelected, relay.ElementSelectedPayload{Selector: "#a", URL: "https://x.example/"})
	body, _ := json.Marshal(msg)
	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/api/relay", bytes.NewReader(body))
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Content-Type", "text/plain")
	rresp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	rresp.Body.Close()
	if rresp.StatusCode != http.StatusForbidden {
		t.Errorf("relay from foreign origin: %d", rresp.StatusCode)
	}
	if _, ok, _ := f.store.TakePendingSelection(t.Context()); ok {
		t.Error("foreign relay message was handled")
	}

	if resp := get(t, f.srv.URL+"/api/logs", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("logs without origin: %d", resp.StatusCode)
	}
	resp = get(t, f.srv.URL+"/api/logs", "http://127.0.0.1:9999")
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Access-Control-Allow-Origin") != "http://127.0.0.1:9999" {
		t.Errorf("loopback origin: %d %q", resp.StatusCode, resp.Header.Get("Access-Control-Allow-Origin"))
	}
}

func TestConfiguredOrigin(t *testing.T) {
	st := store.New(dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema)))
	r := relay.New()
	origins := NewOriginPolicy("https://dash.example.com")
	hub := NewHub(r, nil, WithHubOrigins(origins))
	coord := coordinator.New(st, dispatch.New(st), nil, nil)
	srv := httptest.NewServer(New(st, coord, r, WithHub(hub), WithOrigins(origins)).Handler())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})

	resp := get(t, srv.URL+"/api/rules", "https://dash.example.com")
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Access-Control-Allow-Origin") != "https://dash.example.com" {
		t.Errorf("configured origin: %d %q", resp.StatusCode, resp.Header.Get("Access-Control-Allow-Origin"))
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://dash.example.com"}})
	if err != nil {
		t.Fatalf("dial from configured origin: %v", err)
	}
	conn.Close()
}

func TestHub_ForeignOriginRejected(t *testing.T) {
	f := newFixture(t)
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/ws"

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		conn.Close()
		t.Fatal("upgrade from foreign origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("response: %+v", resp)
	}
	if f.hub.Clients() != 0 {
		t.Fatalf("clients = %d", f.hub.Clients())
	}

	conn, _, err = websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"http://localhost:8787"}})
	if err != nil {
		t.Fatalf("loopback origin: %v", err)
	}
	conn.Close()
}
