package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/pagehook/relay"
)

type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

var serverURL string

var newAPIClient = func() *apiClient {
	base := serverURL
	if base == "" {
		base = "http://" + cfg.Listen
	}
	return &apiClient{
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("server not reachable, is pagehook serve running? (%w)", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, e.Error)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// relayEmitter sends relay messages to a running server.
type relayEmitter struct{ c *apiClient }

func (e relayEmitter) Emit(ctx context.Context, msg relay.Message) error {
	var res relay.Result
	if err := e.c.do(ctx, http.MethodPost, "/api/relay", msg, &res); err != nil {
		return err
	}
	if res.Error != "" {
		return fmt.Errorf("relay: %s", res.Error)
	}
	return nil
}

type discardEmitter struct{}

func (discardEmitter) Emit(context.Context, relay.Message) error { return nil }
