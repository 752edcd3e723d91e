package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/matheus3301/wpp-relay/internal/bus"
	"github.com/matheus3301/wpp-relay/internal/ingest"
	"github.com/matheus3301/wpp-relay/internal/store"
)

// baseURL returns override, or a loopback URL for the daemon's listen address.
func baseURL(override, addr string) string {
	if override != "" {
		return strings.TrimRight(override, "/")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{base: base, http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *apiClient) conversations(ctx context.Context, account string, archived bool) ([]bus.ConversationPayload, error) {
	q := url.Values{}
	if archived {
		q.Set("archived", "true")
	}
	var out struct {
		Conversations []bus.ConversationPayload `json:"conversations"`
	}
	path := "/api/accounts/" + url.PathEscape(account) + "/conversations"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

func (c *apiClient) send(ctx context.Context, account, to, text string) (*store.Message, error) {
	var out struct {
		Message store.Message `json:"message"`
	}
	body := map[string]string{"to": to, "text": text}
	if err := c.do(ctx, http.MethodPost, "/api/accounts/"+url.PathEscape(account)+"/messages", body, &out); err != nil {
		return nil, err
	}
	return &out.Message, nil
}

func (c *apiClient) reconcile(ctx context.Context, account string) (*ingest.ReconcileResult, error) {
	var out ingest.ReconcileResult
	if err := c.do(ctx, http.MethodPost, "/api/accounts/"+url.PathEscape(account)+"/reconcile", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relay unreachable at %s: %w", c.base, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		msg := gjson.GetBytes(raw, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, msg)
	}
	return json.Unmarshal(raw, out)
}
