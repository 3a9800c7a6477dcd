// Package httpconn is a connector provider that forwards queries and actions
// to a JSON-over-HTTP gateway.
//
//	POST {base}/v1/query                   {"query_type", "query"}      → {"result"}
//	POST {base}/v1/actions/{action}        params                        → {"outcome"}
//	POST {base}/v1/snapshots               {"resource_id"}               → {"snapshot_id"}
//	POST {base}/v1/snapshots/{id}/rollback                               → 2xx
//
// 429 and 5xx responses are transient; other 4xx responses are permanent.
package httpconn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ppiankov/playwatch/internal/connector"
	"github.com/ppiankov/playwatch/internal/model"
)

const defaultTimeout = 10 * time.Second

func init() {
	connector.Register("http", func(cfg connector.Config) (connector.Provider, error) {
		base := cfg.OptionString("base_url", "")
		if base == "" {
			return nil, fmt.Errorf("http connector: options.base_url is required")
		}
		timeout := defaultTimeout
		if s := cfg.OptionString("timeout", ""); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("http connector: timeout: %w", err)
			}
			timeout = d
		}
		headers := make(map[string]string)
		for k, v := range cfg.OptionMap("headers") {
			headers[k] = fmt.Sprint(v)
		}
		return New(base, cfg.Actions, headers, &http.Client{Timeout: timeout}), nil
	})
}

// Provider talks to a remediation gateway.
type Provider struct {
	base    string
	actions []string
	headers map[string]string
	client  *http.Client
}

// New creates an HTTP provider. A nil client uses a client with the default timeout.
func New(baseURL string, actions []string, headers map[string]string, client *http.Client) *Provider {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Provider{
		base:    strings.TrimRight(baseURL, "/"),
		actions: actions,
		headers: headers,
		client:  client,
	}
}

func (p *Provider) Name() string      { return "http" }
func (p *Provider) Actions() []string { return append([]string(nil), p.actions...) }

func (p *Provider) Query(ctx context.Context, qt model.QueryType, query string) (any, error) {
	var out struct {
		Result any `json:"result"`
	}
	err := p.post(ctx, "/v1/query", map[string]any{"query_type": qt, "query": query}, &out)
	return out.Result, err
}

func (p *Provider) ExecuteAction(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	var out struct {
		Outcome map[string]any `json:"outcome"`
	}
	err := p.post(ctx, "/v1/actions/"+url.PathEscape(action), params, &out)
	return out.Outcome, err
}

func (p *Provider) CreateSnapshot(ctx context.Context, resourceID string) (string, error) {
	var out struct {
		SnapshotID string `json:"snapshot_id"`
	}
	if err := p.post(ctx, "/v1/snapshots", map[string]any{"resource_id": resourceID}, &out); err != nil {
		return "", err
	}
	if out.SnapshotID == "" {
		return "", connector.Permanent(fmt.Errorf("gateway returned an empty snapshot id"))
	}
	return out.SnapshotID, nil
}

func (p *Provider) Rollback(ctx context.Context, snapshotID string) error {
	return p.post(ctx, "/v1/snapshots/"+url.PathEscape(snapshotID)+"/rollback", nil, nil)
}

func (p *Provider) post(ctx context.Context, path string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return connector.Permanent(fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+path, body)
	if err != nil {
		return connector.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return connector.Transient(err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return connector.Transient(fmt.Errorf("gateway %s: HTTP %d: %s", path, resp.StatusCode, bytes.TrimSpace(data)))
	case resp.StatusCode >= 400:
		return connector.Permanent(fmt.Errorf("gateway %s: HTTP %d: %s", path, resp.StatusCode, bytes.TrimSpace(data)))
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return connector.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}
