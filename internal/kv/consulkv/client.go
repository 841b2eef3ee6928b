// Copyright (c) 2026 Wiresmith Authors
// SPDX-License-Identifier: MIT

// Package consulkv implements the kv.Client interface against a
// Consul-compatible HTTP/JSON key-value API, per §6 of the
// specification: GET /v1/kv/<key>?recurse, PUT /v1/kv/<key>?acquire=<sid>
// or ?release=<sid>, DELETE /v1/kv/<key>, and the /v1/session/* endpoints.
package consulkv

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wiresmith/wiresmith/internal/kv"
	"github.com/wiresmith/wiresmith/internal/logging"
)

// Client is an HTTP client for a Consul-compatible KV store.
type Client struct {
	baseURL    string
	token      string
	datacenter string
	httpClient *http.Client
	log        *logging.Logger

	mu        sync.Mutex
	renewStop map[string]chan struct{}
}

// Options configures a new Client.
type Options struct {
	Address        string
	Token          string
	Datacenter     string
	TLSSkipVerify  bool
	RequestTimeout time.Duration
	Logger         *logging.Logger
}

// New creates a Client talking to the KV backend at opts.Address.
func New(opts Options) *Client {
	timeout := opts.RequestTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	transport := &http.Transport{}
	if opts.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		baseURL:    strings.TrimSuffix(opts.Address, "/"),
		token:      opts.Token,
		datacenter: opts.Datacenter,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		log:        opts.Logger,
		renewStop:  make(map[string]chan struct{}),
	}
}

type kvPair struct {
	Key     string
	Value   *string
	Session string
}

// kvPath builds the /v1/kv/<key> request path, percent-encoding each
// path segment while leaving the '/' separators in key alone. Keys in
// this system are multi-segment by design (<prefix>/peers/<public_key>,
// <prefix>/.lock), so url.PathEscape — which escapes a single path
// segment, turning '/' into "%2F" — is the wrong tool here.
func kvPath(key string) string {
	u := url.URL{Path: "/v1/kv/" + key}
	return u.EscapedPath()
}

// Get fetches the value at key.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	status, body, err := c.do(ctx, http.MethodGet, kvPath(key), nil, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, kv.ErrNotFound
	}
	var pairs []kvPair
	if err := json.Unmarshal(body, &pairs); err != nil {
		return nil, kv.NewFatalError("get", fmt.Errorf("decode response: %w", err))
	}
	if len(pairs) == 0 || pairs[0].Value == nil {
		return nil, kv.ErrNotFound
	}
	decoded, err := base64.StdEncoding.DecodeString(*pairs[0].Value)
	if err != nil {
		return nil, kv.NewFatalError("get", fmt.Errorf("decode value: %w", err))
	}
	return decoded, nil
}

// List returns every entry under prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]kv.Entry, error) {
	status, body, err := c.do(ctx, http.MethodGet, kvPath(prefix), url.Values{"recurse": {""}}, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	var pairs []kvPair
	if err := json.Unmarshal(body, &pairs); err != nil {
		return nil, kv.NewFatalError("list", fmt.Errorf("decode response: %w", err))
	}

	entries := make([]kv.Entry, 0, len(pairs))
	for _, p := range pairs {
		if p.Value == nil {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(*p.Value)
		if err != nil {
			// A single malformed pair does not invalidate the whole list;
			// the caller treats unparseable peer records as warnings.
			continue
		}
		entries = append(entries, kv.Entry{Key: p.Key, Value: decoded})
	}
	return entries, nil
}

// Put writes value at key, optionally tied to sessionID via Consul's
// acquire semantics.
func (c *Client) Put(ctx context.Context, key string, value []byte, ownership kv.Ownership, sessionID string) error {
	query := url.Values{}
	if ownership == kv.OwnershipSession {
		if sessionID == "" {
			return kv.NewFatalError("put", fmt.Errorf("session ownership requires a session id"))
		}
		query.Set("acquire", sessionID)
	}

	_, body, err := c.do(ctx, http.MethodPut, kvPath(key), query, bytes.NewReader(value))
	if err != nil {
		return err
	}

	ok, err := strconv.ParseBool(strings.TrimSpace(string(body)))
	if err != nil {
		return kv.NewFatalError("put", fmt.Errorf("unexpected put response: %s", body))
	}
	if !ok {
		return kv.NewTransientError("put", fmt.Errorf("put rejected for key %s (session ownership conflict)", key))
	}
	return nil
}

// Delete removes key.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, _, err := c.do(ctx, http.MethodDelete, kvPath(key), nil, nil)
	return err
}

type sessionCreateRequest struct {
	TTL      string `json:"TTL"`
	Behavior string `json:"Behavior"`
	Name     string `json:"Name"`
}

type sessionCreateResponse struct {
	ID string `json:"ID"`
}

// CreateSession creates a session with the given TTL and name, then
// starts a background renewer that keeps it alive at TTL/2 intervals
// until DestroySession is called. A failed renewal is logged and retried
// at the next interval; it does not stop the renewer.
func (c *Client) CreateSession(ctx context.Context, ttl string, name string) (string, error) {
	reqBody, err := json.Marshal(sessionCreateRequest{TTL: ttl, Behavior: "delete", Name: name})
	if err != nil {
		return "", kv.NewFatalError("create_session", err)
	}

	_, body, err := c.do(ctx, http.MethodPut, "/v1/session/create", nil, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}

	var resp sessionCreateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", kv.NewFatalError("create_session", fmt.Errorf("decode response: %w", err))
	}

	parsedTTL, err := time.ParseDuration(ttl)
	if err != nil {
		parsedTTL = 15 * time.Second
	}
	c.startRenewer(resp.ID, parsedTTL)

	return resp.ID, nil
}

// DestroySession stops the background renewer and destroys the session.
func (c *Client) DestroySession(ctx context.Context, sessionID string) error {
	c.stopRenewer(sessionID)
	_, _, err := c.do(ctx, http.MethodPut, "/v1/session/destroy/"+url.PathEscape(sessionID), nil, nil)
	return err
}

// startRenewer runs an independent periodic task renewing sessionID at
// period ≤ TTL/2, per §9's requirement that session renewal not be
// starved by a slow tick.
func (c *Client) startRenewer(sessionID string, ttl time.Duration) {
	stop := make(chan struct{})
	c.mu.Lock()
	c.renewStop[sessionID] = stop
	c.mu.Unlock()

	interval := ttl / 2
	if interval <= 0 {
		interval = 5 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				_, _, err := c.do(ctx, http.MethodPut, "/v1/session/renew/"+url.PathEscape(sessionID), nil, nil)
				cancel()
				if err != nil {
					c.log.Warnf("session %s renewal failed: %v", sessionID, err)
				}
			}
		}
	}()
}

func (c *Client) stopRenewer(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stop, ok := c.renewStop[sessionID]; ok {
		close(stop)
		delete(c.renewStop, sessionID)
	}
}

// AcquireLock attempts to acquire the lock key for sessionID, repeating
// the acquire request every 250ms until it succeeds or the wait duration
// has elapsed.
func (c *Client) AcquireLock(ctx context.Context, key string, sessionID string, wait string) (bool, error) {
	waitDur, err := time.ParseDuration(wait)
	if err != nil {
		waitDur = 15 * time.Second
	}
	deadline := time.Now().Add(waitDur)

	query := url.Values{"acquire": {sessionID}}
	for {
		_, body, err := c.do(ctx, http.MethodPut, kvPath(key), query, bytes.NewReader(nil))
		if err != nil {
			return false, err
		}
		ok, parseErr := strconv.ParseBool(strings.TrimSpace(string(body)))
		if parseErr != nil {
			return false, kv.NewFatalError("acquire_lock", fmt.Errorf("unexpected acquire response: %s", body))
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, kv.NewTransientError("acquire_lock", ctx.Err())
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// ReleaseLock releases key if held by sessionID. Consul returns false
// (not an error) if the session does not currently hold the key, which
// this treats as a no-op success per the interface contract.
func (c *Client) ReleaseLock(ctx context.Context, key string, sessionID string) error {
	query := url.Values{"release": {sessionID}}
	_, _, err := c.do(ctx, http.MethodPut, kvPath(key), query, bytes.NewReader(nil))
	return err
}

// do performs a single HTTP request against the KV backend, classifying
// the result into the kv.Error taxonomy.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader) (int, []byte, error) {
	if query == nil {
		query = url.Values{}
	}
	if c.datacenter != "" {
		query.Set("dc", c.datacenter)
	}

	reqURL := c.baseURL + path
	if encoded := query.Encode(); encoded != "" {
		reqURL += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return 0, nil, kv.NewFatalError(path, fmt.Errorf("build request: %w", err))
	}
	if c.token != "" {
		req.Header.Set("X-Consul-Token", c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, kv.NewTransientError(path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, kv.NewTransientError(path, fmt.Errorf("read response body: %w", err))
	}

	switch {
	case resp.StatusCode >= 500:
		return resp.StatusCode, respBody, kv.NewTransientError(path, fmt.Errorf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)))
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, respBody, nil
	case resp.StatusCode >= 400:
		return resp.StatusCode, respBody, kv.NewFatalError(path, fmt.Errorf("%d %s: %s", resp.StatusCode, http.StatusText(resp.StatusCode), respBody))
	}

	return resp.StatusCode, respBody, nil
}
