// Package client is a typed HTTP client for the support desk API, used by
// the deskctl operator tool.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ashureev/supportdesk/internal/api"
	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/identity"
)

const maxResponseBytes = 4 << 20

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL is the server root, e.g. "http://localhost:8080".
	BaseURL string
	// Actor is sent as identity headers on every request.
	Actor domain.Actor
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client calls the support desk REST API on behalf of one actor.
type Client struct {
	baseURL    string
	actor      domain.Actor
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("client: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("client: invalid BaseURL %q: %w", cfg.BaseURL, err)
	}
	if cfg.Actor.ID == "" {
		return nil, fmt.Errorf("client: actor id is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		actor:      cfg.Actor,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Actor returns the identity the client acts as.
func (c *Client) Actor() domain.Actor {
	return c.actor
}

// ListSessions returns sessions matching status ("" for all).
func (c *Client) ListSessions(ctx context.Context, status domain.SessionStatus, background bool) ([]*domain.Session, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	var out struct {
		Sessions []*domain.Session `json:"sessions"`
	}
	err := c.do(ctx, request{method: http.MethodGet, path: "/api/sessions", query: q, background: background}, &out)
	return out.Sessions, err
}

// GetSession returns one session.
func (c *Client) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var out domain.Session
	if err := c.do(ctx, request{method: http.MethodGet, path: sessionPath(id, "")}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Take assigns a waiting session to the client's agent.
func (c *Client) Take(ctx context.Context, id string) (*domain.Session, error) {
	var out domain.Session
	if err := c.do(ctx, request{method: http.MethodPost, path: sessionPath(id, "/assign")}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Close closes a session.
func (c *Client) Close(ctx context.Context, id string) (*domain.Session, error) {
	var out domain.Session
	if err := c.do(ctx, request{method: http.MethodPost, path: sessionPath(id, "/close")}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes one session and its messages.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, request{method: http.MethodDelete, path: sessionPath(id, "")}, nil)
}

// Purge bulk-deletes sessions. scope is "closed" or "all".
func (c *Client) Purge(ctx context.Context, scope string) (int64, error) {
	var out struct {
		Deleted int64 `json:"deleted"`
	}
	err := c.do(ctx, request{
		method:  http.MethodDelete,
		path:    "/api/sessions",
		query:   url.Values{"scope": {scope}},
		confirm: true,
	}, &out)
	return out.Deleted, err
}

// Messages returns the newest limit messages of a session, oldest first.
func (c *Client) Messages(ctx context.Context, id string, limit int, background bool) ([]*domain.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Messages []*domain.Message `json:"messages"`
	}
	err := c.do(ctx, request{method: http.MethodGet, path: sessionPath(id, "/messages"), query: q, background: background}, &out)
	return out.Messages, err
}

// Send posts a message as the client's actor.
func (c *Client) Send(ctx context.Context, id, body string) (*domain.Message, error) {
	var out domain.Message
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   sessionPath(id, "/messages"),
		body:   map[string]string{"body": body},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Presence returns an agent's availability.
func (c *Client) Presence(ctx context.Context, agentID string, background bool) (*domain.AgentPresence, error) {
	var out domain.AgentPresence
	if err := c.do(ctx, request{method: http.MethodGet, path: presencePath(agentID, ""), background: background}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetPresence records an agent's availability.
func (c *Client) SetPresence(ctx context.Context, agentID string, status domain.PresenceStatus) (*domain.AgentPresence, error) {
	var out domain.AgentPresence
	err := c.do(ctx, request{
		method: http.MethodPut,
		path:   presencePath(agentID, ""),
		body:   map[string]string{"status": string(status)},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CyclePresence advances an agent's availability to the next status.
func (c *Client) CyclePresence(ctx context.Context, agentID string) (*domain.AgentPresence, error) {
	var out domain.AgentPresence
	if err := c.do(ctx, request{method: http.MethodPost, path: presencePath(agentID, "/cycle")}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Online returns ids of agents currently online.
func (c *Client) Online(ctx context.Context, background bool) ([]string, error) {
	var out struct {
		Agents []string `json:"agents"`
	}
	err := c.do(ctx, request{method: http.MethodGet, path: "/api/agents/online", background: background}, &out)
	return out.Agents, err
}

func sessionPath(id, suffix string) string {
	return "/api/sessions/" + url.PathEscape(id) + suffix
}

func presencePath(agentID, suffix string) string {
	return "/api/agents/" + url.PathEscape(agentID) + "/presence" + suffix
}

type request struct {
	method     string
	path       string
	query      url.Values
	body       any
	background bool
	confirm    bool
}

func (c *Client) do(ctx context.Context, req request, out any) error {
	requestURL := c.baseURL + req.path
	if len(req.query) > 0 {
		requestURL += "?" + req.query.Encode()
	}

	var bodyReader io.Reader
	if req.body != nil {
		encoded, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("client: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, requestURL, bodyReader)
	if err != nil {
		return fmt.Errorf("client: failed to create request: %w", err)
	}
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	c.setIdentity(httpReq.Header)
	if req.background {
		httpReq.Header.Set(api.BackgroundHeader, "1")
	}
	if req.confirm {
		httpReq.Header.Set(api.ConfirmHeader, "yes")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return domain.WrapError(domain.CodeTransientIO, "request to "+req.method+" "+req.path+" failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("client: failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("client: failed to parse %s %s response: %w", req.method, req.path, err)
	}
	c.logger.Debug("API call", "method", req.method, "path", req.path, "status", resp.StatusCode)
	return nil
}

func (c *Client) setIdentity(h http.Header) {
	if c.actor.Party == domain.PartyGuest {
		h.Set(identity.GuestIDHeader, c.actor.ID)
		if c.actor.Name != "" {
			h.Set(identity.GuestNameHeader, c.actor.Name)
		}
		return
	}
	h.Set(identity.AgentIDHeader, c.actor.ID)
	if c.actor.Name != "" {
		h.Set(identity.AgentNameHeader, c.actor.Name)
	}
	if c.actor.Role != "" {
		h.Set(identity.AgentRoleHeader, string(c.actor.Role))
	}
}

// decodeError turns an error response back into a *domain.Error so callers
// can match it with errors.Is.
func decodeError(status int, raw []byte) error {
	var body api.ErrorResponse
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		return domain.NewError(codeForStatus(status), fmt.Sprintf("unexpected %d response: %s", status, strings.TrimSpace(string(raw))))
	}
	code := body.Code
	if code == "" {
		code = codeForStatus(status)
	}
	return domain.WithDetail(code, body.Error, body.Detail)
}

func codeForStatus(status int) domain.Code {
	switch status {
	case http.StatusBadRequest:
		return domain.CodeInvalidInput
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.CodeForbidden
	case http.StatusNotFound:
		return domain.CodeNotFound
	case http.StatusConflict:
		return domain.CodeInvalidTransition
	case http.StatusServiceUnavailable, http.StatusTooManyRequests:
		return domain.CodeTransientIO
	default:
		return domain.CodeUnknown
	}
}
