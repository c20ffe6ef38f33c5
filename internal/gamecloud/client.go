package gamecloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/italolelis/gamecloud_sync/internal/auth"
	"github.com/italolelis/gamecloud_sync/internal/download"
	"github.com/italolelis/gamecloud_sync/internal/logctx"
	"github.com/italolelis/gamecloud_sync/internal/telemetry"
)

const maxErrorBody = 1024

// RouteStyle selects how download actions are addressed upstream.
type RouteStyle string

const (
	// RouteStylePost uses POST /downloads/{id}/{pause|resume|cancel}.
	RouteStylePost RouteStyle = "post"
	// RouteStyleREST uses PUT /downloads/{id}/{pause|resume} and DELETE /downloads/{id}.
	RouteStyleREST RouteStyle = "rest"
)

// Action is a download control action.
type Action string

const (
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionCancel Action = "cancel"
)

// ParseAction validates s as an Action.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionPause, ActionResume, ActionCancel:
		return a, nil
	}

	return "", fmt.Errorf("unknown download action %q", s)
}

// Client talks to the game cloud REST API.
type Client struct {
	baseURL    string
	tokens     auth.TokenProvider
	httpClient *http.Client
	routes     RouteStyle
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRouteStyle selects the action route style.
func WithRouteStyle(style RouteStyle) Option {
	return func(c *Client) {
		c.routes = style
	}
}

// WithTelemetry traces outbound requests through tel's transport.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(c *Client) {
		c.httpClient.Transport = tel.Transport(c.httpClient.Transport)
	}
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string, tokens auth.TokenProvider, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		routes:     RouteStylePost,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ListLibrary returns the user's library entries.
func (c *Client) ListLibrary(ctx context.Context) ([]download.LibraryEntry, error) {
	body, err := c.do(ctx, "list_library", http.MethodGet, "/api/v1/library", nil)
	if err != nil {
		return nil, err
	}

	entries, err := DecodeList[download.LibraryEntry](body)
	if err != nil {
		return nil, &DecodeError{Operation: "list_library", Err: err}
	}

	return entries, nil
}

// ListDownloads returns the active downloads.
func (c *Client) ListDownloads(ctx context.Context) ([]download.Record, error) {
	body, err := c.do(ctx, "list_downloads", http.MethodGet, "/api/v1/downloads", nil)
	if err != nil {
		return nil, err
	}

	records, err := DecodeList[download.Record](body)
	if err != nil {
		return nil, &DecodeError{Operation: "list_downloads", Err: err}
	}

	return records, nil
}

// GetStats returns the aggregate statistics as a zero- or one-element slice.
func (c *Client) GetStats(ctx context.Context) ([]download.Stats, error) {
	body, err := c.do(ctx, "get_stats", http.MethodGet, "/api/v1/stats", nil)
	if err != nil {
		return nil, err
	}

	stats, err := DecodeObjectOrList[download.Stats](body)
	if err != nil {
		return nil, &DecodeError{Operation: "get_stats", Err: err}
	}

	return stats, nil
}

// CreateDownload asks the upstream to start a download.
func (c *Client) CreateDownload(ctx context.Context, req download.CreateRequest) error {
	_, err := c.do(ctx, "create_download", http.MethodPost, "/api/v1/downloads", req)

	return err
}

// PauseDownload pauses a download.
func (c *Client) PauseDownload(ctx context.Context, id string) error {
	return c.DownloadAction(ctx, id, ActionPause)
}

// ResumeDownload resumes a paused download.
func (c *Client) ResumeDownload(ctx context.Context, id string) error {
	return c.DownloadAction(ctx, id, ActionResume)
}

// CancelDownload cancels a download.
func (c *Client) CancelDownload(ctx context.Context, id string) error {
	return c.DownloadAction(ctx, id, ActionCancel)
}

// DownloadAction performs action on the download id using the configured
// route style.
func (c *Client) DownloadAction(ctx context.Context, id string, action Action) error {
	if id == "" {
		return errors.New("download id is required")
	}

	base := "/api/v1/downloads/" + url.PathEscape(id)
	operation := string(action) + "_download"

	method, path := http.MethodPost, base+"/"+string(action)

	if c.routes == RouteStyleREST {
		switch action {
		case ActionPause, ActionResume:
			method = http.MethodPut
		case ActionCancel:
			method, path = http.MethodDelete, base
		}
	}

	_, err := c.do(ctx, operation, method, path, nil)

	return err
}

// UpdateLibraryEntry applies patch to the library entry id.
func (c *Client) UpdateLibraryEntry(ctx context.Context, id string, patch download.LibraryPatch) error {
	_, err := c.do(ctx, "update_library_entry", http.MethodPut, "/api/v1/games/"+url.PathEscape(id), patch)

	return err
}

// DeleteLibraryEntry removes the library entry id.
func (c *Client) DeleteLibraryEntry(ctx context.Context, id string) error {
	_, err := c.do(ctx, "delete_library_entry", http.MethodDelete, "/api/v1/games/"+url.PathEscape(id), nil)

	return err
}

// ResetAuth drops any cached bearer token.
func (c *Client) ResetAuth() {
	auth.Reset(c.tokens)
}

func (c *Client) do(ctx context.Context, operation, method, path string, payload any) ([]byte, error) {
	logger := logctx.LoggerFromContext(ctx).With("operation", operation)

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, &AuthError{Operation: operation, Err: err}
	}

	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s request: %w", operation, err)
		}

		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", operation, err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(telemetry.RequestIDHeader, telemetry.OutboundRequestID(ctx))

	logger.DebugContext(ctx, "sending request", "method", method, "path", path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Operation: operation, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Operation: operation, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}

		httpErr := &HTTPError{Operation: operation, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}

		logger.WarnContext(ctx, "upstream returned error", "status", resp.StatusCode)

		if resp.StatusCode == http.StatusUnauthorized {
			auth.Reset(c.tokens)
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, &AuthError{Operation: operation, Err: httpErr}
		}

		return nil, httpErr
	}

	return body, nil
}
