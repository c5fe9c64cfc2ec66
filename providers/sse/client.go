// Package sse implements the assistant backend's v3 transport: the
// streaming chat endpoint, the best-effort cancel signal, and the
// paginated conversation log.
package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/markodavidovic/chatsync/providers"
)

// TokenSource supplies a fresh bearer token per request. Tokens from
// identity providers expire, so the client never caches one.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource for a fixed token. Test helper.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// Client talks to the assistant backend over HTTP.
type Client struct {
	baseURL    string
	token      TokenSource
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a backend client. The base URL carries no trailing slash.
func New(baseURL string, token TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// Name returns the client name.
func (c *Client) Name() string {
	return "sse"
}

type chatRequest struct {
	DeviceID      string           `json:"deviceID"`
	Input         []providers.Part `json:"input"`
	Model         string           `json:"model,omitempty"`
	SessionID     string           `json:"sessionID,omitempty"`
	UserLocalTime string           `json:"userLocalTime,omitempty"`
}

// Stream opens the chat stream. Errors returned here occur before any
// stream bytes are delivered, so they are safe to retry when they
// classify as transport failures.
func (c *Client) Stream(ctx context.Context, req providers.PromptRequest) (providers.StreamReader, error) {
	body := chatRequest{
		DeviceID:      req.DeviceID,
		Input:         req.Input,
		Model:         req.Model,
		SessionID:     req.SessionID,
		UserLocalTime: req.UserLocalTime,
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/v3/users/%s/chat", c.baseURL, url.PathEscape(req.UserID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if err := c.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyRequestError(ctx, err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, classifyStatus(resp.StatusCode, body)
	}

	return newStreamReader(resp.Body, c.logger), nil
}

// CancelGeneration signals the server to stop generating for the given
// session. Failures are reported but never fatal to the caller.
func (c *Client) CancelGeneration(ctx context.Context, userID, sessionID string) error {
	payload, err := json.Marshal(map[string]string{"sessionID": sessionID})
	if err != nil {
		return fmt.Errorf("marshal cancel request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/v3/users/%s/chat/cancel", c.baseURL, url.PathEscape(userID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create cancel request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, httpReq); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return classifyRequestError(ctx, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: cancel returned status %d", providers.ErrTransport, resp.StatusCode)
	}
	return nil
}

// FetchPage reads one page of the durable conversation log.
func (c *Client) FetchPage(ctx context.Context, req providers.HistoryRequest) (*providers.HistoryPage, error) {
	params := url.Values{}
	if req.Limit > 0 {
		params.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Cursor != "" {
		params.Set("cursor", req.Cursor)
	}

	endpoint := fmt.Sprintf("%s/api/v3/users/%s/conversations", c.baseURL, url.PathEscape(req.UserID))
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create history request: %w", err)
	}
	if err := c.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyRequestError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(resp.StatusCode, body)
	}

	var page providers.HistoryPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("%w: decode history page: %v", providers.ErrStreamParse, err)
	}
	return &page, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", providers.ErrAuth, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func classifyRequestError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", providers.ErrCancelled, err)
	}
	return fmt.Errorf("%w: %v", providers.ErrTransport, err)
}

func classifyStatus(status int, body []byte) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", providers.ErrAuth, status, body)
	case http.StatusPaymentRequired:
		return fmt.Errorf("%w: status %d: %s", providers.ErrQuota, status, body)
	default:
		return fmt.Errorf("%w: status %d: %s", providers.ErrTransport, status, body)
	}
}
