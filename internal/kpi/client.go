// Package kpi is the HTTP client for the remote KPI account service: the
// login endpoint that exchanges credentials for a token pair, and the
// chat-list endpoint polled on the user's behalf.
package kpi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrInvalidCredentials is returned for any non-200 login response.
	// The upstream service does not distinguish bad credentials from other
	// rejections, and neither do we.
	ErrInvalidCredentials = errors.New("kpi: invalid credentials")

	// ErrUnauthorized signals an expired/invalid access token (HTTP 401)
	// during polling.
	ErrUnauthorized = errors.New("kpi: unauthorized")
)

const (
	loginPath    = "/users/loginme/"
	chatListPath = "/chats/chatlist/"

	defaultTimeout = 15 * time.Second
)

type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("kpi: base_url is empty")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// Login exchanges credentials for a token pair and profile.
//
// Any non-200 status maps to ErrInvalidCredentials; transport and decode
// failures are returned wrapped so the caller can tell the two cases apart
// (they lead to different conversation outcomes).
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	body, err := json.Marshal(loginRequest{Username: username, Password: password})
	if err != nil {
		return nil, fmt.Errorf("kpi: marshal login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+loginPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("kpi: build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kpi: login request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("%w (status %d)", ErrInvalidCredentials, resp.StatusCode)
	}

	var res LoginResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("kpi: decode login response: %w", err)
	}
	if strings.TrimSpace(res.Access) == "" {
		return nil, errors.New("kpi: login response has no access token")
	}
	return &res, nil
}

// ChatList fetches the user's chat list with the given access token.
// HTTP 401 maps to ErrUnauthorized; any other non-200 status is an error
// the poller treats as transient.
func (c *Client) ChatList(ctx context.Context, accessToken string) ([]Chat, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+chatListPath, nil)
	if err != nil {
		return nil, fmt.Errorf("kpi: build chatlist request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kpi: chatlist request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// fallthrough to decode
	case http.StatusUnauthorized:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, ErrUnauthorized
	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("kpi: chatlist status %d", resp.StatusCode)
	}

	var chats []Chat
	if err := json.NewDecoder(resp.Body).Decode(&chats); err != nil {
		return nil, fmt.Errorf("kpi: decode chatlist response: %w", err)
	}
	return chats, nil
}
