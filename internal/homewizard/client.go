// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

// Package homewizard talks to the vendor's account HTTP API: it exchanges the
// account credentials for a session token and lists the account's devices.
package homewizard

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hwclimate/climate-bridge/pkg/core"
)

const (
	DefaultAuthURL    = "https://api.homewizardeasyonline.com/v1/auth/account/token"
	DefaultDevicesURL = "https://api.homewizardeasyonline.com/v1/auth/devices"

	requestTimeout   = 10 * time.Second
	defaultUserAgent = "climate-bridge/1.0"
)

// HTTPError is returned for a non-2xx answer from the account API.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("api %s returned status %d", e.URL, e.StatusCode)
}

type Option func(*Client)

func WithURLs(authURL, devicesURL string) Option {
	return func(c *Client) {
		if authURL != "" {
			c.authURL = authURL
		}
		if devicesURL != "" {
			c.devicesURL = devicesURL
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// Client implements core.CredentialProvider.
type Client struct {
	email      string
	password   string
	authURL    string
	devicesURL string
	http       *http.Client
	logger     *slog.Logger
}

var _ core.CredentialProvider = (*Client)(nil)

func NewClient(email, password string, logger *slog.Logger, opts ...Option) (*Client, error) {
	if email == "" || password == "" {
		return nil, fmt.Errorf("%w: email and password are required", core.ErrCredentials)
	}
	c := &Client{
		email:      email,
		password:   password,
		authURL:    DefaultAuthURL,
		devicesURL: DefaultDevicesURL,
		http:       &http.Client{Timeout: requestTimeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Authorization returns the header value the account API expects.
func Authorization(email, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(email + ":" + password))
}

type tokenResponse struct {
	Token string `json:"token"`
}

type devicesResponse struct {
	Devices []core.Device `json:"devices"`
}

// Token requests a fresh session token. It is called for every handshake.
func (c *Client) Token(ctx context.Context) (string, error) {
	var payload tokenResponse
	if err := c.get(ctx, c.authURL, &payload); err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	if payload.Token == "" {
		return "", fmt.Errorf("fetch token: empty token in response")
	}
	c.logger.Debug("session token issued")
	return payload.Token, nil
}

func (c *Client) Devices(ctx context.Context) ([]core.Device, error) {
	var payload devicesResponse
	if err := c.get(ctx, c.devicesURL, &payload); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	c.logger.Debug("received device list", "count", len(payload.Devices))
	return payload.Devices, nil
}

func (c *Client) get(ctx context.Context, url string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	// The account API takes the bare base64 pair, without the "Basic" scheme.
	req.Header.Set("Authorization", Authorization(c.email, c.password))
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &HTTPError{URL: url, StatusCode: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
