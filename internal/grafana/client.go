package grafana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"portal-backend/internal/config"
)

// OrgHeader scopes an admin API call (and proxied user traffic) to a Grafana
// organization.
const OrgHeader = "X-Grafana-Org-Id"

var adminHTTPClient = &http.Client{Timeout: 30 * time.Second}

// Client is a thin wrapper around Grafana's admin HTTP API. Every call
// authenticates with the configured admin basic-auth credential; callers
// interpret the returned status per endpoint. No retries.
type Client struct {
	baseURL       string
	adminUser     string
	adminPassword string
	http          *http.Client
}

// NewClient creates an admin API client from config.
func NewClient(cfg config.GrafanaConfig) *Client {
	return &Client{
		baseURL:       cfg.APIBase(),
		adminUser:     cfg.AdminUser,
		adminPassword: cfg.AdminPassword,
		http:          adminHTTPClient,
	}
}

// Do issues an admin API request. A non-nil payload is sent as JSON.
// orgID > 0 scopes the call to that organization via the org header.
// The remote status and raw body are returned verbatim.
func (c *Client) Do(ctx context.Context, method, path string, payload any, orgID int64) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal payload: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}

	req.SetBasicAuth(c.adminUser, c.adminPassword)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if orgID > 0 {
		req.Header.Set(OrgHeader, strconv.FormatInt(orgID, 10))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	return resp.StatusCode, body, nil
}

// DoJSON issues a request and decodes a 2xx response body into out. A decode
// failure on a successful status is surfaced as an error; non-2xx responses
// are returned undecoded for the caller to interpret.
func (c *Client) DoJSON(ctx context.Context, method, path string, payload any, orgID int64, out any) (int, error) {
	status, body, err := c.Do(ctx, method, path, payload, orgID)
	if err != nil {
		return 0, err
	}
	if out != nil && succeeded(status) {
		if err := json.Unmarshal(body, out); err != nil {
			return status, fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return status, nil
}

func succeeded(status int) bool {
	return status >= 200 && status < 300
}
