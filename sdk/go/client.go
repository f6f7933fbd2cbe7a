package accessd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a thin HTTP client for accessd's admin surface
// (/healthz, /dump, /reload), adapted from the teacher's generic
// post/get request helpers onto this repo's three admin routes.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// ClientConfig configures the Client.
type ClientConfig struct {
	BaseURL   string
	Timeout   time.Duration
	AuthToken string
}

// NewClient builds a Client against the given base URL.
func NewClient(config ClientConfig) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: config.Timeout},
		baseURL:    config.BaseURL,
		token:      config.AuthToken,
	}
}

// SetToken sets the bearer token sent on /reload and /healthz requests
// (Dump sends none).
func (c *Client) SetToken(token string) { c.token = token }

// Health calls /healthz.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/healthz", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Dump fetches the current policy snapshot, rendered as text or JSON
// depending on format ("" for text, "json" for JSON).
func (c *Client) Dump(ctx context.Context, format string) ([]byte, error) {
	path := "/dump"
	if format != "" {
		path += "?format=" + format
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", httpResp.StatusCode, string(data))
	}
	return data, nil
}

// Reload pushes a new policy document to the server's /reload route.
func (c *Client) Reload(ctx context.Context, policyText string) (*ReloadResponse, error) {
	var resp ReloadResponse
	if err := c.post(ctx, "/reload", ReloadRequest{PolicyText: policyText}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, body, resp interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		data, _ := io.ReadAll(httpResp.Body)
		return fmt.Errorf("HTTP %d: %s", httpResp.StatusCode, string(data))
	}
	if resp != nil {
		return json.NewDecoder(httpResp.Body).Decode(resp)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, resp interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		data, _ := io.ReadAll(httpResp.Body)
		return fmt.Errorf("HTTP %d: %s", httpResp.StatusCode, string(data))
	}
	return json.NewDecoder(httpResp.Body).Decode(resp)
}
