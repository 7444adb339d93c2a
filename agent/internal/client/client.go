// Package client provides the control plane API client for agents.
//
// # Operations
//
// - Submit: Send one compliance report
// - SubmitBatch: Send a batch of buffered reports
// - Ping: Health probe, used to wait for the server at startup
package client

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fleet-net/comply-mon/pkg/types"
)

// Client communicates with the control plane.
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
}

// Config for the client.
type Config struct {
	BaseURL            string
	APIKey             string
	Timeout            time.Duration // Per-request timeout, defaults to 30s
	HTTPClient         *http.Client
	InsecureSkipVerify bool
}

// NewClient creates a new control plane client.
func NewClient(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		transport := &http.Transport{}
		if cfg.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		cfg.HTTPClient = &http.Client{
			Timeout:   timeout,
			Transport: transport,
		}
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: cfg.HTTPClient,
		apiKey:     cfg.APIKey,
	}
}

// SubmitResult is the server's acknowledgment of one report.
type SubmitResult struct {
	ReportID   string `json:"report_id"`
	Overall    string `json:"overall_severity"`
	Duplicate  bool   `json:"duplicate,omitempty"`
	OutOfOrder bool   `json:"out_of_order,omitempty"`
}

// Submit sends a single compliance report.
func (c *Client) Submit(ctx context.Context, report *types.IncomingReport) (*SubmitResult, error) {
	resp, err := c.doRequest(ctx, "POST", "/api/v1/reports", report)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return nil, c.readError(resp)
	}

	var result SubmitResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &result, nil
}

// SubmitBatch sends buffered reports in one gzip-compressed request.
func (c *Client) SubmitBatch(ctx context.Context, batch *types.ReportBatch) (int, error) {
	data, err := json.Marshal(batch)
	if err != nil {
		return 0, fmt.Errorf("marshaling batch: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return 0, fmt.Errorf("compressing batch: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("compressing batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/reports/batch", &buf)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return 0, c.readError(resp)
	}

	var result struct {
		Accepted int `json:"accepted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("decoding response: %w", err)
	}
	return result.Accepted, nil
}

// Ping tests connectivity to the control plane.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.doRequest(ctx, "GET", "/api/v1/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.readError(resp)
	}
	return nil
}

// doRequest performs an HTTP request with standard headers.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	return c.httpClient.Do(req)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "complymon-agent/1.0")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}

// readError extracts an error message from a failed response.
func (c *Client) readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
}
