// Package client talks to the gate's HTTP API on behalf of the CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/TimurManjosov/qualiopigate/internal/guard"
	"github.com/TimurManjosov/qualiopigate/internal/mapping"
	"github.com/TimurManjosov/qualiopigate/internal/session"
)

// Client is an HTTP client for the gate API
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new API client
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx answer carrying the server's error envelope.
type APIError struct {
	Status  int               `json:"-"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (status %d, %s): %s", e.Status, e.Code, e.Message)
}

// MappingInput is the writable part of a mapping.
type MappingInput struct {
	PageID  int64  `json:"page_id"`
	TestURL string `json:"test_url"`
	FormID  *int64 `json:"form_id,omitempty"`
	Active  *bool  `json:"active,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

// SessionState lists the unexpired solved marks of a session.
type SessionState struct {
	SessionID string            `json:"session_id"`
	Products  []session.Details `json:"products"`
}

// ImportResult is the server's answer to a CSV import.
type ImportResult struct {
	Imported int    `json:"imported"`
	Mode     string `json:"mode"`
	ETag     string `json:"etag"`
}

// ListMappings returns every mapping, or those matching query when set.
func (c *Client) ListMappings(ctx context.Context, query string) ([]mapping.Entry, error) {
	path := "/v1/mappings"
	if query != "" {
		path += "?q=" + url.QueryEscape(query)
	}
	var result struct {
		Mappings []mapping.Entry `json:"mappings"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Mappings, nil
}

// GetMapping retrieves a single mapping by product ID
func (c *Client) GetMapping(ctx context.Context, productID int64) (*mapping.Entry, error) {
	var result struct {
		Mapping mapping.Entry `json:"mapping"`
	}
	if err := c.do(ctx, http.MethodGet, mappingPath(productID), nil, &result); err != nil {
		return nil, err
	}
	return &result.Mapping, nil
}

// SetMapping creates or replaces the mapping of a product.
func (c *Client) SetMapping(ctx context.Context, productID int64, in MappingInput) (*mapping.Entry, error) {
	var result struct {
		Mapping mapping.Entry `json:"mapping"`
	}
	if err := c.do(ctx, http.MethodPut, mappingPath(productID), in, &result); err != nil {
		return nil, err
	}
	return &result.Mapping, nil
}

// DeleteMapping removes the mapping of a product
func (c *Client) DeleteMapping(ctx context.Context, productID int64) error {
	return c.do(ctx, http.MethodDelete, mappingPath(productID), nil, nil)
}

func (c *Client) MappingStats(ctx context.Context) (*mapping.Stats, error) {
	var stats mapping.Stats
	if err := c.do(ctx, http.MethodGet, "/v1/mappings/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ExportMappings downloads the CSV document.
func (c *Client) ExportMappings(ctx context.Context) ([]byte, error) {
	resp, err := c.send(ctx, http.MethodGet, "/v1/mappings/export.csv", nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// ImportMappings uploads a CSV document. mode is "replace" or "merge".
func (c *Client) ImportMappings(ctx context.Context, csv io.Reader, mode string) (*ImportResult, error) {
	path := "/v1/mappings/import"
	if mode != "" {
		path += "?mode=" + url.QueryEscape(mode)
	}
	resp, err := c.send(ctx, http.MethodPost, path, csv, "text/csv")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result ImportResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &result, nil
}

func (c *Client) GetFlags(ctx context.Context) (map[string]bool, error) {
	var out map[string]bool
	if err := c.do(ctx, http.MethodGet, "/v1/flags", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetFlags updates the named flags and returns every flag afterwards.
func (c *Client) SetFlags(ctx context.Context, values map[string]bool) (map[string]bool, error) {
	var out map[string]bool
	if err := c.do(ctx, http.MethodPut, "/v1/flags", values, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Decide asks for the per-product decisions of a cart without enforcing them.
func (c *Client) Decide(ctx context.Context, req guard.CheckRequest) (*guard.CheckResult, error) {
	var out guard.CheckResult
	if err := c.do(ctx, http.MethodPost, "/v1/checkout/decide", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Complete records a passed test, as the test page would. The client key must be
// the test provider key or an admin key.
func (c *Client) Complete(ctx context.Context, req guard.CompleteRequest) (*guard.CompleteResult, error) {
	var out guard.CompleteResult
	if err := c.do(ctx, http.MethodPost, "/v1/tests/complete", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (*SessionState, error) {
	var out SessionState
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResetValidation forgets a passed test for a session and/or user.
func (c *Client) ResetValidation(ctx context.Context, sessionID string, userID, productID int64) error {
	body := map[string]any{"session_id": sessionID, "user_id": userID, "product_id": productID}
	return c.do(ctx, http.MethodDelete, "/v1/validations", body, nil)
}

func mappingPath(productID int64) string {
	return "/v1/mappings/" + strconv.FormatInt(productID, 10)
}

// do sends body as JSON and decodes a JSON answer into out when out is not nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	contentType := ""
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
		contentType = "application/json"
	}

	resp, err := c.send(ctx, method, path, rdr, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// send performs the request and turns any non-2xx answer into an *APIError.
func (c *Client) send(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{Status: resp.StatusCode}
	if json.Unmarshal(bodyBytes, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(bodyBytes))
	}
	return nil, apiErr
}
