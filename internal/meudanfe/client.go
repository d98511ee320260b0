// Package meudanfe downloads official DANFE PDFs from the meudanfe API.
//
// The API only serves documents that were first added to the account's
// area, so every download is a two-step exchange: register the access key,
// then fetch the PDF for it.
package meudanfe

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the production API root
const DefaultBaseURL = "https://api.meudanfe.com.br"

// ErrUnauthorized is returned when the API rejects the configured key
var ErrUnauthorized = errors.New("meudanfe rejected the api key")

// StatusError is a non-2xx response from the API
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("meudanfe %s: API error %d: %s", e.Op, e.StatusCode, e.Body)
}

// Document is a downloaded DANFE PDF
type Document struct {
	Filename string
	Content  []byte
}

// Base64 returns the PDF encoded for JSON transport
func (d *Document) Base64() string {
	return base64.StdEncoding.EncodeToString(d.Content)
}

// Client talks to the meudanfe API
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a Client. An empty baseURL means DefaultBaseURL.
func NewClient(baseURL, apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("meudanfe api key is required")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// FetchDANFE registers accessKey and then downloads its PDF. Registration
// problems the download can recover from are only logged.
func (c *Client) FetchDANFE(ctx context.Context, accessKey string) (*Document, error) {
	if err := c.Register(ctx, accessKey); err != nil {
		return nil, err
	}
	return c.Download(ctx, accessKey)
}

// Register adds the invoice to the account area. Success and 409 (already
// added) return nil. A rejected key is fatal. Other statuses are advisory:
// the invoice may already be there, and Download will tell.
func (c *Client) Register(ctx context.Context, accessKey string) error {
	resp, err := c.do(ctx, http.MethodPut, "/v2/fd/add/"+accessKey)
	if err != nil {
		return fmt.Errorf("registering access key: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		slog.Info("Invoice added to meudanfe area", "access_key", accessKey)
		return nil
	case resp.StatusCode == http.StatusConflict:
		slog.Info("Invoice already in meudanfe area", "access_key", accessKey)
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w (status %d)", ErrUnauthorized, resp.StatusCode)
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	slog.Warn("Registering invoice failed, trying download anyway",
		"access_key", accessKey,
		"status", resp.StatusCode,
		"body", string(body),
	)
	return nil
}

type downloadResponse struct {
	Data string `json:"data"`
	Name string `json:"name"`
}

// Download fetches the PDF of a registered invoice
func (c *Client) Download(ctx context.Context, accessKey string) (*Document, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v2/fd/get/da/"+accessKey)
	if err != nil {
		return nil, fmt.Errorf("downloading DANFE: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Op: "download", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var payload downloadResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding download response: %w", err)
	}
	if payload.Data == "" {
		return nil, fmt.Errorf("download response has no document data")
	}

	content, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding document data: %w", err)
	}

	filename := payload.Name
	if filename == "" {
		filename = accessKey + ".pdf"
	}
	return &Document{Filename: filename, Content: content}, nil
}

func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Api-Key", c.apiKey)
	return c.http.Do(req)
}
