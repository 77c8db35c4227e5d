package webhook

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

	"github.com/sehee-xx/EatDa-sub001/internal/reconcile"
)

// ErrRejected is returned when the callback endpoint refuses a result with a
// 4xx status. Sending it again will not help.
var ErrRejected = errors.New("callback rejected")

// Client handles communication with the generator and the callback endpoint
type Client struct {
	generatorURL string
	callbackURL  string
	secret       string
	httpClient   *http.Client
	stubMode     bool
	stubDelay    time.Duration
}

// NewClient creates a new webhook client with the given configuration. In
// stub mode Generate fabricates an asset URL instead of calling out.
func NewClient(generatorURL, callbackURL, secret string, stubMode bool) *Client {
	return &Client{
		generatorURL: strings.TrimRight(generatorURL, "/"),
		callbackURL:  callbackURL,
		secret:       secret,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		stubMode:     stubMode,
		stubDelay:    2 * time.Second,
	}
}

// Generate requests one asset from the generator
func (c *Client) Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	if c.stubMode {
		// Simulated processing delay
		select {
		case <-time.After(c.stubDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		ext := "png"
		if req.Type == "SHORTS" {
			ext = "mp4"
		}
		return &GenerationResult{
			AssetURL: fmt.Sprintf("https://assets.example.com/%s/%d.%s", req.Kind, req.AssetID, ext),
		}, nil
	}

	var result GenerationResult
	if err := c.post(ctx, c.generatorURL+"/generate", req, &result); err != nil {
		return nil, err
	}
	if result.AssetURL == "" {
		return nil, fmt.Errorf("generator returned no asset url for asset %d", req.AssetID)
	}
	return &result, nil
}

// SendCallback reports a result to the callback endpoint. A 4xx answer is
// wrapped in ErrRejected.
func (c *Client) SendCallback(ctx context.Context, cb reconcile.Callback) error {
	return c.post(ctx, c.callbackURL, cb, nil)
}

func (c *Client) post(ctx context.Context, url string, body, out interface{}) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("X-Webhook-Secret", c.secret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, string(b))
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(b))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
