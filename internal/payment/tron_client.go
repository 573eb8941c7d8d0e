package payment

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

// HTTPOptions tune the HTTP based chain clients
type HTTPOptions struct {
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

func (o HTTPOptions) withDefaults() HTTPOptions {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
	return o
}

// TronClient talks to the TronGrid full node HTTP API
type TronClient struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	maxRetries   int
	retryBackoff time.Duration
	logger       Logger
}

func NewTronClient(baseURL, apiKey string, opts HTTPOptions, logger Logger) *TronClient {
	opts = opts.withDefaults()
	return &TronClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		maxRetries:   opts.MaxRetries,
		retryBackoff: opts.RetryBackoff,
		logger:       logger,
	}
}

// errTronRejected marks an answer that retrying will not change
var errTronRejected = errors.New("request rejected by node")

// Post sends a JSON body to a /wallet endpoint and decodes the JSON answer.
// Server errors and transport failures are retried with exponential backoff.
func (c *TronClient) Post(ctx context.Context, path string, body interface{}, out interface{}) error {
	url := c.baseURL + path
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.retryBackoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}

			c.logger.Info(fmt.Sprintf("Retrying TronGrid %s (attempt %d/%d)", path, attempt+1, c.maxRetries+1), "tron_client")
		}

		err := c.send(ctx, url, body, out)
		if err == nil {
			return nil
		}

		lastErr = err

		if errors.Is(err, errTronRejected) {
			return fmt.Errorf("%w: TronGrid %s: %v", ErrSubmissionFailed, path, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	c.logger.Error(fmt.Sprintf("TronGrid %s failed after %d attempts: %v", path, c.maxRetries+1, lastErr), "tron_client")
	return fmt.Errorf("%w: TronGrid %s: %v", ErrNetworkUnavailable, path, lastErr)
}

func (c *TronClient) send(ctx context.Context, url string, body interface{}, out interface{}) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal request: %v", errTronRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %v", errTronRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("TRON-PRO-API-KEY", c.apiKey)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn(fmt.Sprintf("TronGrid request failed: %v", err), "tron_client")
		return err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %v", err)
	}

	c.logger.Debug(fmt.Sprintf("TronGrid response: HTTP %d, %d bytes", httpResp.StatusCode, len(respBody)), "tron_client")

	if httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests {
		c.logger.Warn(fmt.Sprintf("TronGrid server error (HTTP %d), will retry", httpResp.StatusCode), "tron_client")
		return fmt.Errorf("HTTP %d", httpResp.StatusCode)
	}
	if httpResp.StatusCode >= 400 {
		return fmt.Errorf("%w: HTTP %d: %s", errTronRejected, httpResp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %v", err)
	}
	return nil
}
