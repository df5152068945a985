// Package ocrclient is the outbound HTTP client for the OCR microservice
// consulted by the OCR coordinator: given an image URL or bytes, returns
// recognised text plus an optional barcode payload. Retries use
// cenkalti/backoff, already pulled transitively through gotd/contrib —
// promoted here to a direct dependency for the one place in this repo
// that needs hand-tuned outbound retry.
package ocrclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Result is the combined OCR + barcode outcome for one image.
type Result struct {
	Text    string `json:"text"`
	Barcode string `json:"barcode,omitempty"`
}

// Client wraps the OCR microservice's HTTP endpoint with a 10s per-call
// timeout and up to 5 retries on timeout/5xx.
type Client struct {
	http    *http.Client
	baseURL string
	retries uint64
}

func New(baseURL string) *Client {
	return &Client{
		http:    &http.Client{Timeout: 10 * time.Second},
		baseURL: baseURL,
		retries: 5,
	}
}

// Recognize uploads imageURL (already persisted to blob storage) for
// recognition.
func (c *Client) Recognize(ctx context.Context, imageURL string) (Result, error) {
	var out Result
	body, err := json.Marshal(map[string]string{"url": imageURL})
	if err != nil {
		return out, err
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/recognize", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return err // retryable: network/timeout
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("ocrclient: server error %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("ocrclient: client error %d", resp.StatusCode))
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return Result{}, fmt.Errorf("ocrclient: recognize: %w", err)
	}
	return out, nil
}
