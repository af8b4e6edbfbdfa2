package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPEngine posts jobs to a translation engine service.
//
// 200 carries the result inline. 202 means the engine will call back on
// the callback URL once done. "{job_id}" in the callback URL is replaced with
// the job id.
type HTTPEngine struct {
	baseURL     string
	callbackURL string
	token       string
	httpClient  *http.Client
}

func NewHTTPEngine(baseURL, callbackURL, token string, timeout time.Duration) *HTTPEngine {
	return &HTTPEngine{
		baseURL:     strings.TrimRight(baseURL, "/"),
		callbackURL: callbackURL,
		token:       token,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type httpRequest struct {
	Request
	CallbackURL string `json:"callback_url,omitempty"`
}

func (c *HTTPEngine) Translate(ctx context.Context, r Request) (*Result, error) {
	body, err := json.Marshal(httpRequest{Request: r, CallbackURL: strings.ReplaceAll(c.callbackURL, "{job_id}", r.JobID)})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/translate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("X-Engine-Token", c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusAccepted:
		return nil, ErrAccepted
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return nil, fmt.Errorf("engine returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}
