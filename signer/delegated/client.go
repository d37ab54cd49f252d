package delegated

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	uniagent "github.com/toryoto/uniagent-go"
	"github.com/toryoto/uniagent-go/logger"
	"github.com/toryoto/uniagent-go/retry"
)

// apiError is the wallet service's error body.
type apiError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("wallet service error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("wallet service error %d: %s", e.Status, e.Message)
}

// Client is a thin HTTP wrapper for the wallet service REST API with bearer
// authentication and retry on transient failures. Safe for concurrent use.
type Client struct {
	baseURL    string
	host       string
	httpClient *http.Client
	auth       *Auth
	log        logger.Logger
}

// NewClient creates a wallet service API client.
func NewClient(baseURL string, auth *Auth, log logger.Logger) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid wallet service URL %q", baseURL)
	}
	return &Client{
		baseURL: baseURL,
		host:    parsed.Host,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		auth: auth,
		log:  logger.OrNoop(log),
	}, nil
}

// do executes one request with retry on transient statuses. The result is
// unmarshaled into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	_, err := retry.Do(ctx, retry.DefaultPolicy, isTransient, func() (struct{}, error) {
		return struct{}{}, c.doOnce(ctx, method, path, body, out)
	})
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out interface{}) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	token, err := c.auth.BearerToken(method, c.host, path)
	if err != nil {
		return fmt.Errorf("generate bearer token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("wallet service request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		var wrapper struct {
			Error apiError `json:"error"`
		}
		if json.Unmarshal(respBody, &wrapper) == nil && wrapper.Error.Message != "" {
			apiErr.Code = wrapper.Error.Code
			apiErr.Message = wrapper.Error.Message
		} else {
			apiErr.Message = string(respBody)
		}
		c.log.Warn("wallet service call failed", map[string]any{
			"method": method, "path": path, "status": resp.StatusCode,
		})
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func isTransient(err error) bool {
	if apiErr, ok := err.(*apiError); ok {
		return retry.TransientStatus(apiErr.Status)
	}
	// Token generation failures will not heal on retry; network-level
	// failures are worth another attempt.
	return !strings.HasPrefix(err.Error(), "generate bearer token")
}

// classifyAPIError converts a wallet service failure into the error taxonomy
// so callers never receive a bare transport error.
func classifyAPIError(err error) *uniagent.AgentError {
	if apiErr, ok := err.(*apiError); ok {
		if apiErr.Code != "" {
			return uniagent.Classify(apiErr.Code).WithDetails("message", apiErr.Message)
		}
		return uniagent.Classify(apiErr.Message)
	}
	return uniagent.AsAgentError(err)
}
