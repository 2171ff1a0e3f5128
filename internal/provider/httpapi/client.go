package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/calyx-ai/switchboard/internal/core/domain"
	"github.com/calyx-ai/switchboard/internal/httpclient"
	"github.com/calyx-ai/switchboard/internal/provider"
	"github.com/calyx-ai/switchboard/pkg/api"
)

func init() {
	provider.Register("openai_compat", NewClient)
}

// Client talks to any OpenAI-compatible chat completions endpoint. It is
// stateless and safe for unbounded concurrent use, so it backs API_BASED
// providers directly.
type Client struct {
	desc domain.ProviderDescriptor
	http *http.Client
}

func NewClient(desc domain.ProviderDescriptor) (provider.Client, error) {
	if desc.BaseURL == "" {
		return nil, fmt.Errorf("provider %s: base_url is required", desc.Name)
	}

	timeout := 60 * time.Second
	if raw, ok := desc.Config["timeout"]; ok {
		if d, err := time.ParseDuration(raw); err == nil {
			timeout = d
		}
	}

	return &Client{
		desc: desc,
		http: &http.Client{Timeout: timeout},
	}, nil
}

func (c *Client) Initialize(ctx context.Context) error {
	// Stateless REST client; verify reachability once so a misconfigured
	// endpoint fails at registration rather than on the first request.
	return c.HealthCheck(ctx)
}

func (c *Client) headers() map[string]string {
	h := map[string]string{}
	if c.desc.APIKey != "" {
		h["Authorization"] = "Bearer " + c.desc.APIKey
	}
	if org, ok := c.desc.Config["organization"]; ok {
		h["OpenAI-Organization"] = org
	}
	return h
}

func (c *Client) endpoint() string {
	return fmt.Sprintf("%s/chat/completions", strings.TrimRight(c.desc.BaseURL, "/"))
}

// translateError lifts transport failures into the domain error family so the
// retry executor can classify them.
func (c *Client) translateError(err error) error {
	var upstreamErr *httpclient.UpstreamError
	if !errors.As(err, &upstreamErr) {
		if errors.Is(err, context.DeadlineExceeded) {
			return &domain.TimeoutError{Provider: c.desc.Name, Timeout: c.http.Timeout}
		}
		// connection refused, DNS failure and friends are worth a retry
		return &domain.BackendError{Provider: c.desc.Name, Message: err.Error(), Retryable: true, Cause: err}
	}

	msg := upstreamMessage(upstreamErr.Body)

	switch {
	case upstreamErr.IsAuth():
		return &domain.AuthError{Provider: c.desc.Name, Message: msg}
	case upstreamErr.IsRateLimit():
		return &domain.RateLimitError{Provider: c.desc.Name, RetryAfter: upstreamErr.RetryAfter, Message: msg}
	default:
		return &domain.BackendError{
			Provider:   c.desc.Name,
			StatusCode: upstreamErr.StatusCode,
			Message:    msg,
			Retryable:  upstreamErr.IsTransient(),
			Cause:      err,
		}
	}
}

// upstreamErrorResponse mirrors the standard OpenAI error shape
type upstreamErrorResponse struct {
	Error struct {
		Message string      `json:"message"`
		Type    string      `json:"type"`
		Code    interface{} `json:"code"`
	} `json:"error"`
}

func upstreamMessage(body []byte) string {
	var apiErr upstreamErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return apiErr.Error.Message
	}
	return string(body)
}

func (c *Client) Send(ctx context.Context, req *api.ChatRequest) (*api.ChatResponse, error) {
	var resp api.ChatResponse

	reqClone := *req
	reqClone.Stream = false
	if reqClone.Model == "" {
		reqClone.Model = c.desc.Model
	}

	if err := httpclient.SendRequest(ctx, c.http, "POST", c.endpoint(), c.headers(), &reqClone, &resp); err != nil {
		return nil, c.translateError(err)
	}

	return &resp, nil
}

func (c *Client) Stream(ctx context.Context, req *api.ChatRequest) (<-chan api.StreamResult, error) {
	ch := make(chan api.StreamResult)

	reqClone := *req
	reqClone.Stream = true
	if reqClone.Model == "" {
		reqClone.Model = c.desc.Model
	}

	go func() {
		defer close(ch)

		err := httpclient.StreamRequest(ctx, c.http, "POST", c.endpoint(), c.headers(), &reqClone, func(line string) error {
			// SSE format: data: {...}
			if !strings.HasPrefix(line, "data: ") {
				return nil
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return nil
			}

			var chunk api.ChatResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				// malformed chunk, skip it
				return nil
			}

			select {
			case ch <- api.StreamResult{Response: &chunk}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})

		if err != nil && !errors.Is(err, context.Canceled) {
			select {
			case ch <- api.StreamResult{Err: c.translateError(err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	url := fmt.Sprintf("%s/models", strings.TrimRight(c.desc.BaseURL, "/"))

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	for k, v := range c.headers() {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) Cleanup() {
	c.http.CloseIdleConnections()
}
