package cliproc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/calyx-ai/switchboard/internal/core/domain"
	"github.com/calyx-ai/switchboard/internal/provider"
	"github.com/calyx-ai/switchboard/pkg/api"
)

func init() {
	provider.Register("cli_session", NewClient)
}

// frame is one line of the worker wire protocol. Requests carry op + request;
// responses carry exactly one of response, chunk, done, pong or error.
type frame struct {
	Op      string           `json:"op,omitempty"`
	Request *api.ChatRequest `json:"request,omitempty"`

	Response *api.ChatResponse `json:"response,omitempty"`
	Chunk    *api.ChatResponse `json:"chunk,omitempty"`
	Done     bool              `json:"done,omitempty"`
	Pong     bool              `json:"pong,omitempty"`
	Error    *workerError      `json:"error,omitempty"`
}

type workerError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// Client drives one long-lived CLI worker process over line-delimited JSON on
// stdin/stdout. Each client owns exactly one session and serves one request at
// a time, which is what the pool expects of a session-backed instance.
type Client struct {
	desc domain.ProviderDescriptor

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader

	// broken marks a session whose wire state is no longer trustworthy, for
	// example after a reply was abandoned mid-read. Health probes fail until
	// the instance is recycled.
	broken bool
}

func NewClient(desc domain.ProviderDescriptor) (provider.Client, error) {
	if desc.Config["command"] == "" {
		return nil, fmt.Errorf("cli_session provider %q: config key 'command' is required", desc.Name)
	}
	return &Client{desc: desc}, nil
}

func (c *Client) Initialize(ctx context.Context) error {
	command := c.desc.Config["command"]
	var args []string
	if raw := c.desc.Config["args"]; raw != "" {
		args = strings.Fields(raw)
	}

	cmd := exec.Command(command, args...)
	if raw := c.desc.Config["env"]; raw != "" {
		cmd.Env = append(os.Environ(), strings.Fields(raw)...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return &domain.BackendError{
			Provider:  c.desc.Name,
			Message:   fmt.Sprintf("failed to start worker %q: %v", command, err),
			Retryable: true,
			Cause:     err,
		}
	}

	c.mu.Lock()
	c.cmd = cmd
	c.stdin = stdin
	c.reader = bufio.NewReader(stdout)
	c.broken = false
	c.mu.Unlock()

	// the worker signals readiness by answering the first ping
	return c.HealthCheck(ctx)
}

func (c *Client) Send(ctx context.Context, req *api.ChatRequest) (*api.ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqClone := *req
	reqClone.Stream = false
	if reqClone.Model == "" {
		reqClone.Model = c.desc.Model
	}

	resp, err := c.roundTrip(ctx, frame{Op: "chat", Request: &reqClone})
	if err != nil {
		return nil, err
	}
	if resp.Response == nil {
		c.broken = true
		return nil, &domain.BackendError{
			Provider: c.desc.Name,
			Message:  "worker returned a frame without a response",
		}
	}
	return resp.Response, nil
}

func (c *Client) Stream(ctx context.Context, req *api.ChatRequest) (<-chan api.StreamResult, error) {
	c.mu.Lock()

	reqClone := *req
	reqClone.Stream = true
	if reqClone.Model == "" {
		reqClone.Model = c.desc.Model
	}

	if err := c.writeFrame(frame{Op: "chat", Request: &reqClone}); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	ch := make(chan api.StreamResult)
	go func() {
		defer c.mu.Unlock()
		defer close(ch)

		for {
			f, err := c.readFrame(ctx)
			if err != nil {
				select {
				case ch <- api.StreamResult{Err: err}:
				case <-ctx.Done():
				}
				return
			}

			switch {
			case f.Error != nil:
				select {
				case ch <- api.StreamResult{Err: c.translateWorkerError(f.Error)}:
				case <-ctx.Done():
				}
				return
			case f.Done:
				return
			case f.Chunk != nil:
				select {
				case ch <- api.StreamResult{Response: f.Chunk}:
				case <-ctx.Done():
					// the worker keeps emitting into a dead stream; the
					// session cannot be resynced
					c.broken = true
					return
				}
			}
		}
	}()

	return ch, nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken {
		return &domain.BackendError{
			Provider:  c.desc.Name,
			Message:   "session wire state is broken",
			Retryable: false,
		}
	}
	if c.cmd == nil || c.cmd.Process == nil {
		return &domain.BackendError{Provider: c.desc.Name, Message: "worker not started"}
	}

	resp, err := c.roundTrip(ctx, frame{Op: "ping"})
	if err != nil {
		return err
	}
	if !resp.Pong {
		c.broken = true
		return &domain.BackendError{Provider: c.desc.Name, Message: "worker did not answer ping"}
	}
	return nil
}

func (c *Client) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stdin != nil {
		_ = c.stdin.Close()
		c.stdin = nil
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
		_ = c.cmd.Wait()
	}
	c.cmd = nil
	c.reader = nil
}

// roundTrip writes one frame and reads frames until a terminal one arrives.
// Callers must hold c.mu.
func (c *Client) roundTrip(ctx context.Context, req frame) (*frame, error) {
	if err := c.writeFrame(req); err != nil {
		return nil, err
	}

	f, err := c.readFrame(ctx)
	if err != nil {
		return nil, err
	}
	if f.Error != nil {
		return nil, c.translateWorkerError(f.Error)
	}
	return f, nil
}

func (c *Client) writeFrame(f frame) error {
	if c.stdin == nil {
		return &domain.BackendError{Provider: c.desc.Name, Message: "worker not started"}
	}

	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if _, err := c.stdin.Write(data); err != nil {
		c.broken = true
		return &domain.BackendError{
			Provider:  c.desc.Name,
			Message:   "worker write failed: " + err.Error(),
			Retryable: true,
			Cause:     err,
		}
	}
	return nil
}

// readFrame reads one line, honoring ctx. An abandoned read poisons the
// session: the pending reply would otherwise be consumed by the next caller.
func (c *Client) readFrame(ctx context.Context) (*frame, error) {
	type result struct {
		f   *frame
		err error
	}

	resCh := make(chan result, 1)
	go func() {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			resCh <- result{err: err}
			return
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			resCh <- result{err: err}
			return
		}
		resCh <- result{f: &f}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			c.broken = true
			if errors.Is(res.err, io.EOF) {
				return nil, &domain.BackendError{
					Provider:  c.desc.Name,
					Message:   "worker exited",
					Retryable: true,
					Cause:     res.err,
				}
			}
			return nil, &domain.BackendError{
				Provider:  c.desc.Name,
				Message:   "worker read failed: " + res.err.Error(),
				Retryable: true,
				Cause:     res.err,
			}
		}
		return res.f, nil
	case <-ctx.Done():
		c.broken = true
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &domain.TimeoutError{Provider: c.desc.Name}
		}
		return nil, ctx.Err()
	}
}

func (c *Client) translateWorkerError(werr *workerError) error {
	switch werr.Code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &domain.AuthError{Provider: c.desc.Name, Message: werr.Message}
	case http.StatusTooManyRequests:
		return &domain.RateLimitError{
			Provider:   c.desc.Name,
			RetryAfter: defaultWorkerRetryAfter,
			Message:    werr.Message,
		}
	default:
		return &domain.BackendError{
			Provider:   c.desc.Name,
			StatusCode: werr.Code,
			Message:    werr.Message,
			Retryable:  werr.Code >= http.StatusInternalServerError,
		}
	}
}

const defaultWorkerRetryAfter = 10 * time.Second
