// Package model implements the client for the OpenAI-compatible
// vision-language endpoint that drives the agent loop. Requests carry the
// conversation context plus the latest screenshot; responses are split into
// a thinking part and an action part. Deadlines adapt to payload size,
// transient failures are retried with widening deadlines, and every request
// outcome is recorded in a bounded telemetry window.
package model

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/droidpilot/droidpilot/internal/common/config"
	"github.com/droidpilot/droidpilot/internal/common/errors"
	"github.com/droidpilot/droidpilot/internal/common/logger"
)

// Response is one model reply, split into its reasoning and the action line.
type Response struct {
	Thinking   string
	Action     string
	RawContent string
}

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	mu         sync.RWMutex
	cfg        config.ModelConfig
	httpClient *http.Client
	logger     *logger.Logger
	telemetry  *Telemetry

	retryDelays []time.Duration
}

// NewClient creates a model client from the endpoint configuration.
func NewClient(cfg config.ModelConfig, log *logger.Logger) *Client {
	return &Client{
		cfg: cfg,
		// Per-request deadlines come from the adaptive calculation, so the
		// transport itself carries none.
		httpClient:  &http.Client{},
		logger:      log,
		telemetry:   NewTelemetry(0),
		retryDelays: defaultRetryDelays,
	}
}

// config returns a copy of the endpoint configuration.
func (c *Client) config() config.ModelConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// UpdateConfig replaces the endpoint configuration. Requests already in
// flight finish on the old settings; subsequent ones use the new model
// and sampling parameters.
func (c *Client) UpdateConfig(cfg config.ModelConfig) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	c.logger.Info("model configuration updated",
		zap.String("model", cfg.Name),
		zap.String("base_url", cfg.BaseURL))
}

// Config returns a copy of the current endpoint configuration.
func (c *Client) Config() config.ModelConfig {
	return c.config()
}

// ModelName returns the configured model identifier.
func (c *Client) ModelName() string {
	return c.config().Name
}

// Stats summarizes the recorded request outcomes within the window.
func (c *Client) Stats(window time.Duration) Summary {
	return c.telemetry.Summarize(window)
}

// Request sends the conversation to the model and returns the parsed reply.
// Transient failures (timeouts, unreachable endpoint, 5xx) are retried up to
// the configured count with backoff and widening deadlines; permanent
// rejections (4xx) fail immediately. Cancelling the context aborts the
// in-flight attempt and any backoff wait.
func (c *Client) Request(ctx context.Context, messages []Message) (*Response, error) {
	cfg := c.config()
	timeout := adaptiveTimeout(cfg.BaseTimeoutDuration(), cfg.MaxTimeoutDuration(), messages)

	started := time.Now()
	resp, err := c.requestWithRetry(ctx, cfg, messages, timeout)

	elapsed := time.Since(started)
	c.telemetry.Record(RequestStat{
		Timestamp: started,
		Model:     cfg.Name,
		Duration:  elapsed,
		Timeout:   timeout,
		Success:   err == nil,
		IsTimeout: err != nil && elapsed >= timeout,
	})
	return resp, err
}

func (c *Client) requestWithRetry(ctx context.Context, cfg config.ModelConfig, messages []Message, timeout time.Duration) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= cfg.RetryCount; attempt++ {
		resp, err := c.do(ctx, cfg, messages, attemptTimeout(timeout, attempt))
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.IsTransient(err) {
			return nil, err
		}
		lastErr = err

		if attempt == cfg.RetryCount {
			break
		}
		delay := retryDelay(c.retryDelays, attempt)
		c.logger.Warn("model request failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

type chatRequest struct {
	Model            string    `json:"model"`
	Messages         []Message `json:"messages"`
	MaxTokens        int       `json:"max_tokens"`
	Temperature      float64   `json:"temperature"`
	TopP             float64   `json:"top_p"`
	FrequencyPenalty float64   `json:"frequency_penalty"`
	Stream           bool      `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// do performs a single attempt against the endpoint.
func (c *Client) do(ctx context.Context, cfg config.ModelConfig, messages []Message, timeout time.Duration) (*Response, error) {
	body, err := json.Marshal(chatRequest{
		Model:            cfg.Name,
		Messages:         messages,
		MaxTokens:        cfg.MaxTokens,
		Temperature:      cfg.Temperature,
		TopP:             cfg.TopP,
		FrequencyPenalty: cfg.FrequencyPenalty,
		Stream:           false,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	started := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if stderrors.Is(err, context.DeadlineExceeded) {
			return nil, errors.ModelTransient(
				fmt.Sprintf("model request timed out after %s", time.Since(started).Round(time.Millisecond)), err)
		}
		return nil, errors.ModelTransient("model endpoint unreachable", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.ModelTransient("read model response", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, c.statusError(httpResp.StatusCode, respBody)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, errors.MalformedResponse(fmt.Sprintf("model response is not valid JSON: %v", err))
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		return nil, c.statusError(httpResp.StatusCode, []byte(parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.ModelTransient("model returned no choices", nil)
	}

	content := parsed.Choices[0].Message.Content
	thinking, action := ExtractParts(content)
	return &Response{Thinking: thinking, Action: action, RawContent: content}, nil
}

// statusError maps an HTTP status to the retryable/permanent split:
// 408, 429 and 5xx are worth retrying, other 4xx are not.
func (c *Client) statusError(status int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500 {
		return errors.ModelTransient(fmt.Sprintf("model endpoint returned %d: %s", status, detail), nil)
	}
	return errors.ModelPermanent(status, detail)
}

// ExtractParts splits the raw model output into thinking and action. The
// action markers take precedence over the legacy <answer> tags:
//
//  1. everything from "finish(message=" onwards is the action;
//  2. otherwise everything from "do(action=" onwards is the action;
//  3. otherwise the text inside <answer>…</answer> is the action and the
//     text before it, minus <think> tags, is the thinking;
//  4. otherwise the whole content is the action with empty thinking.
func ExtractParts(content string) (thinking, action string) {
	if idx := strings.Index(content, "finish(message="); idx >= 0 {
		return strings.TrimSpace(content[:idx]), content[idx:]
	}
	if idx := strings.Index(content, "do(action="); idx >= 0 {
		return strings.TrimSpace(content[:idx]), content[idx:]
	}
	if idx := strings.Index(content, "<answer>"); idx >= 0 {
		thinking = content[:idx]
		thinking = strings.ReplaceAll(thinking, "<think>", "")
		thinking = strings.ReplaceAll(thinking, "</think>", "")
		action = content[idx+len("<answer>"):]
		action = strings.ReplaceAll(action, "</answer>", "")
		return strings.TrimSpace(thinking), strings.TrimSpace(action)
	}
	return "", content
}
