package model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droidpilot/droidpilot/internal/common/config"
	apperrors "github.com/droidpilot/droidpilot/internal/common/errors"
	"github.com/droidpilot/droidpilot/internal/common/logger"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)

	c := NewClient(config.ModelConfig{
		BaseURL:     baseURL,
		APIKey:      "test-key",
		Name:        "test-model",
		MaxTokens:   3000,
		Temperature: 0.0,
		TopP:        0.85,
		BaseTimeout: 5,
		MaxTimeout:  10,
		RetryCount:  3,
	}, log)
	// Keep retry waits out of test time
	c.retryDelays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	return c
}

func chatReply(content string) map[string]interface{} {
	return map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]interface{}{"content": content}, "finish_reason": "stop"},
		},
	}
}

func TestRequestSuccess(t *testing.T) {
	var gotAuth string
	var gotBody chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatReply(
			"the settings icon is visible\ndo(action=\"Tap\", element=[[340,1220]])"))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	resp, err := client.Request(context.Background(), []Message{
		SystemMessage("you control a phone"),
		UserMessage("open settings", "aW1hZ2U="),
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "test-model", gotBody.Model)
	assert.False(t, gotBody.Stream)
	assert.Len(t, gotBody.Messages, 2)

	assert.Equal(t, "the settings icon is visible", resp.Thinking)
	assert.Equal(t, "do(action=\"Tap\", element=[[340,1220]])", resp.Action)
	assert.Contains(t, resp.RawContent, "do(action=")
}

func TestRequestRetriesTransient(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			http.Error(w, "upstream overloaded", http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(chatReply("finish(message=\"done\")"))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	resp, err := client.Request(context.Background(), []Message{UserMessage("go", "")})
	require.NoError(t, err)

	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, "finish(message=\"done\")", resp.Action)
}

func TestRequestRetriesRequestTimeout(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			http.Error(w, "request timeout", http.StatusRequestTimeout)
			return
		}
		_ = json.NewEncoder(w).Encode(chatReply("finish(message=\"done\")"))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	resp, err := client.Request(context.Background(), []Message{UserMessage("go", "")})
	require.NoError(t, err)

	assert.Equal(t, int32(2), attempts.Load(), "408 must be retried like a timeout")
	assert.Equal(t, "finish(message=\"done\")", resp.Action)
}

func TestRequestPermanentFailsFast(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.Request(context.Background(), []Message{UserMessage("go", "")})
	require.Error(t, err)

	assert.Equal(t, int32(1), attempts.Load(), "4xx must not be retried")
	assert.True(t, apperrors.IsKind(err, apperrors.ErrCodeModelPermanent))
}

func TestRequestExhaustsRetries(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.Request(context.Background(), []Message{UserMessage("go", "")})
	require.Error(t, err)

	// Initial attempt plus RetryCount retries
	assert.Equal(t, int32(4), attempts.Load())
	assert.True(t, apperrors.IsTransient(err))
}

func TestRequestCancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	client.retryDelays = []time.Duration{5 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := client.Request(ctx, []Message{UserMessage("go", "")})
		done <- err
	}()

	// Let the first attempt fail, then cancel while the client is backing off
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not return promptly after cancellation")
	}
}

func TestRequestNoChoices(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"choices": []interface{}{}})
			return
		}
		_ = json.NewEncoder(w).Encode(chatReply("finish(message=\"recovered\")"))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	resp, err := client.Request(context.Background(), []Message{UserMessage("go", "")})
	require.NoError(t, err)

	assert.Equal(t, int32(2), attempts.Load(), "empty reply should be retried")
	assert.Equal(t, "finish(message=\"recovered\")", resp.Action)
}

func TestRequestRecordsTelemetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(chatReply("finish(message=\"ok\")"))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.Request(context.Background(), []Message{UserMessage("go", "")})
	require.NoError(t, err)

	summary := client.Stats(time.Hour)
	assert.Equal(t, 1, summary.TotalRequests)
	assert.Equal(t, 1.0, summary.SuccessRate)
	assert.Equal(t, []string{"test-model"}, summary.Models)
}
