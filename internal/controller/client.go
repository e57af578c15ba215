// Package controller drives a worker remotely: start a batch, then poll its
// status until it finishes.
package controller

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

	"call_audit/internal/jobs"
	"github.com/rs/zerolog/log"
)

var (
	// ErrBusy is returned when the worker already runs a batch.
	ErrBusy = errors.New("worker is already processing a batch")
	// ErrBatchLost is returned when the worker stops reporting the started
	// batch, usually because it restarted mid-run.
	ErrBatchLost = errors.New("worker no longer reports the batch")
)

// APIError is a non-success response from the worker.
type APIError struct {
	StatusCode int
	Message    string
	Hint       string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("worker returned %d: %s", e.StatusCode, e.Message)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

// Client talks to one worker's control API.
type Client struct {
	BaseURL      string
	PollInterval time.Duration
	HTTP         *http.Client
}

func New(baseURL string, poll time.Duration) *Client {
	if poll <= 0 {
		poll = 3 * time.Second
	}
	return &Client{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		PollInterval: poll,
		HTTP:         &http.Client{Timeout: 30 * time.Second},
	}
}

// Health fetches GET /health.
func (c *Client) Health(ctx context.Context) (*jobs.HealthReport, error) {
	var out jobs.HealthReport
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartBatch posts /batch/start and returns the batch id.
func (c *Client) StartBatch(ctx context.Context, size int, provider string) (string, error) {
	var out struct {
		Message string `json:"message"`
		BatchID string `json:"batchId"`
	}
	if err := c.do(ctx, http.MethodPost, "/batch/start", jobs.StartRequest{BatchSize: size, Provider: provider}, &out); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
			return "", fmt.Errorf("%w: %s", ErrBusy, apiErr.Message)
		}
		return "", err
	}
	return out.BatchID, nil
}

// Status fetches GET /batch/status.
func (c *Client) Status(ctx context.Context) (*jobs.Snapshot, error) {
	var out jobs.Snapshot
	if err := c.do(ctx, http.MethodGet, "/batch/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Run starts a batch and polls until the worker reports it is no longer
// processing. onPoll, when set, sees every intermediate snapshot. An idle
// worker reporting another batch id yields ErrBatchLost.
func (c *Client) Run(ctx context.Context, size int, provider string, onPoll func(jobs.Snapshot)) (*jobs.Snapshot, error) {
	batchID, err := c.StartBatch(ctx, size, provider)
	if err != nil {
		return nil, err
	}
	log.Info().Str("batch_id", batchID).Str("worker", c.BaseURL).Msg("batch started on worker")

	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		snap, err := c.Status(ctx)
		if err != nil {
			// A single failed poll is not fatal; the worker may be busy.
			log.Warn().Err(err).Str("batch_id", batchID).Msg("status poll failed")
			continue
		}
		if onPoll != nil {
			onPoll(*snap)
		}
		if !snap.IsProcessing {
			if snap.BatchID != batchID {
				return snap, fmt.Errorf("%w: started %s, worker reports %q", ErrBatchLost, batchID, snap.BatchID)
			}
			return snap, nil
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("controller: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("controller: read %s: %w", path, err)
	}
	if resp.StatusCode >= 300 {
		var eb struct {
			Error string `json:"error"`
			Hint  string `json:"hint"`
		}
		_ = json.Unmarshal(raw, &eb)
		if eb.Error == "" {
			eb.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: eb.Error, Hint: eb.Hint}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("controller: decode %s: %w", path, err)
	}
	return nil
}
