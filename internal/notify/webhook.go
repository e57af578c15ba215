// Package notify posts batch summaries to an optional webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"call_audit/internal/store"
)

// Message is the webhook payload. Text is filled so chat-style webhooks
// (Slack, GroupMe, Mattermost) render something readable.
type Message struct {
	Text       string `json:"text"`
	BatchID    string `json:"batch_id"`
	Provider   string `json:"provider"`
	Status     string `json:"status"`
	Total      int    `json:"total"`
	Successful int    `json:"successful"`
	Failed     int    `json:"failed"`
}

// Webhook sends messages to URL. An empty URL disables it.
type Webhook struct {
	URL    string
	Client *http.Client
}

func NewWebhook(url string) *Webhook {
	return &Webhook{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

// NotifyBatch reports a finished run.
func (w *Webhook) NotifyBatch(ctx context.Context, run *store.BatchRun) error {
	if w == nil || w.URL == "" || run == nil {
		return nil
	}
	msg := Message{
		Text: fmt.Sprintf("Batch %s %s: %d/%d calls audited, %d failed (%s)",
			run.ID, run.Status, run.Successful, run.Total, run.Failed, run.Provider),
		BatchID:    run.ID,
		Provider:   run.Provider,
		Status:     run.Status,
		Total:      run.Total,
		Successful: run.Successful,
		Failed:     run.Failed,
	}
	buf, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook status %d", resp.StatusCode)
	}
	return nil
}
