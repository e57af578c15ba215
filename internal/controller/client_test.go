package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"call_audit/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeWorker(t *testing.T, busyPolls int32) (*httptest.Server, *jobs.StartRequest) {
	t.Helper()
	var polls atomic.Int32
	var got jobs.StartRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /batch/start", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"message": "Batch processing started", "batchId": "b-42"})
	})
	mux.HandleFunc("GET /batch/status", func(w http.ResponseWriter, r *http.Request) {
		n := polls.Add(1)
		snap := jobs.Snapshot{BatchID: "b-42", Total: 4, Processed: int(n), Successful: int(n)}
		if n > busyPolls {
			snap = jobs.Snapshot{BatchID: "b-42", Total: 4, Processed: 4, Successful: 3, Failed: 1}
		} else {
			snap.IsProcessing = true
		}
		json.NewEncoder(w).Encode(snap)
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"transcription":{"method":"whisper-cli","available":true},"inference":{"provider":"local","available":true},"processing":false}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestRunPollsUntilDone(t *testing.T) {
	srv, got := fakeWorker(t, 2)
	c := New(srv.URL+"/", 10*time.Millisecond)

	var seen []jobs.Snapshot
	final, err := c.Run(context.Background(), 4, "cloud", func(s jobs.Snapshot) { seen = append(seen, s) })
	require.NoError(t, err)
	assert.Equal(t, 4, got.BatchSize)
	assert.Equal(t, "cloud", got.Provider)
	assert.False(t, final.IsProcessing)
	assert.Equal(t, 3, final.Successful)
	assert.Equal(t, 1, final.Failed)
	assert.Len(t, seen, 3)
	assert.True(t, seen[0].IsProcessing)
}

func TestHealth(t *testing.T) {
	srv, _ := fakeWorker(t, 0)
	h, err := New(srv.URL, 0).Health(context.Background())
	require.NoError(t, err)
	assert.True(t, h.Transcription.Available)
	assert.Equal(t, "local", h.Inference.Provider)
}

func TestStartBatchConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"Batch processing already in progress"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, 0).Run(context.Background(), 1, "", nil)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestStartBatchUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"inference is not available","hint":"start LM Studio"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, 0).StartBatch(context.Background(), 1, "local")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "start LM Studio", apiErr.Hint)
	assert.Contains(t, err.Error(), "start LM Studio")
}

func TestRunHonorsContext(t *testing.T) {
	srv, _ := fakeWorker(t, 1000)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(srv.URL, 5*time.Millisecond).Run(ctx, 1, "", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunDetectsRestartedWorker(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /batch/start", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"message": "Batch processing started", "batchId": "b-42"})
	})
	mux.HandleFunc("GET /batch/status", func(w http.ResponseWriter, r *http.Request) {
		// A restarted worker has no memory of b-42.
		json.NewEncoder(w).Encode(jobs.Snapshot{})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := New(srv.URL, 5*time.Millisecond).Run(ctx, 1, "", nil)
	assert.ErrorIs(t, err, ErrBatchLost)
}
