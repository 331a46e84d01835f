package training

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Record is one tracking report: the latest scalar values of a run at a
// given point in training.
type Record struct {
	RunID   string             `json:"run_id"`
	RunName string             `json:"run_name"`
	Epoch   int                `json:"epoch"`
	Step    int                `json:"step"`
	Time    time.Time          `json:"time"`
	Values  map[string]float64 `json:"values"`
}

// TrackingSink receives training reports for an external dashboard.
type TrackingSink interface {
	Log(r Record) error
	Flush(ctx context.Context) error
}

// NopSink discards all records.
type NopSink struct{}

func (NopSink) Log(Record) error { return nil }
func (NopSink) Flush(context.Context) error { return nil }

// TrackingConfig contains configuration for the HTTP tracking sink
type TrackingConfig struct {
	BaseURL       string        `json:"base_url" toml:"base_url"`
	Timeout       time.Duration `json:"timeout" toml:"timeout"`
	RetryAttempts int           `json:"retry_attempts" toml:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay" toml:"retry_delay"`
	BatchSize     int           `json:"batch_size" toml:"batch_size"`
}

// DefaultTrackingConfig returns default configuration for the tracking sink
func DefaultTrackingConfig() TrackingConfig {
	return TrackingConfig{
		BaseURL:       "http://localhost:8080",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
		BatchSize:     16,
	}
}

// TrackingResponse represents the response from the tracking service
type TrackingResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	ViewURL string `json:"view_url,omitempty"`
}

// HTTPTrackingSink posts records as JSON batches to a tracking service. Records
// are buffered until BatchSize is reached or Flush is called.
type HTTPTrackingSink struct {
	config     TrackingConfig
	httpClient *http.Client

	mu      sync.Mutex
	pending []Record
}

func NewHTTPTrackingSink(config TrackingConfig) *HTTPTrackingSink {
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	return &HTTPTrackingSink{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Log buffers r and sends the buffer once it is full.
func (s *HTTPTrackingSink) Log(r Record) error {
	s.mu.Lock()
	s.pending = append(s.pending, r)
	full := len(s.pending) >= s.config.BatchSize
	s.mu.Unlock()

	if !full {
		return nil
	}
	return s.Flush(context.Background())
}

// Flush sends all buffered records. On failure the records stay buffered.
func (s *HTTPTrackingSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil
	}
	if _, err := s.postWithRetry(ctx, "/api/runs/log", s.pending); err != nil {
		return err
	}
	s.pending = s.pending[:0]
	return nil
}

// SendPlot uploads plot data to the service.
func (s *HTTPTrackingSink) SendPlot(ctx context.Context, plot PlotData) (*TrackingResponse, error) {
	return s.postWithRetry(ctx, "/api/plot", plot)
}

// CheckHealth checks if the tracking service is available
func (s *HTTPTrackingSink) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

func (s *HTTPTrackingSink) postWithRetry(ctx context.Context, path string, payload any) (*TrackingResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tracking payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < s.config.RetryAttempts; attempt++ {
		resp, err := s.post(ctx, path, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		// Wait before retry (except for the last attempt)
		if attempt < s.config.RetryAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.config.RetryDelay):
			}
		}
	}

	return nil, fmt.Errorf("failed to send to %s after %d attempts: %w", path, s.config.RetryAttempts, lastErr)
}

func (s *HTTPTrackingSink) post(ctx context.Context, path string, body []byte) (*TrackingResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "spectrain")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var out TrackingResponse
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &out); err != nil {
			return nil, fmt.Errorf("failed to parse response JSON: %w", err)
		}
	}

	if resp.StatusCode != http.StatusOK {
		return &out, fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, out.Message)
	}
	return &out, nil
}
