package training

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type trackingServer struct {
	*httptest.Server
	mu       sync.Mutex
	batches  [][]Record
	requests atomic.Int32
	failures int32 // leading requests answered with 500
	agent    string
}

func newTrackingServer(t *testing.T, failures int32) *trackingServer {
	t.Helper()
	ts := &trackingServer{failures: failures}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/runs/log", func(w http.ResponseWriter, r *http.Request) {
		n := ts.requests.Add(1)
		ts.mu.Lock()
		ts.agent = r.Header.Get("User-Agent")
		ts.mu.Unlock()
		if n <= ts.failures {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(TrackingResponse{Message: "busy"})
			return
		}
		var batch []Record
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			t.Errorf("Invalid batch payload: %v", err)
		}
		ts.mu.Lock()
		ts.batches = append(ts.batches, batch)
		ts.mu.Unlock()
		_ = json.NewEncoder(w).Encode(TrackingResponse{Success: true})
	})
	mux.HandleFunc("/api/plot", func(w http.ResponseWriter, r *http.Request) {
		var pd PlotData
		if err := json.NewDecoder(r.Body).Decode(&pd); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(TrackingResponse{Success: true, ViewURL: "/plots/" + pd.ModelName})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ts.Server = httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func (ts *trackingServer) received() [][]Record {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([][]Record(nil), ts.batches...)
}

func (ts *trackingServer) userAgent() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.agent
}

func testTrackingConfig(url string) TrackingConfig {
	cfg := DefaultTrackingConfig()
	cfg.BaseURL = url
	cfg.Timeout = 5 * time.Second
	cfg.RetryDelay = time.Millisecond
	cfg.BatchSize = 2
	return cfg
}

func record(epoch int) Record {
	return Record{RunID: "r1", Epoch: epoch, Values: map[string]float64{"train_loss": float64(epoch)}}
}

func TestHTTPTrackingSink(t *testing.T) {
	t.Run("Batches records", func(t *testing.T) {
		srv := newTrackingServer(t, 0)
		sink := NewHTTPTrackingSink(testTrackingConfig(srv.URL))

		_ = sink.Log(record(0))
		if len(srv.received()) != 0 {
			t.Fatal("Batch sent before it was full")
		}
		if err := sink.Log(record(1)); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
		if len(srv.received()) != 1 || len(srv.received()[0]) != 2 {
			t.Fatalf("Expected one batch of 2, got %v", srv.received())
		}
		if srv.userAgent() != "spectrain" {
			t.Errorf("Unexpected User-Agent %q", srv.userAgent())
		}

		_ = sink.Log(record(2))
		if err := sink.Flush(context.Background()); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
		if len(srv.received()) != 2 || srv.received()[1][0].Epoch != 2 {
			t.Errorf("Expected partial batch flushed, got %v", srv.received())
		}
		if err := sink.Flush(context.Background()); err != nil || srv.requests.Load() != 2 {
			t.Errorf("Empty flush should not send a request")
		}
	})

	t.Run("Retries transient failures", func(t *testing.T) {
		srv := newTrackingServer(t, 2)
		sink := NewHTTPTrackingSink(testTrackingConfig(srv.URL))
		_ = sink.Log(record(0))
		if err := sink.Log(record(1)); err != nil {
			t.Fatalf("Expected retry to succeed, got %v", err)
		}
		if srv.requests.Load() != 3 {
			t.Errorf("Expected 3 attempts, got %d", srv.requests.Load())
		}
	})

	t.Run("Keeps records after failure", func(t *testing.T) {
		srv := newTrackingServer(t, 3)
		sink := NewHTTPTrackingSink(testTrackingConfig(srv.URL))
		_ = sink.Log(record(0))
		if err := sink.Log(record(1)); err == nil {
			t.Fatal("Expected error after exhausting retries")
		}
		if err := sink.Flush(context.Background()); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
		if len(srv.received()) != 1 || len(srv.received()[0]) != 2 {
			t.Errorf("Expected buffered records resent, got %v", srv.received())
		}
	})

	t.Run("Cancelled context stops retries", func(t *testing.T) {
		srv := newTrackingServer(t, 10)
		cfg := testTrackingConfig(srv.URL)
		cfg.RetryDelay = time.Hour
		sink := NewHTTPTrackingSink(cfg)
		_ = sink.Log(record(0))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		if err := sink.Flush(ctx); err == nil {
			t.Error("Expected cancellation error")
		}
	})

	t.Run("Send plot", func(t *testing.T) {
		srv := newTrackingServer(t, 0)
		sink := NewHTTPTrackingSink(testTrackingConfig(srv.URL))
		resp, err := sink.SendPlot(context.Background(), LossPlot("demo", []float64{1}, []float64{1}))
		if err != nil {
			t.Fatalf("SendPlot failed: %v", err)
		}
		if !resp.Success || resp.ViewURL != "/plots/demo" {
			t.Errorf("Unexpected response %+v", resp)
		}
	})

	t.Run("Health check", func(t *testing.T) {
		srv := newTrackingServer(t, 0)
		sink := NewHTTPTrackingSink(testTrackingConfig(srv.URL))
		if err := sink.CheckHealth(context.Background()); err != nil {
			t.Errorf("CheckHealth failed: %v", err)
		}

		down := NewHTTPTrackingSink(testTrackingConfig(srv.URL + "/missing"))
		if err := down.CheckHealth(context.Background()); err == nil {
			t.Error("Expected health check failure")
		}
	})
}
