package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/blackglass/coherence-sentinel/internal/models"
)

func remoteTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("DD-API-KEY") == "" || r.Header.Get("DD-APPLICATION-KEY") == "" {
			http.Error(w, `{"errors":["Forbidden"]}`, http.StatusForbidden)
			return
		}
		if strings.HasSuffix(r.URL.Path, "/validate") {
			w.WriteHeader(http.StatusOK)
			return
		}

		query := r.URL.Query().Get("query")
		var point string
		switch {
		case strings.Contains(query, "cpu.idle"):
			point = "[1717243260000, 80.0]"
		case strings.Contains(query, "mem.used"):
			point = "[1717243260000, 2147483648.0]"
		case strings.Contains(query, "packets_sent"):
			point = "[1717243260000, 25.0]"
		case strings.Contains(query, "packets_recv"):
			point = "[1717243260000, 10.0]"
		default:
			http.Error(w, `{"status":"error"}`, http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, `{"status":"ok","series":[{"metric":"m","scope":"host:web-01","pointlist":[%s]}]}`, point)
	}))
}

func newTestRemote(t *testing.T, baseURL string) *Remote {
	t.Helper()
	t.Setenv("TEST_DD_API_KEY", "api")
	t.Setenv("TEST_DD_APP_KEY", "app")
	r, err := NewRemote(RemoteConfig{
		BaseURL:    baseURL,
		APIKeyEnv:  "TEST_DD_API_KEY",
		AppKeyEnv:  "TEST_DD_APP_KEY",
		HostFilter: "host:web-01",
	}, discardLogger())
	if err != nil {
		t.Fatalf("new remote: %v", err)
	}
	return r
}

func TestRemoteFetchTranslatesSeries(t *testing.T) {
	srv := remoteTestServer(t)
	defer srv.Close()

	r := newTestRemote(t, srv.URL)
	sink := &captureSink{}
	r.fetchOnce(context.Background(), sink)

	if len(sink.records) != 4 {
		t.Fatalf("expected 4 records, got %d", len(sink.records))
	}
	byMetric := make(map[string]Record)
	for _, rec := range sink.records {
		if rec.Host != "host:web-01" {
			t.Fatalf("expected filter-derived host id, got %q", rec.Host)
		}
		byMetric[rec.Metric] = rec
	}

	if got := byMetric[models.MetricCPULoad]; got.Value != 20.0 || got.Kind != KindGauge {
		t.Fatalf("expected cpu 100-idle=20 gauge, got %+v", got)
	}
	if got := byMetric[models.MetricMemUsedMB]; got.Value != 2048.0 {
		t.Fatalf("expected mem 2048 MB, got %+v", got)
	}
	if got := byMetric[models.MetricNetTxPackets]; got.Value != 25.0 || got.Kind != KindRate {
		t.Fatalf("expected tx rate record, got %+v", got)
	}
	if ts := byMetric[models.MetricCPULoad].Timestamp; ts.Unix() != 1717243260 {
		t.Fatalf("expected millisecond point timestamp conversion, got %v", ts)
	}
}

func TestRemotePing(t *testing.T) {
	srv := remoteTestServer(t)
	defer srv.Close()

	r := newTestRemote(t, srv.URL)
	if err := r.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestRemotePingRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	r := newTestRemote(t, srv.URL)
	if err := r.Ping(context.Background()); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}

func TestRemoteMissingKeysIsConfigurationError(t *testing.T) {
	t.Setenv("TEST_DD_API_KEY", "")
	_, err := NewRemote(RemoteConfig{
		BaseURL:   "http://example.invalid",
		APIKeyEnv: "TEST_DD_API_KEY",
		AppKeyEnv: "TEST_DD_APP_KEY",
	}, discardLogger())
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if !errors.Is(err, ErrConnector) {
		t.Fatalf("expected connector taxonomy, got %v", err)
	}
}

func TestRemoteSkipsFailedQueries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("query")
		if strings.Contains(query, "cpu.idle") {
			fmt.Fprint(w, `{"status":"ok","series":[{"metric":"m","scope":"s","pointlist":[[1717243260, 55.0]]}]}`)
			return
		}
		http.Error(w, `{"errors":["boom"]}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := newTestRemote(t, srv.URL)
	sink := &captureSink{}
	r.fetchOnce(context.Background(), sink)

	if len(sink.records) != 1 {
		t.Fatalf("expected only the healthy query to emit, got %d", len(sink.records))
	}
	if sink.records[0].Metric != models.MetricCPULoad || sink.records[0].Value != 45.0 {
		t.Fatalf("unexpected record: %+v", sink.records[0])
	}
}
