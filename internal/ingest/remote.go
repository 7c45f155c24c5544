package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/blackglass/coherence-sentinel/internal/models"
)

// Connector error taxonomy. Configuration faults are fatal at startup;
// transport and rate-limit faults are retried on the next cycle.
var (
	ErrConnector     = errors.New("connector")
	ErrConfiguration = fmt.Errorf("%w: configuration", ErrConnector)
	ErrRateLimited   = fmt.Errorf("%w: rate limited", ErrConnector)
)

// RemoteConfig tunes the read-only monitoring API adapter. Credentials are
// referenced by environment variable name only.
type RemoteConfig struct {
	BaseURL   string
	APIKeyEnv string
	AppKeyEnv string
	// HostFilter scopes the timeseries queries, e.g. "host:web-01" or "*".
	HostFilter string
	// Host is the host id attributed to fetched samples. Defaults to the
	// filter when it names a single host.
	Host string
	// Lag shifts the query window into the past so unfilled points at the
	// head of the series are avoided.
	Lag      time.Duration
	Lookback time.Duration
	Interval time.Duration
	Timeout  time.Duration

	RatePerSec float64
	Burst      int
}

type remoteQuery struct {
	query     string
	metric    string
	kind      Kind
	transform func(float64) float64
}

// Remote pulls host telemetry from a Datadog-style JSON query API. Only the
// read path is implemented; there is nothing here that can mutate the
// monitored system. Packet metrics arrive as per-second rates and are
// emitted as rate records for the normalizer to integrate.
type Remote struct {
	cfg     RemoteConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	queries []remoteQuery
}

// NewRemote builds the adapter and validates its credentials without making
// a network call.
func NewRemote(cfg RemoteConfig, logger *slog.Logger) (*Remote, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: baseURL required", ErrConfiguration)
	}
	if cfg.APIKeyEnv == "" {
		cfg.APIKeyEnv = "DATADOG_API_KEY"
	}
	if cfg.AppKeyEnv == "" {
		cfg.AppKeyEnv = "DATADOG_APP_KEY"
	}
	if os.Getenv(cfg.APIKeyEnv) == "" {
		return nil, fmt.Errorf("%w: api key missing, set %s", ErrConfiguration, cfg.APIKeyEnv)
	}
	if os.Getenv(cfg.AppKeyEnv) == "" {
		return nil, fmt.Errorf("%w: app key missing, set %s", ErrConfiguration, cfg.AppKeyEnv)
	}
	if cfg.HostFilter == "" {
		cfg.HostFilter = "*"
	}
	if cfg.Host == "" {
		if cfg.HostFilter != "*" {
			cfg.Host = cfg.HostFilter
		} else {
			cfg.Host = "remote-host-1"
		}
	}
	if cfg.Lag <= 0 {
		cfg.Lag = 60 * time.Second
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 300 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 2
	}
	if logger == nil {
		logger = slog.Default()
	}

	filter := cfg.HostFilter
	queries := []remoteQuery{
		{
			query:     fmt.Sprintf("avg:system.cpu.idle{%s}", filter),
			metric:    models.MetricCPULoad,
			kind:      KindGauge,
			transform: func(idle float64) float64 { return 100.0 - idle },
		},
		{
			query:     fmt.Sprintf("avg:system.mem.used{%s}", filter),
			metric:    models.MetricMemUsedMB,
			kind:      KindGauge,
			transform: func(bytes float64) float64 { return bytes / 1024.0 / 1024.0 },
		},
		{
			query:  fmt.Sprintf("avg:system.net.packets_sent{%s}", filter),
			metric: models.MetricNetTxPackets,
			kind:   KindRate,
		},
		{
			query:  fmt.Sprintf("avg:system.net.packets_recv{%s}", filter),
			metric: models.MetricNetRxPackets,
			kind:   KindRate,
		},
	}

	return &Remote{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		logger:  logger,
		queries: queries,
	}, nil
}

func (r *Remote) Name() string { return "remote" }

// Ping verifies connectivity and credentials with a lightweight validation
// call. Called once at startup; a failure aborts boot.
func (r *Remote) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.BaseURL+"/api/v1/validate", nil)
	if err != nil {
		return fmt.Errorf("%w: build ping: %v", ErrConnector, err)
	}
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: ping: %v", ErrConnector, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: ping status %d", ErrConnector, resp.StatusCode)
	}
	return nil
}

// Run fetches once immediately and then once per interval until ctx is
// cancelled.
func (r *Remote) Run(ctx context.Context, sink Sink) error {
	r.logger.Info("remote adapter started",
		slog.String("base_url", r.cfg.BaseURL), slog.String("host", r.cfg.Host))

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.fetchOnce(ctx, sink)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.fetchOnce(ctx, sink)
		}
	}
}

func (r *Remote) fetchOnce(ctx context.Context, sink Sink) {
	end := time.Now().Add(-r.cfg.Lag)
	start := end.Add(-r.cfg.Lookback)

	for _, q := range r.queries {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		ts, value, err := r.queryLast(ctx, q.query, start, end)
		if err != nil {
			level := slog.LevelWarn
			if errors.Is(err, ErrRateLimited) {
				level = slog.LevelInfo
			}
			r.logger.Log(ctx, level, "remote query failed",
				slog.String("query", q.query), slog.Any("error", err))
			continue
		}
		if q.transform != nil {
			value = q.transform(value)
		}
		sink.Offer(Record{
			Host:      r.cfg.Host,
			Metric:    q.metric,
			Timestamp: ts,
			Value:     value,
			Kind:      q.kind,
		})
	}
}

type seriesResponse struct {
	Status string `json:"status"`
	Series []struct {
		Metric    string       `json:"metric"`
		Scope     string       `json:"scope"`
		PointList [][2]float64 `json:"pointlist"`
	} `json:"series"`
}

// queryLast runs one timeseries query and returns the newest point.
func (r *Remote) queryLast(ctx context.Context, query string, start, end time.Time) (time.Time, float64, error) {
	params := url.Values{}
	params.Set("from", strconv.FormatInt(start.Unix(), 10))
	params.Set("to", strconv.FormatInt(end.Unix(), 10))
	params.Set("query", query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.cfg.BaseURL+"/api/v1/query?"+params.Encode(), nil)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("%w: build query: %v", ErrConnector, err)
	}
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("%w: query: %v", ErrConnector, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return time.Time{}, 0, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return time.Time{}, 0, fmt.Errorf("%w: query status %d", ErrConnector, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("%w: read body: %v", ErrConnector, err)
	}
	var sr seriesResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return time.Time{}, 0, fmt.Errorf("%w: decode response: %v", ErrConnector, err)
	}
	if sr.Status != "" && sr.Status != "ok" {
		return time.Time{}, 0, fmt.Errorf("%w: query status %q", ErrConnector, sr.Status)
	}
	if len(sr.Series) == 0 || len(sr.Series[0].PointList) == 0 {
		return time.Time{}, 0, fmt.Errorf("%w: empty series", ErrConnector)
	}

	points := sr.Series[0].PointList
	last := points[len(points)-1]
	return pointTime(last[0]), last[1], nil
}

// pointTime converts an API point timestamp to time.Time. Values beyond
// 1e10 are taken as milliseconds.
func pointTime(v float64) time.Time {
	if v > 1e10 {
		return time.UnixMilli(int64(v)).UTC()
	}
	return time.Unix(int64(v), 0).UTC()
}

func (r *Remote) authorize(req *http.Request) {
	req.Header.Set("DD-API-KEY", os.Getenv(r.cfg.APIKeyEnv))
	req.Header.Set("DD-APPLICATION-KEY", os.Getenv(r.cfg.AppKeyEnv))
}
