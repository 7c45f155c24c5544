package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the sentinel.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Window      WindowConfig      `yaml:"window"`
	Detection   DetectionConfig   `yaml:"detection"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Sentinel    SentinelConfig    `yaml:"sentinel"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Playbook    PlaybookConfig    `yaml:"playbook"`
}

// ServerConfig controls the HTTP listeners.
type ServerConfig struct {
	APIAddress      string        `yaml:"apiAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// WindowConfig controls rolling-window geometry.
type WindowConfig struct {
	Capacity         int           `yaml:"capacity"`
	Span             time.Duration `yaml:"span"`
	WarmupMinSamples int           `yaml:"warmupMinSamples"`
}

// DetectionConfig carries the fixed detection thresholds and the enhanced
// detector rollout switches.
type DetectionConfig struct {
	Enhanced           bool     `yaml:"enhanced"`
	EnhancedHosts      []string `yaml:"enhancedHosts"`
	SeizureFactor      float64  `yaml:"seizureFactor"`
	CPUBaselineStdDev  float64  `yaml:"cpuBaselineStddev"`
	CPUNominalMean     float64  `yaml:"cpuNominalMean"`
	CPUNominalBand     float64  `yaml:"cpuNominalBand"`
	FeverRateLimitMBs  float64  `yaml:"feverRateLimitMBs"`
	AmplificationLimit float64  `yaml:"amplificationLimit"`
	BrainZThreshold    float64  `yaml:"brainZThreshold"`
	BrainMinSamples    int      `yaml:"brainMinSamples"`
}

// CorrelationConfig controls incident grouping.
type CorrelationConfig struct {
	GraceWindow  time.Duration       `yaml:"graceWindow"`
	HostGroups   map[string][]string `yaml:"hostGroups"`
	RiskStrategy string              `yaml:"riskStrategy"`
	HistoryCap   int                 `yaml:"historyCap"`
}

// SentinelConfig controls the evaluation loop and veto derivation.
type SentinelConfig struct {
	PollInterval    time.Duration `yaml:"pollInterval"`
	SeverityFloor   float64       `yaml:"severityFloor"`
	VetoFloor       float64       `yaml:"vetoFloor"`
	MaxSignalLag    time.Duration `yaml:"maxSignalLag"`
	FlapWindow      int           `yaml:"flapWindow"`
	FlapTransitions int           `yaml:"flapTransitions"`
	ProfileInterval time.Duration `yaml:"profileInterval"`
}

// IngestConfig selects and configures the telemetry source.
type IngestConfig struct {
	Source       string       `yaml:"source"`
	QueueSize    int          `yaml:"queueSize"`
	Workers      int          `yaml:"workers"`
	AllowedHosts []string     `yaml:"allowedHosts"`
	Sim          SimConfig    `yaml:"sim"`
	Local        LocalConfig  `yaml:"local"`
	Scrape       ScrapeConfig `yaml:"scrape"`
	Remote       RemoteConfig `yaml:"remote"`
}

// SimConfig configures the deterministic scenario generator.
type SimConfig struct {
	Host          string        `yaml:"host"`
	Interval      time.Duration `yaml:"interval"`
	Seed          int64         `yaml:"seed"`
	AmplifyFrom   int           `yaml:"amplifyFrom"`
	AmplifyUntil  int           `yaml:"amplifyUntil"`
	AmplifyFactor float64       `yaml:"amplifyFactor"`
}

// LocalConfig configures the in-process machine sensor.
type LocalConfig struct {
	Host     string        `yaml:"host"`
	Interval time.Duration `yaml:"interval"`
}

// ScrapeConfig configures the Prometheus exposition puller.
type ScrapeConfig struct {
	Endpoint           string            `yaml:"endpoint"`
	Host               string            `yaml:"host"`
	Interval           time.Duration     `yaml:"interval"`
	Timeout            time.Duration     `yaml:"timeout"`
	Metrics            map[string]string `yaml:"metrics"`
	Auth               ScrapeAuthConfig  `yaml:"auth"`
	InsecureSkipVerify bool              `yaml:"insecureSkipVerify"`
	RatePerSec         float64           `yaml:"ratePerSec"`
	Burst              int               `yaml:"burst"`
}

// ScrapeAuthConfig configures scrape endpoint authentication. Secrets are
// resolved from the environment, never stored in the file.
type ScrapeAuthConfig struct {
	Mode        string `yaml:"mode"`
	Header      string `yaml:"header"`
	KeyEnv      string `yaml:"keyEnv"`
	TokenEnv    string `yaml:"tokenEnv"`
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"passwordEnv"`
}

// RemoteConfig configures the hosted metrics API connector.
type RemoteConfig struct {
	BaseURL    string        `yaml:"baseURL"`
	APIKeyEnv  string        `yaml:"apiKeyEnv"`
	AppKeyEnv  string        `yaml:"appKeyEnv"`
	HostFilter string        `yaml:"hostFilter"`
	Host       string        `yaml:"host"`
	Lag        time.Duration `yaml:"lag"`
	Lookback   time.Duration `yaml:"lookback"`
	Interval   time.Duration `yaml:"interval"`
	Timeout    time.Duration `yaml:"timeout"`
	RatePerSec float64       `yaml:"ratePerSec"`
	Burst      int           `yaml:"burst"`
}

// PlaybookConfig controls advisory rule-pack loading.
type PlaybookConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// Load initialises Config from a YAML file and optional environment
// overrides. An empty path falls back to COHERENCE_CONFIG.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("COHERENCE_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			APIAddress:      ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Window: WindowConfig{
			Capacity:         60,
			Span:             0,
			WarmupMinSamples: 5,
		},
		Detection: DetectionConfig{
			Enhanced:           false,
			SeizureFactor:      2.0,
			CPUBaselineStdDev:  5.0,
			CPUNominalMean:     45.0,
			CPUNominalBand:     25.0,
			FeverRateLimitMBs:  100.0,
			AmplificationLimit: 1.1,
			BrainZThreshold:    3.0,
			BrainMinSamples:    12,
		},
		Correlation: CorrelationConfig{
			GraceWindow:  60 * time.Second,
			RiskStrategy: "mean",
			HistoryCap:   256,
		},
		Sentinel: SentinelConfig{
			PollInterval:    time.Second,
			SeverityFloor:   0.0,
			VetoFloor:       1.0,
			MaxSignalLag:    300 * time.Second,
			FlapWindow:      10,
			FlapTransitions: 3,
			ProfileInterval: 60 * time.Second,
		},
		Ingest: IngestConfig{
			Source:    "sim",
			QueueSize: 1024,
			Workers:   4,
			Sim: SimConfig{
				Host:          "sim-host-1",
				Interval:      time.Second,
				Seed:          42,
				AmplifyFactor: 4.0,
			},
			Local: LocalConfig{Interval: time.Second},
			Scrape: ScrapeConfig{
				Interval:   5 * time.Second,
				Timeout:    10 * time.Second,
				RatePerSec: 2,
				Burst:      4,
			},
			Remote: RemoteConfig{
				APIKeyEnv:  "DATADOG_API_KEY",
				AppKeyEnv:  "DATADOG_APP_KEY",
				HostFilter: "*",
				Lag:        60 * time.Second,
				Lookback:   300 * time.Second,
				Interval:   15 * time.Second,
				Timeout:    10 * time.Second,
				RatePerSec: 1,
				Burst:      2,
			},
		},
		Playbook: PlaybookConfig{Path: "", Watch: false},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("COHERENCE_API_ADDRESS"); v != "" {
		cfg.Server.APIAddress = v
	}
	if v := os.Getenv("COHERENCE_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("COHERENCE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("COHERENCE_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("COHERENCE_INGEST_SOURCE"); v != "" {
		cfg.Ingest.Source = v
	}
	if v := os.Getenv("COHERENCE_INGEST_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ingest.Workers = n
		}
	}
	if v := os.Getenv("COHERENCE_SCRAPE_ENDPOINT"); v != "" {
		cfg.Ingest.Scrape.Endpoint = v
	}
	if v := os.Getenv("COHERENCE_REMOTE_BASE_URL"); v != "" {
		cfg.Ingest.Remote.BaseURL = v
	}
	if v := os.Getenv("COHERENCE_REMOTE_HOST_FILTER"); v != "" {
		cfg.Ingest.Remote.HostFilter = v
	}
	if v := os.Getenv("COHERENCE_PLAYBOOK_PATH"); v != "" {
		cfg.Playbook.Path = v
	}
	if v := os.Getenv("COHERENCE_PLAYBOOK_WATCH"); v != "" {
		cfg.Playbook.Watch = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("COHERENCE_ENHANCED"); v != "" {
		cfg.Detection.Enhanced = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("COHERENCE_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sentinel.PollInterval = d
		}
	}
	if v := os.Getenv("COHERENCE_VETO_FLOOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Sentinel.VetoFloor = f
		}
	}
	if v := os.Getenv("COHERENCE_GRACE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Correlation.GraceWindow = d
		}
	}
}

// Validate rejects configurations the engines cannot run with. Called once at
// startup before anything is wired.
func (c *Config) Validate() error {
	if c.Server.APIAddress == "" {
		return fmt.Errorf("server.apiAddress must be set")
	}
	if c.Server.MetricsAddress == "" {
		return fmt.Errorf("server.metricsAddress must be set")
	}
	if c.Server.GracefulTimeout <= 0 {
		return fmt.Errorf("server.gracefulTimeout must be positive")
	}

	if c.Window.Capacity < 2 {
		return fmt.Errorf("window.capacity must be at least 2, got %d", c.Window.Capacity)
	}
	if c.Window.Span < 0 {
		return fmt.Errorf("window.span must not be negative")
	}
	if c.Window.WarmupMinSamples < 1 {
		return fmt.Errorf("window.warmupMinSamples must be at least 1")
	}

	if c.Detection.SeizureFactor <= 0 {
		return fmt.Errorf("detection.seizureFactor must be positive")
	}
	if c.Detection.CPUBaselineStdDev <= 0 {
		return fmt.Errorf("detection.cpuBaselineStddev must be positive")
	}
	if c.Detection.CPUNominalBand < 0 {
		return fmt.Errorf("detection.cpuNominalBand must not be negative")
	}
	if c.Detection.FeverRateLimitMBs <= 0 {
		return fmt.Errorf("detection.feverRateLimitMBs must be positive")
	}
	if c.Detection.AmplificationLimit <= 0 {
		return fmt.Errorf("detection.amplificationLimit must be positive")
	}
	if c.Detection.Enhanced {
		if c.Detection.BrainZThreshold <= 0 {
			return fmt.Errorf("detection.brainZThreshold must be positive")
		}
		if c.Detection.BrainMinSamples < 2 {
			return fmt.Errorf("detection.brainMinSamples must be at least 2")
		}
	}

	if c.Correlation.GraceWindow <= 0 {
		return fmt.Errorf("correlation.graceWindow must be positive")
	}
	switch c.Correlation.RiskStrategy {
	case "", "mean", "max":
	default:
		return fmt.Errorf("correlation.riskStrategy must be mean or max, got %q", c.Correlation.RiskStrategy)
	}
	if c.Correlation.HistoryCap < 0 {
		return fmt.Errorf("correlation.historyCap must not be negative")
	}

	if c.Sentinel.PollInterval <= 0 {
		return fmt.Errorf("sentinel.pollInterval must be positive")
	}
	if c.Sentinel.SeverityFloor < 0 {
		return fmt.Errorf("sentinel.severityFloor must not be negative")
	}
	if c.Sentinel.VetoFloor <= c.Sentinel.SeverityFloor {
		return fmt.Errorf("sentinel.vetoFloor must exceed severityFloor")
	}
	if c.Sentinel.MaxSignalLag <= 0 {
		return fmt.Errorf("sentinel.maxSignalLag must be positive")
	}
	if c.Sentinel.FlapWindow < 2 {
		return fmt.Errorf("sentinel.flapWindow must be at least 2")
	}
	if c.Sentinel.FlapTransitions < 1 {
		return fmt.Errorf("sentinel.flapTransitions must be at least 1")
	}
	if c.Sentinel.ProfileInterval <= 0 {
		return fmt.Errorf("sentinel.profileInterval must be positive")
	}

	if c.Ingest.QueueSize < 1 {
		return fmt.Errorf("ingest.queueSize must be at least 1")
	}
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("ingest.workers must be at least 1")
	}
	switch c.Ingest.Source {
	case "sim", "local":
	case "scrape":
		if c.Ingest.Scrape.Endpoint == "" {
			return fmt.Errorf("ingest.scrape.endpoint is required for the scrape source")
		}
	case "remote":
		if c.Ingest.Remote.BaseURL == "" {
			return fmt.Errorf("ingest.remote.baseURL is required for the remote source")
		}
	default:
		return fmt.Errorf("ingest.source must be sim, local, scrape or remote, got %q", c.Ingest.Source)
	}

	return nil
}
