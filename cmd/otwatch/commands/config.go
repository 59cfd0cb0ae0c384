package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"time"

	"otwatch/internal/components/chrono"
	"otwatch/internal/components/telemetry"
	"otwatch/internal/huntbot"
	"otwatch/internal/scrapers/otserv"
	"otwatch/internal/snapshot"
	"otwatch/internal/tracker"
	"otwatch/pkg/configutil"

	"github.com/robfig/cron/v3"
)

type SiteConfig struct {
	BaseURL string `json:"base_url"`
	World   string `json:"world"`
	// DeathsPath and RosterPath are relative to BaseURL, "{world}" is
	// replaced by the world name.
	DeathsPath      string  `json:"deaths_path"`
	RosterPath      string  `json:"roster_path"`
	Layout          string  `json:"layout"`
	SubmitWorldForm bool    `json:"submit_world_form"`
	DelayMinSeconds float64 `json:"delay_min_seconds"`
	DelayMaxSeconds float64 `json:"delay_max_seconds"`
}

type FetcherConfig struct {
	// Kind is "http" or "browser".
	Kind                string   `json:"kind"`
	Proxy               string   `json:"proxy"`
	TimeoutSeconds      float64  `json:"timeout_seconds"`
	RetryCount          int      `json:"retry_count"`
	RetryWaitSeconds    float64  `json:"retry_wait_seconds"`
	RetryMaxWaitSeconds float64  `json:"retry_max_wait_seconds"`
	RequestsPerSecond   float64  `json:"requests_per_second"`
	UserAgents          []string `json:"user_agents"`
	DumpDir             string   `json:"dump_dir"`
	ChromePath          string   `json:"chrome_path"`
}

type TorConfig struct {
	// ControlAddress enables rotating the circuit between the two pages.
	ControlAddress  string  `json:"control_address"`
	ControlPassword string  `json:"control_password"`
	SettleSeconds   float64 `json:"settle_seconds"`
	// ProbeTarget is dialed through the proxy before a run, the proxy is
	// dropped when it cannot be reached.
	ProbeTarget string `json:"probe_target"`
}

type LevelsConfig struct {
	// Backend is "json" or "sqlite".
	Backend string `json:"backend"`
	Path    string `json:"path"`
}

type OutputConfig struct {
	Dir     string       `json:"dir"`
	Prefix  string       `json:"prefix"`
	Scraper string       `json:"scraper"`
	Levels  LevelsConfig `json:"levels"`
}

type TelemetryConfig struct {
	LogLevel string               `json:"log_level"`
	Otlp     telemetry.OtlpConfig `json:"otlp"`
}

type WatchConfig struct {
	Cron string `json:"cron"`
}

type HuntbotConfig struct {
	Spots map[string]string `json:"spots"`
}

type Config struct {
	Timezone  string          `json:"timezone"`
	Site      SiteConfig      `json:"site"`
	Fetcher   FetcherConfig   `json:"fetcher"`
	Tor       TorConfig       `json:"tor"`
	Output    OutputConfig    `json:"output"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Watch     WatchConfig     `json:"watch"`
	Huntbot   HuntbotConfig   `json:"huntbot"`
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func DefaultConfig() Config {
	client := otserv.DefaultOptions()
	return Config{
		Timezone: chrono.DefaultLocation,
		Site: SiteConfig{
			BaseURL:         "https://rubinot.com.br/",
			World:           "Mystian",
			DeathsPath:      "?subtopic=latestdeaths",
			RosterPath:      "?subtopic=worlds&world={world}",
			Layout:          string(tracker.LayoutAuto),
			DelayMinSeconds: 2,
			DelayMaxSeconds: 5,
		},
		Fetcher: FetcherConfig{
			Kind:                "http",
			TimeoutSeconds:      client.Timeout.Seconds(),
			RetryCount:          client.RetryCount,
			RetryWaitSeconds:    client.RetryWait.Seconds(),
			RetryMaxWaitSeconds: client.RetryMaxWait.Seconds(),
			RequestsPerSecond:   client.RequestsPerSecond,
		},
		Tor: TorConfig{
			SettleSeconds: 5,
			ProbeTarget:   "httpbin.org:80",
		},
		Output: OutputConfig{
			Dir:     ".",
			Prefix:  "rubinot",
			Scraper: "otwatch",
			Levels: LevelsConfig{
				Backend: "json",
				Path:    "previous_levels.json",
			},
		},
		Telemetry: TelemetryConfig{LogLevel: "info"},
		Watch:     WatchConfig{Cron: "*/15 * * * *"},
		Huntbot:   HuntbotConfig{Spots: maps.Clone(huntbot.DefaultSpots)},
	}
}

// Validate checks the values the commands cannot recover from.
func (c Config) Validate() error {
	var errs []error
	if c.Site.BaseURL == "" {
		errs = append(errs, errors.New("site.base_url is required"))
	}
	if c.Site.World == "" {
		errs = append(errs, errors.New("site.world is required"))
	}
	_, err := tracker.ParseDeathLayout(c.Site.Layout)
	if err != nil {
		errs = append(errs, fmt.Errorf("site.layout: %w", err))
	}
	if c.Site.DelayMinSeconds < 0 || c.Site.DelayMaxSeconds < c.Site.DelayMinSeconds {
		errs = append(errs, fmt.Errorf(
			"site delays must satisfy 0 <= min <= max, got %v and %v",
			c.Site.DelayMinSeconds, c.Site.DelayMaxSeconds,
		))
	}
	_, err = cron.ParseStandard(c.Watch.Cron)
	if err != nil {
		errs = append(errs, fmt.Errorf("watch.cron: %w", err))
	}
	switch c.Fetcher.Kind {
	case "http", "browser":
	default:
		errs = append(errs, fmt.Errorf("fetcher.kind must be http or browser, got %q", c.Fetcher.Kind))
	}
	switch c.Output.Levels.Backend {
	case "json", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("output.levels.backend must be json or sqlite, got %q", c.Output.Levels.Backend))
	}
	return errors.Join(errs...)
}

func (c Config) TrackerOptions() tracker.Options {
	layout, _ := tracker.ParseDeathLayout(c.Site.Layout)
	return tracker.Options{
		BaseURL:         c.Site.BaseURL,
		World:           c.Site.World,
		DeathsPath:      c.Site.DeathsPath,
		RosterPath:      c.Site.RosterPath,
		Layout:          layout,
		SubmitWorldForm: c.Site.SubmitWorldForm,
		DelayMin:        seconds(c.Site.DelayMinSeconds),
		DelayMax:        seconds(c.Site.DelayMaxSeconds),
	}
}

func (c Config) ClientOptions() otserv.Options {
	options := otserv.DefaultOptions()
	options.BaseURL = c.Site.BaseURL
	options.Timeout = seconds(c.Fetcher.TimeoutSeconds)
	options.RetryCount = c.Fetcher.RetryCount
	options.RetryWait = seconds(c.Fetcher.RetryWaitSeconds)
	options.RetryMaxWait = seconds(c.Fetcher.RetryMaxWaitSeconds)
	options.RequestsPerSecond = c.Fetcher.RequestsPerSecond
	options.Proxy = c.Fetcher.Proxy
	options.DumpDir = c.Fetcher.DumpDir
	if len(c.Fetcher.UserAgents) > 0 {
		options.UserAgents = c.Fetcher.UserAgents
	}
	return options
}

func (c Config) StoreOptions() snapshot.Options {
	return snapshot.Options{
		Dir:     c.Output.Dir,
		Prefix:  c.Output.Prefix,
		World:   c.Site.World,
		Scraper: c.Output.Scraper,
	}
}

// loadConfig reads the config named by --config, a missing file runs with
// the defaults.
func loadConfig() (Config, error) {
	read := configutil.ReadRecursively[Config]
	if filepath.IsAbs(*configPath) {
		read = configutil.ReadConfig[Config]
	}
	cfg, err := read(*configPath, DefaultConfig())
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("no config file found, using defaults", "name", *configPath)
		err = nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	err = cfg.Validate()
	if err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
