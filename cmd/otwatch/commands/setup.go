package commands

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"otwatch/internal/components/chrono"
	"otwatch/internal/components/telemetry"
	"otwatch/internal/scrapers/otserv"
	"otwatch/internal/snapshot"
	"otwatch/internal/tracker"
	"otwatch/pkg/torctl"

	"go.opentelemetry.io/otel"
)

const (
	report_setup_otel  = "setup.otel"
	report_setup_proxy = "setup.proxy"
)

// app holds everything a command needs, close releases it.
type app struct {
	cfg       Config
	tel       telemetry.API
	clock     chrono.API
	providers telemetry.Telemetry

	closers []func(context.Context) error
}

func newApp(ctx context.Context, service string) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	clock, err := chrono.NewStandardImpl(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, clock: clock}
	var tel telemetry.API = telemetry.NewSlogAPI(os.Stderr, cfg.Telemetry.LogLevel)

	providers, err := telemetry.Setup(ctx, service, cfg.Telemetry.Otlp)
	if err != nil {
		tel.ReportWarning(report_setup_otel, err)
	} else {
		a.providers = providers
		a.closers = append(a.closers, providers.Shutdown)
		if providers.MeterProvider != nil {
			otelTel, err := telemetry.NewOtelAPI(tel, otel.Meter("otwatch"))
			if err != nil {
				tel.ReportWarning(report_setup_otel, err)
			} else {
				tel = otelTel
			}
		}
	}
	a.tel = tel

	return a, nil
}

// instrumentPerf exports process stats while ctx lives, it does nothing
// unless metrics are exported.
func (a *app) instrumentPerf(ctx context.Context) {
	if a.providers.MeterProvider == nil {
		return
	}
	err := telemetry.InstrumentPerfStats(ctx, otel.Meter("otwatch/perf"), a.tel, 30*time.Second)
	if err != nil {
		a.tel.ReportWarning(report_setup_otel, err)
	}
}

// close runs on its own deadline, the command context is usually cancelled
// by then.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		err := a.closers[i](ctx)
		if err != nil {
			a.tel.ReportWarning("close", err)
		}
	}
}

// socksAddress returns host:port of a socks5 proxy url.
func socksAddress(proxy string) (string, bool) {
	u, err := url.Parse(proxy)
	if err != nil {
		return "", false
	}
	if !strings.HasPrefix(u.Scheme, "socks5") {
		return "", false
	}
	return u.Host, u.Host != ""
}

// checkProxy probes a socks proxy and clears it from cfg when it cannot be
// reached, runs then go out directly instead of failing every request.
func (a *app) checkProxy(ctx context.Context) {
	addr, ok := socksAddress(a.cfg.Fetcher.Proxy)
	if !ok || a.cfg.Tor.ProbeTarget == "" {
		return
	}
	err := torctl.Probe(ctx, addr, a.cfg.Tor.ProbeTarget)
	if err != nil {
		a.tel.ReportWarning(report_setup_proxy, "proxy unusable, continuing without it", err)
		a.cfg.Fetcher.Proxy = ""
		return
	}
	a.tel.ReportDebug("proxy reachable", telemetry.KV{Key: "proxy", Value: addr})
}

func (a *app) fetcher() (tracker.Fetcher, error) {
	if a.cfg.Fetcher.Kind == "browser" {
		return otserv.NewBrowserFetcher(otserv.BrowserOptions{
			Timeout:  seconds(a.cfg.Fetcher.TimeoutSeconds),
			Proxy:    a.cfg.Fetcher.Proxy,
			ExecPath: a.cfg.Fetcher.ChromePath,
		}, a.tel), nil
	}
	return otserv.NewClient(a.cfg.ClientOptions(), a.tel)
}

// levelBackend never fails, an unusable level map degrades to an empty one
// when it is loaded.
func (a *app) levelBackend() snapshot.LevelBackend {
	path := a.cfg.Output.Levels.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(a.cfg.Output.Dir, path)
	}

	if a.cfg.Output.Levels.Backend == "sqlite" {
		levels := snapshot.NewSQLiteLevels(path)
		a.closers = append(a.closers, func(context.Context) error {
			return levels.Close()
		})
		return levels
	}
	return snapshot.JSONLevels{Path: path}
}

func (a *app) tracker(ctx context.Context) (*tracker.Tracker, error) {
	a.checkProxy(ctx)

	fetcher, err := a.fetcher()
	if err != nil {
		return nil, fmt.Errorf("create fetcher: %w", err)
	}
	store := snapshot.NewStore(a.cfg.StoreOptions(), a.levelBackend(), a.tel)

	t := tracker.NewTracker(a.cfg.TrackerOptions(), fetcher, store, a.tel, a.clock)
	// rotating only makes sense while going through the proxy
	if a.cfg.Tor.ControlAddress != "" && a.cfg.Fetcher.Proxy != "" {
		t.Rotator = torctl.Controller{
			Address:  a.cfg.Tor.ControlAddress,
			Password: a.cfg.Tor.ControlPassword,
			Settle:   seconds(a.cfg.Tor.SettleSeconds),
		}
	}
	return t, nil
}
