package telemetry

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"go.opentelemetry.io/otel/metric"
)

const report_perf_cpu = "perf.cpu"

type perfStats struct {
	tel         API
	cpu         metric.Float64Gauge
	memory      metric.Int64Gauge
	liveObjects metric.Int64Gauge
	goroutines  metric.Int64Gauge
}

func newPerfStats(meter metric.Meter, tel API) (perfStats, error) {
	cpuGauge, err := meter.Float64Gauge("otwatch.cpu_usage", metric.WithUnit("%"))
	if err != nil {
		return perfStats{}, err
	}
	memoryGauge, err := meter.Int64Gauge("otwatch.allocated", metric.WithUnit("MB"))
	if err != nil {
		return perfStats{}, err
	}
	liveObjectsGauge, err := meter.Int64Gauge("otwatch.live_objects")
	if err != nil {
		return perfStats{}, err
	}
	goroutineGauge, err := meter.Int64Gauge("otwatch.goroutines")
	if err != nil {
		return perfStats{}, err
	}
	return perfStats{
		tel:         tel,
		cpu:         cpuGauge,
		memory:      memoryGauge,
		liveObjects: liveObjectsGauge,
		goroutines:  goroutineGauge,
	}, nil
}

func (p perfStats) record(ctx context.Context) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	// an interval of zero compares against the previous call
	usage, err := cpu.PercentWithContext(ctx, 0, false)
	if err == nil && len(usage) > 0 {
		p.cpu.Record(ctx, usage[0])
	} else if err != nil {
		p.tel.ReportWarning(report_perf_cpu, err)
	}

	p.memory.Record(ctx, int64(memStats.Alloc/1_000_000))
	p.liveObjects.Record(ctx, int64(memStats.Mallocs)-int64(memStats.Frees))
	p.goroutines.Record(ctx, int64(runtime.NumGoroutine()))
}

// InstrumentPerfStats records process cpu, memory and goroutine gauges on
// meter every interval until ctx is done.
func InstrumentPerfStats(ctx context.Context, meter metric.Meter, tel API, interval time.Duration) error {
	stats, err := newPerfStats(meter, tel)
	if err != nil {
		return err
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				stats.record(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
