package collector

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pithecene-io/bastion/types"
)

// HostMetricsSource samples host-level gauges: load average (where the
// platform exposes /proc/loadavg), process memory, and goroutine count.
type HostMetricsSource struct {
	hostname string
	seq      int64
}

// NewHostMetricsSource creates the source. The hostname is captured
// once; it rides in the DeviceTelemetry body.
func NewHostMetricsSource() *HostMetricsSource {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &HostMetricsSource{hostname: hostname}
}

// Name implements Source.
func (h *HostMetricsSource) Name() string { return "host_metrics" }

// Collect implements Source.
func (h *HostMetricsSource) Collect(ctx context.Context) (types.Body, error) {
	if err := ctx.Err(); err != nil {
		return types.Body{}, err
	}

	nowNS := time.Now().UnixNano()
	var events []types.TelemetryEvent

	if load, ok := readLoadAvg(); ok {
		events = append(events, h.metricEvent(nowNS, "system.load1", load, "load"))
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	events = append(events,
		h.metricEvent(nowNS, "agent.heap_bytes", float64(ms.HeapAlloc), "bytes"),
		h.metricEvent(nowNS, "agent.goroutines", float64(runtime.NumGoroutine()), "count"),
	)

	return types.Body{
		Kind: types.BodyKindDeviceTelemetry,
		Device: &types.DeviceTelemetry{
			Hostname: h.hostname,
			Platform: runtime.GOOS,
			Events:   events,
		},
	}, nil
}

func (h *HostMetricsSource) metricEvent(nowNS int64, name string, value float64, unit string) types.TelemetryEvent {
	h.seq++
	return types.TelemetryEvent{
		EventID:     fmt.Sprintf("%s-%d-%d", h.Name(), nowNS, h.seq),
		Type:        types.EventTypeMetric,
		Severity:    types.SeverityInfo,
		TimestampNS: nowNS,
		Payload: types.EventPayload{
			Kind: types.PayloadKindMetric,
			Metric: &types.MetricPayload{
				Name:  name,
				Type:  types.MetricTypeGauge,
				Value: value,
				Unit:  unit,
			},
		},
	}
}

// readLoadAvg reads the 1-minute load average from /proc/loadavg.
// Returns false on platforms without procfs.
func readLoadAvg() (float64, bool) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, false
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return load, true
}
