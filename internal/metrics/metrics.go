package metrics

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Reap paths recorded by ObserveReap.
const (
	ReapPathPoll        = "poll"
	ReapPathWatch       = "watch"
	ReapPathSynthesized = "synthesized"
)

// Phase outcomes recorded by ObservePhase.
const (
	OutcomeSuccess  = "success"
	OutcomeFailed   = "failed"
	OutcomeSignaled = "signaled"
	OutcomeTimeout  = "timeout"
)

var (
	registry = prometheus.NewRegistry()

	processReaps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "phaserun",
		Name:      "process_reaps_total",
		Help:      "Child processes reaped, by the path that observed the exit.",
	}, []string{"path"})

	signalDenied = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "phaserun",
		Name:      "signal_denied_total",
		Help:      "Termination signals rejected by the kernel with EPERM.",
	})

	phaseRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "phaserun",
		Name:      "phase_runs_total",
		Help:      "Completed phase runs by outcome.",
	}, []string{"phase", "outcome"})

	phaseDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "phaserun",
		Name:      "phase_duration_seconds",
		Help:      "Wall-clock duration of phase runs in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"phase"})

	droppedLines = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "phaserun",
		Name:      "output_lines_dropped_total",
		Help:      "Lines of phase output discarded because the consumer fell behind.",
	}, []string{"phase"})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "phaserun",
		Name:      "build_info",
		Help:      "Build metadata for the running phaserun binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(processReaps, signalDenied, phaseRuns, phaseDuration, droppedLines, buildInfo)
}

// Registry returns the Prometheus registry containing all phaserun metrics.
func Registry() *prometheus.Registry {
	return registry
}

// ObserveReap counts a reaped child under the path that observed its exit.
func ObserveReap(path string) {
	if path == "" {
		path = "unknown"
	}
	processReaps.WithLabelValues(path).Inc()
}

// IncSignalDenied counts a termination signal the kernel refused to deliver.
func IncSignalDenied() {
	signalDenied.Inc()
}

// ObservePhase records the outcome and duration of a phase run.
func ObservePhase(phase, outcome string, d time.Duration) {
	if phase == "" {
		phase = "unknown"
	}
	phaseRuns.WithLabelValues(phase, outcome).Inc()
	phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// AddDroppedLines counts output lines of phase that were not delivered.
func AddDroppedLines(phase string, n int) {
	if n <= 0 {
		return
	}
	if phase == "" {
		phase = "unknown"
	}
	droppedLines.WithLabelValues(phase).Add(float64(n))
}

// OutcomeFor maps a return code to a phase outcome label.
func OutcomeFor(returncode int, timedOut bool) string {
	switch {
	case timedOut:
		return OutcomeTimeout
	case returncode < 0:
		return OutcomeSignaled
	case returncode > 0:
		return OutcomeFailed
	default:
		return OutcomeSuccess
	}
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}

// WriteTextfile writes the registry in the Prometheus text format to path, for
// collection by the node exporter textfile collector.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// ResetPhase clears the per-phase series for phase.
func ResetPhase(phase string) {
	if phase == "" {
		return
	}
	phaseDuration.DeleteLabelValues(phase)
	droppedLines.DeleteLabelValues(phase)
	for _, outcome := range []string{OutcomeSuccess, OutcomeFailed, OutcomeSignaled, OutcomeTimeout} {
		phaseRuns.DeleteLabelValues(phase, outcome)
	}
}
