package engine

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for render outcomes.
const (
	outcomeCompleted = "completed"
	outcomeStopped   = "stopped"
	outcomeFailed    = "failed"
	outcomeTimeout   = "timeout"
)

var (
	rendersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easel_renders_total",
			Help: "Total number of renders finished, by outcome.",
		},
		[]string{"outcome"},
	)

	renderDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "easel_render_duration_seconds",
			Help:    "Wall-clock render duration from running transition to terminal state, in seconds.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160, 320},
		},
	)

	stepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "easel_inference_steps_total",
			Help: "Total number of inference steps reported by engines.",
		},
	)

	activeRenders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "easel_active_renders",
			Help: "Number of renders currently running.",
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "easel_queue_depth",
			Help: "Number of tasks waiting for a worker.",
		},
	)

	previewsMirrored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easel_previews_mirrored_total",
			Help: "Total number of preview images copied to the preview mirror, by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(rendersTotal)
	prometheus.MustRegister(renderDuration)
	prometheus.MustRegister(stepsTotal)
	prometheus.MustRegister(activeRenders)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(previewsMirrored)

	// Pre-initialize label combinations so they appear in /metrics
	// before the first render finishes.
	for _, o := range []string{outcomeCompleted, outcomeStopped, outcomeFailed, outcomeTimeout} {
		rendersTotal.WithLabelValues(o)
	}
	previewsMirrored.WithLabelValues("ok")
	previewsMirrored.WithLabelValues("error")
}
