// Package metrics holds the agent's Prometheus instruments, exposed on the
// control API at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "exstem_proctor"

// Result label values.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

var (
	AutosavesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "autosaves_total",
		Help:      "Autosave ticks by outcome.",
	}, []string{"result"})

	CheckpointWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checkpoint_writes_total",
		Help:      "Local checkpoint writes by outcome.",
	}, []string{"result"})

	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_total",
		Help:      "Captured frames by outcome.",
	}, []string{"result"})

	FrameUploadSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "frame_upload_seconds",
		Help:      "Latency of frame uploads.",
		Buckets:   prometheus.DefBuckets,
	})

	ViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "violations_total",
		Help:      "Violations seen by the agent, by type and source.",
	}, []string{"type", "source"})

	ChannelReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channel_reconnects_total",
		Help:      "Health channel redial attempts.",
	})

	HealthPercentage = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "health_percentage",
		Help:      "Last health percentage reported by the backend.",
	})

	SubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "submissions_total",
		Help:      "Submission attempts by trigger and outcome.",
	}, []string{"trigger", "result"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Control API requests.",
	}, []string{"method", "route", "status"})

	HTTPRequestSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_seconds",
		Help:      "Control API latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)
