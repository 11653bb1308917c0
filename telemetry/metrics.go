// Package telemetry provides Prometheus metrics, tracing and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	StagesStarted   *prometheus.CounterVec // stage
	StagesSucceeded *prometheus.CounterVec // stage
	StagesFailed    *prometheus.CounterVec // stage, kind
	UploadRetries   prometheus.Counter
	UploadedFiles   prometheus.Counter
	CaptureRestarts prometheus.Counter
	OverlayEvents   prometheus.Counter
	OverlayDegraded prometheus.Counter
	CleanupDeleted  prometheus.Counter
	CleanupSkipped  prometheus.Counter
	CleanupBytes    prometheus.Counter

	// Histograms (seconds)
	StageDuration *prometheus.HistogramVec // stage

	// Gauges
	RoomLive  *prometheus.GaugeVec // room
	RoomState *prometheus.GaugeVec // room, state (1 for the current state)
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		StagesStarted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "recorder_stage_started_total", Help: "Number of pipeline stages started"}, []string{"stage"})
		StagesSucceeded = promauto.NewCounterVec(prometheus.CounterOpts{Name: "recorder_stage_succeeded_total", Help: "Number of pipeline stages that succeeded"}, []string{"stage"})
		StagesFailed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "recorder_stage_failed_total", Help: "Number of pipeline stages that failed, by outcome kind"}, []string{"stage", "kind"})
		UploadRetries = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_upload_retries_total", Help: "Number of upload attempts retried after a transient error"})
		UploadedFiles = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_uploaded_files_total", Help: "Number of files published"})
		CaptureRestarts = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_capture_restarts_total", Help: "Number of capture processes restarted while the room was live"})
		OverlayEvents = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_overlay_events_total", Help: "Number of overlay events written"})
		OverlayDegraded = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_overlay_degraded_total", Help: "Number of sessions whose overlay capture gave up"})
		CleanupDeleted = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_cleanup_deleted_total", Help: "Number of entries deleted by cleanup"})
		CleanupSkipped = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_cleanup_skipped_total", Help: "Number of expired entries kept because they are marked or in use"})
		CleanupBytes = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_cleanup_bytes_freed_total", Help: "Bytes freed by cleanup"})
		StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "recorder_stage_duration_seconds", Help: "Stage duration seconds", Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200, 14400}}, []string{"stage"})
		RoomLive = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "recorder_room_live", Help: "Room liveness as last observed, live=1"}, []string{"room"})
		RoomState = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "recorder_room_state", Help: "Current runner state per room (1 for the active state)"}, []string{"room", "state"})
	})
}

// StageStarted counts a stage start.
func StageStarted(stage string) {
	if StagesStarted != nil {
		StagesStarted.WithLabelValues(stage).Inc()
	}
}

// StageFinished records the end of a stage; kind is "success" or a failure kind.
func StageFinished(stage, kind string, d time.Duration) {
	if StageDuration != nil {
		StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
	switch kind {
	case "success", "skipped":
		if StagesSucceeded != nil {
			StagesSucceeded.WithLabelValues(stage).Inc()
		}
	default:
		if StagesFailed != nil {
			StagesFailed.WithLabelValues(stage, kind).Inc()
		}
	}
}

// SetRoomLive records the last observed liveness of a room.
func SetRoomLive(room string, live bool) {
	if RoomLive == nil {
		return
	}
	if live {
		RoomLive.WithLabelValues(room).Set(1)
	} else {
		RoomLive.WithLabelValues(room).Set(0)
	}
}

// SetRoomState flips the state gauge from prev to next.
func SetRoomState(room, prev, next string) {
	if RoomState == nil {
		return
	}
	if prev != "" {
		RoomState.WithLabelValues(room, prev).Set(0)
	}
	RoomState.WithLabelValues(room, next).Set(1)
}

// Inc increments c if it has been registered.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// Add adds v to c if it has been registered.
func Add(c prometheus.Counter, v float64) {
	if c != nil {
		c.Add(v)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
