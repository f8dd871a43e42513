// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
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
	SyncRuns          *prometheus.CounterVec // labels: mode, result
	ClipsInserted     *prometheus.CounterVec // labels: mode
	NotificationsSent prometheus.Counter
	NotificationsFail prometheus.Counter
	UpstreamRequests  *prometheus.CounterVec // labels: endpoint, status
	TokenRefreshes    *prometheus.CounterVec // labels: result

	// Histograms (seconds)
	SyncDuration *prometheus.HistogramVec // labels: mode

	// Gauges
	BackfillRunningGauge prometheus.Gauge
	BroadcasterLiveGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{Name: "clip_sync_runs_total", Help: "Clip sync runs by mode and result"}, []string{"mode", "result"})
		ClipsInserted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "clip_sync_inserted_total", Help: "Clips newly written to the store by sync mode"}, []string{"mode"})
		NotificationsSent = promauto.NewCounter(prometheus.CounterOpts{Name: "clip_notifications_sent_total", Help: "Clip notifications delivered to the sink"})
		NotificationsFail = promauto.NewCounter(prometheus.CounterOpts{Name: "clip_notifications_failed_total", Help: "Clip notifications that failed delivery"})
		UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "twitch_requests_total", Help: "Helix requests by endpoint and status"}, []string{"endpoint", "status"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "twitch_token_refreshes_total", Help: "App token exchanges by result"}, []string{"result"})
		SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "clip_sync_duration_seconds", Help: "Clip sync run duration seconds", Buckets: prometheus.DefBuckets}, []string{"mode"})
		BackfillRunningGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "clip_backfill_running", Help: "Full backfill in progress=1 idle=0"})
		BroadcasterLiveGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "broadcaster_live", Help: "Broadcaster live=1 offline=0 as of the last liveness probe"})
	})
}

func boolGauge(g prometheus.Gauge, v bool) {
	if g == nil {
		return
	}
	if v {
		g.Set(1)
	} else {
		g.Set(0)
	}
}

// SetBackfillRunning records whether a full backfill is in progress.
func SetBackfillRunning(running bool) { boolGauge(BackfillRunningGauge, running) }

// SetBroadcasterLive records the latest liveness probe result.
func SetBroadcasterLive(live bool) { boolGauge(BroadcasterLiveGauge, live) }

// RecordSync records the outcome and duration of one sync run.
func RecordSync(mode string, started time.Time, inserted int, err error) {
	if SyncRuns == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	SyncRuns.WithLabelValues(mode, result).Inc()
	SyncDuration.WithLabelValues(mode).Observe(time.Since(started).Seconds())
	if inserted > 0 {
		ClipsInserted.WithLabelValues(mode).Add(float64(inserted))
	}
}

// RecordSkip records a sync run that was skipped.
func RecordSkip(mode string) {
	if SyncRuns != nil {
		SyncRuns.WithLabelValues(mode, "skipped").Inc()
	}
}

// RecordNotification counts a notification delivery attempt.
func RecordNotification(err error) {
	if NotificationsSent == nil {
		return
	}
	if err != nil {
		NotificationsFail.Inc()
		return
	}
	NotificationsSent.Inc()
}

// RecordUpstreamRequest counts a Helix request by endpoint and status.
func RecordUpstreamRequest(endpoint, status string) {
	if UpstreamRequests != nil {
		UpstreamRequests.WithLabelValues(endpoint, status).Inc()
	}
}

// RecordTokenRefresh counts an app token exchange.
func RecordTokenRefresh(err error) {
	if TokenRefreshes == nil {
		return
	}
	if err != nil {
		TokenRefreshes.WithLabelValues("error").Inc()
		return
	}
	TokenRefreshes.WithLabelValues("ok").Inc()
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
	if s, ok := ctx.Value(corrKey).(string); ok {
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
