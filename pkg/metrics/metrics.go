// Package metrics はPrometheus向けのメトリクス定義を提供する。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 通知準備結果のラベル値。
const (
	// ResultPrepared は通知が正常に準備されたことを表す。
	ResultPrepared = "prepared"
	// ResultAlreadyProcessed は通知が古くなり破棄されたことを表す。
	ResultAlreadyProcessed = "already_processed"
	// ResultInvalidArgument は通知の宛先アプリが不正だったことを表す。
	ResultInvalidArgument = "invalid_argument"
	// ResultServiceUnavailable は依存サービスの障害で準備できなかったことを表す。
	ResultServiceUnavailable = "service_unavailable"
	// ResultError はそれ以外の理由で準備に失敗したことを表す。
	ResultError = "error"
)

var (
	// NotificationsPrepared は通知準備の結果ごとの件数。
	NotificationsPrepared = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docnotify_notifications_prepared_total",
			Help: "Total number of notification preparations by result",
		},
		[]string{"app", "result"},
	)

	// MentionsConsumed はメッセージキューから受信したメンションイベントの件数。
	MentionsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docnotify_mentions_consumed_total",
			Help: "Total number of mention events consumed from the queue",
		},
		[]string{"status"}, // status: stored, rejected, failed
	)

	// HTTPRequestDuration はHTTPリクエストの処理時間（秒）。
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docnotify_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)
)

// IncPrepared は通知準備の結果を1件記録する。
func IncPrepared(app, result string) {
	NotificationsPrepared.WithLabelValues(app, result).Inc()
}

// IncMentionConsumed はメンションイベントの処理結果を1件記録する。
func IncMentionConsumed(status string) {
	MentionsConsumed.WithLabelValues(status).Inc()
}

// RecordHTTPRequestDuration はHTTPリクエストの処理時間を記録する。
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}
