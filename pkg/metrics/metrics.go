// Package metrics 定义了服务暴露的 Prometheus 指标。
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics 汇总了上传、配额、维护任务与 HTTP 层的指标。
type Metrics struct {
	SessionsStarted  prometheus.Counter       // fastdrop_upload_sessions_started_total
	ChunksReceived   prometheus.Counter       // fastdrop_upload_chunks_received_total
	ChunkBytes       prometheus.Counter       // fastdrop_upload_chunk_bytes_total
	Completions      *prometheus.CounterVec   // fastdrop_upload_completions_total{result}
	AssemblyDuration prometheus.Histogram     // fastdrop_upload_assembly_duration_seconds
	Cancellations    prometheus.Counter       // fastdrop_upload_cancellations_total
	QuotaRejections  prometheus.Counter       // fastdrop_quota_rejections_total
	BytesCommitted   prometheus.Counter       // fastdrop_quota_committed_bytes_total
	BytesReleased    prometheus.Counter       // fastdrop_quota_released_bytes_total
	MaintenanceRuns  *prometheus.CounterVec   // fastdrop_maintenance_runs_total{task,result}
	PurgedBytes      prometheus.Counter       // fastdrop_maintenance_purged_bytes_total
	HTTPRequests     *prometheus.CounterVec   // fastdrop_http_requests_total{method,route,status}
	HTTPDuration     *prometheus.HistogramVec // fastdrop_http_request_duration_seconds{method,route}
}

// New 在 registry 上注册一组新的指标。测试中每次传入独立的 prometheus.NewRegistry()。
func New(registry prometheus.Registerer) *Metrics {
	f := promauto.With(registry)
	return &Metrics{
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "fastdrop_upload_sessions_started_total",
			Help: "Upload sessions started",
		}),
		ChunksReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "fastdrop_upload_chunks_received_total",
			Help: "Chunks accepted into storage",
		}),
		ChunkBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "fastdrop_upload_chunk_bytes_total",
			Help: "Bytes accepted as chunks",
		}),
		Completions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fastdrop_upload_completions_total",
			Help: "Completion attempts by result",
		}, []string{"result"}),
		AssemblyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fastdrop_upload_assembly_duration_seconds",
			Help:    "Time spent assembling and verifying uploads",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		Cancellations: f.NewCounter(prometheus.CounterOpts{
			Name: "fastdrop_upload_cancellations_total",
			Help: "Upload sessions cancelled",
		}),
		QuotaRejections: f.NewCounter(prometheus.CounterOpts{
			Name: "fastdrop_quota_rejections_total",
			Help: "Uploads rejected at quota admission",
		}),
		BytesCommitted: f.NewCounter(prometheus.CounterOpts{
			Name: "fastdrop_quota_committed_bytes_total",
			Help: "Bytes committed to quota accounts",
		}),
		BytesReleased: f.NewCounter(prometheus.CounterOpts{
			Name: "fastdrop_quota_released_bytes_total",
			Help: "Bytes released from quota accounts",
		}),
		MaintenanceRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fastdrop_maintenance_runs_total",
			Help: "Maintenance task runs by task and result",
		}, []string{"task", "result"}),
		PurgedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "fastdrop_maintenance_purged_bytes_total",
			Help: "Bytes freed by expired file purges",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fastdrop_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fastdrop_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Init 返回进程级的单例指标，只在第一次调用时注册。registry 为 nil 时使用默认 registry。
func Init(registry prometheus.Registerer) *Metrics {
	once.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		instance = New(registry)
	})
	return instance
}
