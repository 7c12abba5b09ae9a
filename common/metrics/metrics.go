package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Upload outcomes
const (
	OutcomeNovel     = "novel"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
)

// Pipeline holds the Prometheus metrics of the media pipeline
type Pipeline struct {
	UploadsTotal      *prometheus.CounterVec   // mediapipe_uploads_total{outcome}
	UploadFailures    *prometheus.CounterVec   // mediapipe_upload_failures_total{kind,stage}
	DedupBytesSaved   prometheus.Counter       // mediapipe_dedup_bytes_saved_total
	StoredBytes       prometheus.Counter       // mediapipe_stored_bytes_total
	TranscodeDuration *prometheus.HistogramVec // mediapipe_transcode_duration_seconds{category}
	RegistryRaces     prometheus.Counter       // mediapipe_registry_races_total
	SingleflightDedup prometheus.Counter       // mediapipe_singleflight_shared_total
	VersionsCreated   *prometheus.CounterVec   // mediapipe_versions_created_total{operation}
	ReconcileDrift    prometheus.Counter       // mediapipe_reconcile_drift_total
	ReapedEntries     prometheus.Counter       // mediapipe_reaped_entries_total
	TempFilesSwept    prometheus.Counter       // mediapipe_temp_files_swept_total
	TasksTimedOut     prometheus.Counter       // mediapipe_tasks_timed_out_total
	QueueDepth        prometheus.Gauge         // mediapipe_queue_depth
	PushConnections   prometheus.Gauge         // mediapipe_push_connections
	BuildInfo         *prometheus.GaugeVec     // mediapipe_build_info{os,arch,go_version,container_runtime}
}

// New registers the pipeline metrics on reg. Passing nil registers on the
// default registry; tests pass a fresh prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Pipeline {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	m := &Pipeline{
		UploadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mediapipe_uploads_total",
			Help: "Processed uploads by outcome",
		}, []string{"outcome"}),

		UploadFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mediapipe_upload_failures_total",
			Help: "Failed uploads by error kind and stage",
		}, []string{"kind", "stage"}),

		DedupBytesSaved: f.NewCounter(prometheus.CounterOpts{
			Name: "mediapipe_dedup_bytes_saved_total",
			Help: "Original bytes not stored because the content was already registered",
		}),

		StoredBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "mediapipe_stored_bytes_total",
			Help: "Bytes of canonical artifacts written",
		}),

		TranscodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediapipe_transcode_duration_seconds",
			Help:    "Transcode duration by media category",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"category"}),

		RegistryRaces: f.NewCounter(prometheus.CounterOpts{
			Name: "mediapipe_registry_races_total",
			Help: "Registrations that lost a concurrent race and bound to the winner",
		}),

		SingleflightDedup: f.NewCounter(prometheus.CounterOpts{
			Name: "mediapipe_singleflight_shared_total",
			Help: "Uploads that shared an in-flight transcode of the same digest",
		}),

		VersionsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mediapipe_versions_created_total",
			Help: "Media versions created by operation",
		}, []string{"operation"}),

		ReconcileDrift: f.NewCounter(prometheus.CounterOpts{
			Name: "mediapipe_reconcile_drift_total",
			Help: "Registry entries whose ref_count was repaired by the reconciler",
		}),

		ReapedEntries: f.NewCounter(prometheus.CounterOpts{
			Name: "mediapipe_reaped_entries_total",
			Help: "Unreferenced registry entries deleted with their files",
		}),

		TempFilesSwept: f.NewCounter(prometheus.CounterOpts{
			Name: "mediapipe_temp_files_swept_total",
			Help: "Abandoned temp and staging files removed",
		}),

		TasksTimedOut: f.NewCounter(prometheus.CounterOpts{
			Name: "mediapipe_tasks_timed_out_total",
			Help: "Upload tasks failed by the inactivity timeout",
		}),

		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "mediapipe_queue_depth",
			Help: "Upload jobs waiting in the queue",
		}),

		PushConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "mediapipe_push_connections",
			Help: "Open WebSocket connections watching upload tasks",
		}),

		BuildInfo: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mediapipe_build_info",
			Help: "Static host and runtime information",
		}, []string{"os", "arch", "go_version", "container_runtime"}),
	}

	info := GetSystemInfo()
	m.BuildInfo.WithLabelValues(info.OS, info.Arch, info.GoVersion, info.ContainerRuntime).Set(1)

	return m
}
