package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastebin_paste_retrieved_total",
			Help: "no. of successful paste reads",
		},
		[]string{"kind"},
	)
	PasteDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_paste_deleted_total",
		Help: "no. of pastes deleted on request",
	})
	PasteBurned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_paste_burned_total",
		Help: "no. of burn-after-read transitions",
	})
	AccessDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_access_denied_total",
		Help: "no. of reads rejected by the password gate",
	})
	IDCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_short_id_collisions_total",
		Help: "no. of short id candidates rejected as taken",
	})
	ViewsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_views_recorded_total",
		Help: "no. of view events stored",
	})
	ViewsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_views_failed_total",
		Help: "no. of view events lost to store errors",
	})
	TasksDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastebin_tasks_dropped_total",
			Help: "no. of background tasks dropped on a full or closed queue",
		},
		[]string{"task"},
	)
	TaskFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastebin_task_failures_total",
			Help: "no. of background tasks that returned an error or panicked",
		},
		[]string{"task"},
	)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastebin_cache_hits_total",
			Help: "no. of cache hits",
		},
		[]string{"cache"},
	)
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastebin_cache_misses_total",
			Help: "no. of cache misses",
		},
		[]string{"cache"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pastebin_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastebin_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	SweepCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_sweep_cycles_total",
		Help: "no. of expiry sweep cycles",
	})
	SweptPastes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastebin_swept_pastes_total",
		Help: "no. of expired pastes removed by the sweeper",
	})
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pastebin_recent_error_rate_percent",
		Help: "5min rolling server error rate percentage",
	})
)
