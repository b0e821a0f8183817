package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// putsTotal 按存储形态和去重结果统计写入次数
	putsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filecenter_puts_total",
			Help: "Total number of file puts",
		},
		[]string{"kind", "outcome"},
	)

	// ingestedBytesTotal 实际落盘的字节数，不含去重命中
	ingestedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filecenter_ingested_bytes_total",
		Help: "Total number of bytes written to the store",
	})

	deletesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filecenter_deletes_total",
			Help: "Total number of file deletions",
		},
		[]string{"outcome"},
	)

	gcRemovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filecenter_gc_removed_total",
			Help: "Total number of entries removed by garbage collection",
		},
		[]string{"pass"},
	)

	reaperRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filecenter_reaper_runs_total",
		Help: "Total number of reaper runs",
	})

	reaperDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "filecenter_reaper_duration_seconds",
		Help:    "Reaper run duration in seconds",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})
)

const (
	kindInline  = "inline"
	kindChunked = "chunked"

	outcomeHit       = "hit"
	outcomeInserted  = "inserted"
	outcomeTemporary = "temporary"
	outcomeFailed    = "failed"
)
