package dmtask

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	taskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lvm_dm_task_runs_total",
		Help: "Device-mapper task runs by operation and outcome.",
	}, []string{"op", "status"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lvm_dm_task_duration_seconds",
		Help:    "Wall-clock duration of device-mapper task runs.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)

func prometheusTimer(op TaskType) *prometheus.Timer {
	return prometheus.NewTimer(taskDuration.WithLabelValues(op.String()))
}

func observeTask(op TaskType, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	taskRuns.WithLabelValues(op.String(), status).Inc()
}
