package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_sessions_live",
		Help: "Session coordinators currently loaded.",
	})
	OpsAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_ops_appended_total",
		Help: "Operations durably appended to the log.",
	})
	OpsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_ops_applied_total",
		Help: "Committed operations folded into document state.",
	})
	PushesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_pushes_dropped_total",
		Help: "Live pushes dropped because a client could not keep up.",
	})
	CheckpointsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_checkpoints_written_total",
		Help: "Checkpoints persisted to the store.",
	})
	CheckpointsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_checkpoints_dropped_total",
		Help: "Checkpoint writes abandoned after exhausting retries.",
	})
)
