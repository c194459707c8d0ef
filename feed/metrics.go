package feed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	timestampFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minichat_feed_timestamp_fallback_total",
		Help: "Feed records whose createdAt could not be converted and was replaced by the current time.",
	})

	sends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minichat_feed_sends_total",
		Help: "Send attempts by result.",
	}, []string{"result"})

	snapshots = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minichat_feed_snapshots_total",
		Help: "Snapshots applied to a conversation view.",
	})
)
