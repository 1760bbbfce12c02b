package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	roomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collabtext_rooms_active",
		Help: "Rooms currently held in memory",
	})

	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collabtext_connections_active",
		Help: "Connections attached to a room",
	})

	updatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabtext_updates_total",
		Help: "Updates received from peers by outcome",
	}, []string{"result"})

	updateBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collabtext_update_bytes_total",
		Help: "Bytes of accepted updates",
	})

	appendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "collabtext_log_append_seconds",
		Help:    "Latency of update log appends",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
	})

	slowConsumerDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collabtext_slow_consumer_drops_total",
		Help: "Connections closed because their outbound queue overflowed",
	})

	presenceRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collabtext_presence_records",
		Help: "Live presence records across all rooms",
	})

	roomInitFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collabtext_room_init_failures_total",
		Help: "Rooms that could not be rebuilt from their log",
	})

	compactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabtext_compactions_total",
		Help: "Log compactions by outcome",
	}, []string{"result"})
)
