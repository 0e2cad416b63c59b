package relay

import "github.com/prometheus/client_golang/prometheus"

var (
	webhooksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "everywhere_relay_webhooks_total",
		Help: "Webhook invocations by result.",
	}, []string{"result"})
	pullsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "everywhere_relay_bulk_pulls_total",
		Help: "Scheduled ticks by bulk pull outcome (ok, failed, fresh, no_token).",
	}, []string{"result"})
	evictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "everywhere_relay_evictions_total",
		Help: "Device tracks evicted for exceeding the retention duration.",
	})
	emitFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "everywhere_relay_emit_failures_total",
		Help: "Feature collections that could not be handed downstream.",
	})
	lastSyncTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "everywhere_relay_last_sync_timestamp_seconds",
		Help: "Unix time of the last successful bulk pull.",
	})
)

func init() {
	prometheus.MustRegister(
		webhooksTotal,
		pullsTotal,
		evictionsTotal,
		emitFailuresTotal,
		lastSyncTimestamp,
	)
}
