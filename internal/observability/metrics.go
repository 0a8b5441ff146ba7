package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TCPConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_tcp_connections_total",
		Help: "TCP connections accepted from vehicle units",
	})
	ReportsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_reports_received_total",
		Help: "Raw position reports received, before validation",
	})
	IngestAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_ingest_accepted_total",
		Help: "Reports that became a vehicle's latest position",
	})
	IngestStale = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_ingest_stale_total",
		Help: "Reports appended to the trail only (logically stale)",
	})
	IngestFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_ingest_failed_total",
		Help: "Reports dropped: malformed or retries exhausted",
	})
	LockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_lock_contention_total",
		Help: "Lease acquisition attempts that found the lease held",
	})
	StoreErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_store_errors_total",
		Help: "Transient store failures seen by the ingestion path",
	})
	VelocityAnomalies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_velocity_anomalies_total",
		Help: "Accepted reports whose implied speed exceeded the threshold",
	})
	ParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_parse_errors_total",
		Help: "Inbound payloads that failed to decode",
	})
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_ws_clients",
		Help: "Connected live-feed WebSocket clients",
	})
	IngestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_ingest_latency_seconds",
		Help:    "End-to-end latency of one ingestion attempt chain",
		Buckets: prometheus.DefBuckets,
	})
)

func ObserveIngestLatency(start time.Time) {
	IngestLatency.Observe(time.Since(start).Seconds())
}

func StartMetricsServer(port string) {
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte("ok"))
	})
	_ = http.ListenAndServe(":"+port, nil)
}
