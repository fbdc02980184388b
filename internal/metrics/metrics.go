package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config for the metrics endpoint.
type Config struct {
	Namespace string `mapstructure:"namespace" validate:"required"`
	Addr      string `mapstructure:"addr"` // empty disables the /metrics listener
}

func DefaultConfig() Config {
	return Config{Namespace: "loot", Addr: ":9102"}
}

// EngineMetrics holds the collectors of the allocation engine. A nil
// *EngineMetrics is valid and records nothing.
type EngineMetrics struct {
	PackOpens       *prometheus.CounterVec   // by pack type, result
	PackDuration    *prometheus.HistogramVec // by pack type
	Pulls           *prometheus.CounterVec   // by pack type, tier
	PityGuarantees  *prometheus.CounterVec   // by tier
	SupplyRetries   *prometheus.CounterVec   // by kind: tier, item
	TxRetries       prometheus.Counter
	DBQueryTotal    *prometheus.CounterVec   // by operation, result
	DBQueryDuration *prometheus.HistogramVec // by operation
	CacheHitTotal   *prometheus.CounterVec   // by cache
	CacheMissTotal  *prometheus.CounterVec   // by cache
	LedgerDrift     prometheus.Gauge         // accounts whose ledger disagrees with the balance
	ConfigReloads   *prometheus.CounterVec   // by result
}

// New creates the collectors without registering them.
func New(namespace string) *EngineMetrics {
	if namespace == "" {
		namespace = DefaultConfig().Namespace
	}
	return &EngineMetrics{
		PackOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pack_opens_total",
			Help:      "Pack openings by pack type and result.",
		}, []string{"pack_type", "result"}),
		PackDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pack_open_duration_seconds",
			Help:      "Pack opening latency including retries.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
		}, []string{"pack_type"}),
		Pulls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pulls_total",
			Help:      "Committed pulls by pack type and tier.",
		}, []string{"pack_type", "tier"}),
		PityGuarantees: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pity_guarantees_total",
			Help:      "Pulls whose tier was forced by pity.",
		}, []string{"tier"}),
		SupplyRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supply_retries_total",
			Help:      "Pull re-resolutions after supply exhaustion.",
		}, []string{"kind"}),
		TxRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_conflict_retries_total",
			Help:      "Transactions retried after a concurrency conflict.",
		}),
		DBQueryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_queries_total",
			Help:      "Store queries by operation and result.",
		}, []string{"operation", "result"}),
		DBQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Store query latency.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"operation"}),
		CacheHitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Projection cache hits.",
		}, []string{"cache"}),
		CacheMissTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Projection cache misses.",
		}, []string{"cache"}),
		LedgerDrift: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_drift_accounts",
			Help:      "Accounts whose ledger sum differs from the stored balance at the last audit.",
		}),
		ConfigReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Pack configuration reloads by result.",
		}, []string{"result"}),
	}
}

// Register adds every collector to the registerer.
func (m *EngineMetrics) Register(registerer prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.PackOpens, m.PackDuration, m.Pulls, m.PityGuarantees, m.SupplyRetries, m.TxRetries,
		m.DBQueryTotal, m.DBQueryDuration, m.CacheHitTotal, m.CacheMissTotal,
		m.LedgerDrift, m.ConfigReloads,
	}
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func result(err error) string {
	if err != nil {
		return "failed"
	}
	return "success"
}

// RecordPackOpen records one OpenPack call.
func (m *EngineMetrics) RecordPackOpen(packType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.PackOpens.WithLabelValues(packType, outcome).Inc()
	m.PackDuration.WithLabelValues(packType).Observe(d.Seconds())
}

// RecordPull records a committed pull.
func (m *EngineMetrics) RecordPull(packType, tier string, forced bool) {
	if m == nil {
		return
	}
	m.Pulls.WithLabelValues(packType, tier).Inc()
	if forced {
		m.PityGuarantees.WithLabelValues(tier).Inc()
	}
}

func (m *EngineMetrics) RecordSupplyRetry(kind string) {
	if m == nil {
		return
	}
	m.SupplyRetries.WithLabelValues(kind).Inc()
}

func (m *EngineMetrics) RecordTxRetry() {
	if m == nil {
		return
	}
	m.TxRetries.Inc()
}

// RecordDBQuery records a store round trip.
func (m *EngineMetrics) RecordDBQuery(operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.DBQueryTotal.WithLabelValues(operation, result(err)).Inc()
	m.DBQueryDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *EngineMetrics) RecordCache(cache string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitTotal.WithLabelValues(cache).Inc()
	} else {
		m.CacheMissTotal.WithLabelValues(cache).Inc()
	}
}

func (m *EngineMetrics) SetLedgerDrift(n int) {
	if m == nil {
		return
	}
	m.LedgerDrift.Set(float64(n))
}

func (m *EngineMetrics) RecordConfigReload(err error) {
	if m == nil {
		return
	}
	m.ConfigReloads.WithLabelValues(result(err)).Inc()
}
