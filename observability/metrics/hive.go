package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// HiveMetrics is the Prometheus surface exposed at the operator RPC's
// /metrics endpoint, covering every component with an externally
// observable rate or gauge.
type HiveMetrics struct {
	GossipEmitted     prometheus.Counter
	GossipMerged      *prometheus.CounterVec
	NonceGuardSize    prometheus.Gauge
	NonceGuardEvicted prometheus.Counter
	BreakerState      *prometheus.GaugeVec
	IntentResolved    *prometheus.CounterVec
	ExpansionRounds   *prometheus.CounterVec
	SettlementPoolSat prometheus.Gauge
	SettlementState   *prometheus.GaugeVec
	RateLimited       *prometheus.CounterVec
	BansActive        prometheus.Gauge
}

var (
	hiveOnce     sync.Once
	hiveRegistry *HiveMetrics
)

// Hive returns the process-wide metrics registry, lazily registering every
// collector with the default Prometheus registerer on first use.
func Hive() *HiveMetrics {
	hiveOnce.Do(func() {
		hiveRegistry = &HiveMetrics{
			GossipEmitted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "hive_gossip_emitted_total",
				Help: "State updates emitted (threshold-triggered or heartbeat).",
			}),
			GossipMerged: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "hive_gossip_merged_total",
				Help: "Inbound STATE_UPDATE merges by outcome.",
			}, []string{"outcome"}),
			NonceGuardSize: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "hive_nonce_guard_size",
				Help: "Entries currently held in the handshake replay guard.",
			}),
			NonceGuardEvicted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "hive_nonce_guard_evicted_total",
				Help: "Replay guard entries evicted by TTL or capacity.",
			}),
			BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "hive_executor_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
			}, []string{"backend"}),
			IntentResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "hive_intent_resolved_total",
				Help: "Intent locks resolved by outcome (won, lost, expired).",
			}, []string{"kind", "outcome"}),
			ExpansionRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "hive_expansion_rounds_total",
				Help: "Cooperative expansion rounds by terminal state.",
			}, []string{"state"}),
			SettlementPoolSat: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "hive_settlement_pool_msat",
				Help: "Pool size of the most recently computed settlement period.",
			}),
			SettlementState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "hive_settlement_round_state",
				Help: "1 if the named period_id is currently in the given state.",
			}, []string{"period_id", "state"}),
			RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "hive_rate_limited_total",
				Help: "Requests rejected by a persisted per-peer rate limit.",
			}, []string{"action"}),
			BansActive: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "hive_bans_active",
				Help: "Members currently carrying an effective ban.",
			}),
		}
		prometheus.MustRegister(
			hiveRegistry.GossipEmitted,
			hiveRegistry.GossipMerged,
			hiveRegistry.NonceGuardSize,
			hiveRegistry.NonceGuardEvicted,
			hiveRegistry.BreakerState,
			hiveRegistry.IntentResolved,
			hiveRegistry.ExpansionRounds,
			hiveRegistry.SettlementPoolSat,
			hiveRegistry.SettlementState,
			hiveRegistry.RateLimited,
			hiveRegistry.BansActive,
		)
	})
	return hiveRegistry
}

// BreakerStateValue maps a breaker's String() state to the gauge encoding.
func BreakerStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
