package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	checksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_checks_total",
		Help: "Total number of rate limit checks evaluated",
	})
	allowedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_allowed_total",
		Help: "Total number of requests admitted",
	})
	deniedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_denied_total",
		Help: "Total number of requests denied",
	})
	degradedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_degraded_mode_total",
		Help: "Total number of checks resolved by the fail policy because the store was unreachable",
	})
	alertsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_alerts_emitted_total",
		Help: "Total number of alerts delivered after deduplication",
	})
	attackEpisodesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_attack_episodes_total",
		Help: "Total number of DDoS attack episodes detected",
	})
	sweptEntriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_swept_entries_total",
		Help: "Total number of expired IP list entries removed by sweeps",
	})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(checksTotal, allowedTotal, deniedTotal, degradedTotal,
		alertsTotal, attackEpisodesTotal, sweptEntriesTotal)
}

// IncCheck increments the evaluated checks counter.
func IncCheck() { checksTotal.Inc() }

// IncAllowed increments the admitted requests counter.
func IncAllowed() { allowedTotal.Inc() }

// IncDenied increments the denied requests counter.
func IncDenied() { deniedTotal.Inc() }

// IncDegraded increments the degraded-mode counter.
func IncDegraded() { degradedTotal.Inc() }

// IncAlertEmitted increments the delivered alerts counter.
func IncAlertEmitted() { alertsTotal.Inc() }

// IncAttackEpisode increments the attack episodes counter.
func IncAttackEpisode() { attackEpisodesTotal.Inc() }

// AddSweptEntries adds to the swept entries counter.
func AddSweptEntries(n int) { sweptEntriesTotal.Add(float64(n)) }
