// Package metrics exposes the agent's prometheus counters.  Metrics never carry nicknames or key material.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "keyagent"

var (
	// Registry holds every keyagent metric plus the go runtime collectors.
	Registry = prometheus.NewRegistry()

	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of open agent sessions",
	})

	SessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Sessions ended, by final state",
	}, []string{"final_state"})

	ConnectionsRefusedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_refused_total",
		Help:      "Connections or sessions refused before a session began",
	}, []string{"reason"})

	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Session requests handled, by op and outcome",
	}, []string{"op", "outcome"})

	AuthFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_failures_total",
		Help:      "Failed passphrase verifications",
	})

	ConfirmationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "confirmations_total",
		Help:      "Key-use confirmations, by op and decision",
	}, []string{"op", "decision"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		SessionsActive,
		SessionsTotal,
		ConnectionsRefusedTotal,
		RequestsTotal,
		AuthFailuresTotal,
		ConfirmationsTotal,
	)
}
