package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedNodes tracks currently registered node connections.
	ConnectedNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nodebridge_connected_nodes",
		Help: "Number of authenticated node connections",
	})

	// PairingOutcomes counts pairing attempts by outcome (ok, rejected, error).
	PairingOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodebridge_pairing_outcomes_total",
			Help: "Pairing attempts by outcome",
		},
		[]string{"outcome"},
	)

	// RPCForwards counts RPC requests by method and outcome (ok, forbidden,
	// invalid, unavailable).
	RPCForwards = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodebridge_rpc_forwards_total",
			Help: "Node RPC requests by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	// PushesRelayed counts gateway pushes fanned out to nodes, by kind.
	PushesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodebridge_pushes_relayed_total",
			Help: "Gateway pushes delivered to at least one node, by kind",
		},
		[]string{"kind"},
	)

	// PushesDropped counts gateway pushes discarded because no connected
	// node held a subscription.
	PushesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nodebridge_pushes_dropped_total",
		Help: "Gateway pushes dropped with no eligible subscriber",
	})
)
