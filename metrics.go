package ircore

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ircore",
			Name:      "transitions_total",
			Help:      "Number of accepted state transitions by previous state, action and next state",
		},
		[]string{"from", "action", "to"},
	)

	rejectedActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ircore",
			Name:      "rejected_actions_total",
			Help:      "Number of actions rejected by state and action",
		},
		[]string{"state", "action"},
	)

	transportErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ircore",
			Name:      "transport_errors_total",
			Help:      "Number of transport failures by classification and failing step",
		},
		[]string{"class", "op"},
	)

	decodeErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ircore",
			Name:      "decode_errors_total",
			Help:      "Number of malformed lines dropped",
		},
	)

	truncatedLinesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ircore",
			Name:      "truncated_lines_total",
			Help:      "Number of outgoing lines truncated to the line length limit",
		},
	)

	droppedLinesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ircore",
			Name:      "dropped_lines_total",
			Help:      "Number of outgoing messages dropped because of invalid parameters",
		},
	)

	connectionsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ircore",
			Name:      "connections",
			Help:      "Number of registered connections",
		},
	)
)

func init() {
	prometheus.MustRegister(transitionsTotal)
	prometheus.MustRegister(rejectedActionsTotal)
	prometheus.MustRegister(transportErrorsTotal)
	prometheus.MustRegister(decodeErrorsTotal)
	prometheus.MustRegister(truncatedLinesTotal)
	prometheus.MustRegister(droppedLinesTotal)
	prometheus.MustRegister(connectionsGauge)
}
