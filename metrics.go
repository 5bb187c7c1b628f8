package coap

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the client-observable Prometheus collectors from
// section 6's "Metrics surface". Built with NewMetrics and passed to
// NewClient via ClientConfig.Metrics; registration against the caller's
// registry mirrors facebook-time's PrometheusExporter, which builds
// collectors and registers them against an explicit *prometheus.Registry
// rather than the global default one.
type Metrics struct {
	TransactionsInflight    prometheus.Gauge
	ExchangesInflight       prometheus.Gauge
	RetransmissionsTotal    prometheus.Counter
	TransactionTimeouts     prometheus.Counter
	ExchangeTimeouts        prometheus.Counter
	DuplicateMessagesTotal  prometheus.Counter
}

// NewMetrics builds and registers the client's collectors against reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		TransactionsInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coap_client_transactions_inflight",
			Help: "Number of CON retransmission state machines currently pending.",
		}),
		ExchangesInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coap_client_exchanges_inflight",
			Help: "Number of logical (endpoint, token) exchanges currently active.",
		}),
		RetransmissionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coap_client_retransmissions_total",
			Help: "Total CON messages retransmitted after an ACK timeout.",
		}),
		TransactionTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coap_client_transaction_timeouts_total",
			Help: "Total transactions that exhausted their retransmission budget.",
		}),
		ExchangeTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coap_client_exchange_timeouts_total",
			Help: "Total exchanges that made no progress within their timeout window.",
		}),
		DuplicateMessagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coap_client_duplicate_messages_total",
			Help: "Total inbound datagrams recognised as duplicates of an already-processed message.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.TransactionsInflight, m.ExchangesInflight, m.RetransmissionsTotal,
		m.TransactionTimeouts, m.ExchangeTimeouts, m.DuplicateMessagesTotal,
	} {
		if err := reg.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				_ = are // collector already present under this registry; ignore
				continue
			}
		}
	}
	return m
}

// ObserveRetransmission increments the retransmissions counter.
func (m *Metrics) ObserveRetransmission() {
	if m == nil {
		return
	}
	m.RetransmissionsTotal.Inc()
}

// ObserveTransactionTimeout increments the transaction-timeout counter.
func (m *Metrics) ObserveTransactionTimeout() {
	if m == nil {
		return
	}
	m.TransactionTimeouts.Inc()
}

// ObserveExchangeTimeout increments the exchange-timeout counter.
func (m *Metrics) ObserveExchangeTimeout() {
	if m == nil {
		return
	}
	m.ExchangeTimeouts.Inc()
}

// ObserveDuplicate increments the duplicate-message counter.
func (m *Metrics) ObserveDuplicate() {
	if m == nil {
		return
	}
	m.DuplicateMessagesTotal.Inc()
}

// SetInflight refreshes the two inflight gauges from live map sizes.
func (m *Metrics) SetInflight(transactions, exchanges int) {
	if m == nil {
		return
	}
	m.TransactionsInflight.Set(float64(transactions))
	m.ExchangesInflight.Set(float64(exchanges))
}
