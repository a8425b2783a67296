// Package metricsvc exposes the ledger and gateway events as Prometheus metrics.
package metricsvc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/trezcool/academia/core"
	"github.com/trezcool/academia/core/gateway"
	"github.com/trezcool/academia/core/ledger"
)

type Metrics struct {
	entriesCreated     *prometheus.CounterVec
	transactions       *prometheus.CounterVec
	transactionsAmount *prometheus.CounterVec
	statusTransitions  *prometheus.CounterVec
	webhookOutcomes    *prometheus.CounterVec
	currency           string
}

var (
	_ ledger.Metrics  = (*Metrics)(nil) // interface compliance check
	_ gateway.Metrics = (*Metrics)(nil)
)

// New creates the metrics and registers them with `registerer` (prometheus.DefaultRegisterer when nil).
func New(registerer prometheus.Registerer, conf *core.Config) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := prometheus.Labels{"env": conf.Env}

	m := &Metrics{
		currency: conf.Ledger.Currency,
		entriesCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "academia_ledger_entries_created_total",
				Help:        "Ledger entries created, by payment type.",
				ConstLabels: constLabels,
			},
			[]string{"payment_type"},
		),
		transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "academia_ledger_transactions_total",
				Help:        "Transactions recorded, by source (manual | gateway).",
				ConstLabels: constLabels,
			},
			[]string{"source"},
		),
		transactionsAmount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "academia_ledger_transactions_amount_total",
				Help:        "Sum of the recorded transaction amounts, by source and currency.",
				ConstLabels: constLabels,
			},
			[]string{"source", "currency"},
		),
		statusTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "academia_ledger_status_transitions_total",
				Help:        "Entry status changes.",
				ConstLabels: constLabels,
			},
			[]string{"from", "to"},
		),
		webhookOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "academia_gateway_webhook_events_total",
				Help:        "Gateway events handled, by outcome.",
				ConstLabels: constLabels,
			},
			[]string{"outcome"},
		),
	}

	for _, c := range []prometheus.Collector{m.entriesCreated, m.transactions, m.transactionsAmount, m.statusTransitions, m.webhookOutcomes} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) EntriesCreated(pt ledger.PaymentType, n int) {
	m.entriesCreated.WithLabelValues(string(pt)).Add(float64(n))
}

func (m *Metrics) TransactionRecorded(source string, amount decimal.Decimal) {
	m.transactions.WithLabelValues(source).Inc()
	m.transactionsAmount.WithLabelValues(source, m.currency).Add(amount.InexactFloat64())
}

func (m *Metrics) StatusChanged(from, to ledger.Status) {
	m.statusTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) WebhookHandled(outcome gateway.Outcome) {
	m.webhookOutcomes.WithLabelValues(string(outcome)).Inc()
}
