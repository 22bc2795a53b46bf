package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"alertbridge/internal/domain"
)

const namespace = "alertbridge"

// Metrics holds service counters registered on a private registry.
// Params: none; all methods are safe on a nil receiver.
// Returns: recorder shared by ingest, reaction and purge paths.
type Metrics struct {
	registry *prometheus.Registry

	ingestedItems   *prometheus.CounterVec
	webhookRequests *prometheus.CounterVec
	reactions       *prometheus.CounterVec
	chatOperations  *prometheus.CounterVec
	purgedRecords   prometheus.Counter
}

// New creates and registers all service collectors.
// Params: none.
// Returns: metrics bound to a fresh registry with Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ingestedItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingested_alerts_total",
				Help:      "Webhook alert items processed, by outcome",
			},
			[]string{"outcome"},
		),
		webhookRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_requests_total",
				Help:      "Webhook requests, by transport and response code",
			},
			[]string{"transport", "code"},
		),
		reactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reactions_total",
				Help:      "Chat reactions handled, by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		chatOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chat_operations_total",
				Help:      "Chat API calls, by operation and result",
			},
			[]string{"op", "result"},
		),
		purgedRecords: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "purged_records_total",
				Help:      "Resolved alert records removed by retention",
			},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ingestedItems,
		m.webhookRequests,
		m.reactions,
		m.chatOperations,
		m.purgedRecords,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// IngestResult counts every item of one processed batch.
func (m *Metrics) IngestResult(result domain.IngestResult) {
	if m == nil {
		return
	}
	for _, item := range result.Items {
		m.ingestedItems.WithLabelValues(string(item.Outcome)).Inc()
	}
}

// WebhookRequest counts one webhook delivery.
// Params: transport name ("http" or "nats") and HTTP-equivalent status code.
func (m *Metrics) WebhookRequest(transport string, code int) {
	if m == nil {
		return
	}
	m.webhookRequests.WithLabelValues(transport, strconv.Itoa(code)).Inc()
}

// Reaction counts one handled reaction.
func (m *Metrics) Reaction(kind domain.ReactionKind, outcome string) {
	if m == nil {
		return
	}
	label := string(kind)
	if label == "" {
		label = "unknown"
	}
	m.reactions.WithLabelValues(label, outcome).Inc()
}

// ChatOperation counts one chat call.
// Params: operation (send/edit/react) and call error.
func (m *Metrics) ChatOperation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.chatOperations.WithLabelValues(op, result).Inc()
}

// Purged adds removed record count.
func (m *Metrics) Purged(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.purgedRecords.Add(float64(count))
}
