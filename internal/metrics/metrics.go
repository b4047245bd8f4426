// Package metrics exposes Prometheus collectors for the import engine. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks documents, announcements and entity reconciliation.
type Metrics struct {
	Documents         *prometheus.CounterVec
	Announcements     *prometheus.CounterVec
	EntitiesCreated   *prometheus.CounterVec
	IdentityConflicts *prometheus.CounterVec
	CascadeMissing    prometheus.Counter
	DocumentDuration  prometheus.Histogram
}

// New registers the import collectors on reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Documents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "libreborme_documents_total",
			Help: "Gazette documents processed, by result (imported, skipped, failed)",
		}, []string{"result"}),
		Announcements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "libreborme_announcements_total",
			Help: "Announcements processed, by result (ok, failed)",
		}, []string{"result"}),
		EntitiesCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "libreborme_entities_created_total",
			Help: "Companies and persons created, by kind",
		}, []string{"kind"}),
		IdentityConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "libreborme_identity_conflicts_total",
			Help: "Slug collisions with a differing display name, by kind",
		}, []string{"kind"}),
		CascadeMissing: f.NewCounter(prometheus.CounterOpts{
			Name: "libreborme_cascade_missing_counterparties_total",
			Help: "Counterparties not found while dissolving a company",
		}),
		DocumentDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "libreborme_document_import_duration_seconds",
			Help:    "Duration of a single document import",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}
}

// Document records a document outcome.
func (m *Metrics) Document(result string) {
	if m == nil {
		return
	}
	m.Documents.WithLabelValues(result).Inc()
}

// Announcement records an announcement outcome.
func (m *Metrics) Announcement(result string) {
	if m == nil {
		return
	}
	m.Announcements.WithLabelValues(result).Inc()
}

// EntityCreated records a new company or person.
func (m *Metrics) EntityCreated(kind string) {
	if m == nil {
		return
	}
	m.EntitiesCreated.WithLabelValues(kind).Inc()
}

// IdentityConflict records a slug collision.
func (m *Metrics) IdentityConflict(kind string) {
	if m == nil {
		return
	}
	m.IdentityConflicts.WithLabelValues(kind).Inc()
}

// MissingCounterparty records a counterparty skipped by the cascade.
func (m *Metrics) MissingCounterparty() {
	if m == nil {
		return
	}
	m.CascadeMissing.Inc()
}

// ObserveDocument records the duration of a document import.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveDocument(start time.Time) {
	if m == nil {
		return
	}
	m.DocumentDuration.Observe(time.Since(start).Seconds())
}
