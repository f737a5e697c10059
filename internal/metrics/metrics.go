// Package metrics exposes Prometheus instruments for speech routing, the
// usage ledger, the audio cache and vendor calls.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/book-expert/tutor-tts-service/internal/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tutor_tts"

// Metrics holds every collector on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	utterances       *prometheus.CounterVec
	reservations     *prometheus.CounterVec
	billedCharacters prometheus.Counter
	cacheLookups     *prometheus.CounterVec
	cacheEvictions   *prometheus.CounterVec
	vendorDuration   *prometheus.HistogramVec
	httpRequests     *prometheus.CounterVec
}

// New creates Metrics and registers the collectors, including the Go
// runtime and process collectors.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		utterances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_total",
			Help:      "Utterances routed, by backend and routing reason.",
		}, []string{"backend", "reason"}),
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_reservations_total",
			Help:      "Check-and-reserve calls, by result.",
		}, []string{"granted"}),
		billedCharacters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billed_characters_total",
			Help:      "Premium characters committed to the ledger.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_cache_lookups_total",
			Help:      "Audio cache lookups, by result.",
		}, []string{"result"}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_cache_evictions_total",
			Help:      "Audio cache evictions, by reason.",
		}, []string{"reason"}),
		vendorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vendor_request_duration_seconds",
			Help:      "Premium vendor call latency in seconds.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by route and status code.",
		}, []string{"route", "code"}),
	}

	collectorsToRegister := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.utterances,
		m.reservations,
		m.billedCharacters,
		m.cacheLookups,
		m.cacheEvictions,
		m.vendorDuration,
		m.httpRequests,
	}

	for _, collector := range collectorsToRegister {
		err := m.registry.Register(collector)
		if err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Routed counts an utterance.
func (m *Metrics) Routed(backend core.BackendKind, reason core.Reason) {
	m.utterances.WithLabelValues(string(backend), reason.String()).Inc()
}

// Reserved counts a ledger decision and, when granted, the billed characters.
func (m *Metrics) Reserved(granted bool, characters int) {
	m.reservations.WithLabelValues(strconv.FormatBool(granted)).Inc()

	if granted {
		m.billedCharacters.Add(float64(characters))
	}
}

func (m *Metrics) CacheHit() { m.cacheLookups.WithLabelValues("hit").Inc() }

func (m *Metrics) CacheMiss() { m.cacheLookups.WithLabelValues("miss").Inc() }

func (m *Metrics) CacheEvicted(reason string) { m.cacheEvictions.WithLabelValues(reason).Inc() }

// VendorRequest observes one premium vendor call.
func (m *Metrics) VendorRequest(outcome string, elapsed time.Duration) {
	m.vendorDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// HTTPRequest counts one served request.
func (m *Metrics) HTTPRequest(route string, code int) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
