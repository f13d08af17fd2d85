/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package rtunnel

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	METRICS_NAMESPACE = "rtunnel"
	METRICS_PATH      = "/metrics"
)

// Metrics are the Prometheus metrics for one set of services. Metrics are
// updated from the reactor goroutine and served from the metrics HTTP
// server goroutine; the Prometheus types are safe for this use.
type Metrics struct {
	registry *prometheus.Registry

	relaysAccepted   *prometheus.CounterVec
	relaysRejected   *prometheus.CounterVec
	relaysActive     prometheus.Gauge
	relayBytes       *prometheus.CounterVec
	relayDuration    prometheus.Histogram
	connectDuration  prometheus.Histogram
	connectFailures  prometheus.Counter
	associations     prometheus.Gauge
	udpPackets       *prometheus.CounterVec
	udpPacketsDrops  *prometheus.CounterVec
	streamsActive    prometheus.Gauge
	datagramsActive  prometheus.Gauge
	timersArmed      prometheus.Gauge
	dnsCacheHits     prometheus.Gauge
	dnsQueriesSent   prometheus.Gauge
	dnsQueryTimeouts prometheus.Gauge
}

// NewMetrics creates Metrics registered with a new registry, along with
// the standard Go and process collectors.
func NewMetrics() *Metrics {

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		relaysAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: METRICS_NAMESPACE,
			Name:      "relays_accepted_total",
			Help:      "Tunnel connections and UDP associations accepted.",
		}, []string{"protocol"}),

		relaysRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: METRICS_NAMESPACE,
			Name:      "relays_rejected_total",
			Help:      "Tunnel connections and UDP associations rejected.",
		}, []string{"protocol", "reason"}),

		relaysActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: METRICS_NAMESPACE,
			Name:      "relays_active",
			Help:      "TCP relays not yet destroyed.",
		}),

		relayBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: METRICS_NAMESPACE,
			Name:      "relay_bytes_total",
			Help:      "Bytes relayed, by direction.",
		}, []string{"protocol", "direction"}),

		relayDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: METRICS_NAMESPACE,
			Name:      "relay_duration_seconds",
			Help:      "Lifetime of destroyed relays.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),

		connectDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: METRICS_NAMESPACE,
			Name:      "connect_duration_seconds",
			Help:      "Time from accept to back connection established.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}),

		connectFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: METRICS_NAMESPACE,
			Name:      "connect_failures_total",
			Help:      "Back connections that failed to resolve or connect.",
		}),

		associations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: METRICS_NAMESPACE,
			Name:      "udp_associations_active",
			Help:      "UDP associations not yet idle.",
		}),

		udpPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: METRICS_NAMESPACE,
			Name:      "udp_packets_total",
			Help:      "UDP packets relayed, by direction.",
		}, []string{"direction"}),

		udpPacketsDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: METRICS_NAMESPACE,
			Name:      "udp_packets_dropped_total",
			Help:      "UDP packets dropped, by reason.",
		}, []string{"reason"}),

		streamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: METRICS_NAMESPACE,
			Name:      "streams_active",
			Help:      "Streams not yet destroyed, as of the last load sample.",
		}),

		datagramsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: METRICS_NAMESPACE,
			Name:      "datagrams_active",
			Help:      "Datagram sockets not yet destroyed, as of the last load sample.",
		}),

		timersArmed: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: METRICS_NAMESPACE,
			Name:      "timers_armed",
			Help:      "Armed reactor timers, as of the last load sample.",
		}),

		dnsCacheHits: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: METRICS_NAMESPACE,
			Name:      "dns_cache_hits",
			Help:      "DNS resolver cache hits, as of the last load sample.",
		}),

		dnsQueriesSent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: METRICS_NAMESPACE,
			Name:      "dns_queries_sent",
			Help:      "DNS queries sent, as of the last load sample.",
		}),

		dnsQueryTimeouts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: METRICS_NAMESPACE,
			Name:      "dns_query_timeouts",
			Help:      "DNS queries that timed out, as of the last load sample.",
		}),
	}
}

// Handler returns the HTTP handler that serves the metrics.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(METRICS_PATH, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return mux
}
