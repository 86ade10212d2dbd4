package obs

import (
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// InvoiceTotal counts invoice creation attempts by result.
	InvoiceTotal *prometheus.CounterVec
	// NotificationTotal counts reconciliation outcomes per delivery channel.
	NotificationTotal *prometheus.CounterVec
	// GatewayRequestTotal counts outbound processor calls by operation and result.
	GatewayRequestTotal *prometheus.CounterVec
	// GatewayRequestLatency records outbound processor latency in milliseconds.
	GatewayRequestLatency *prometheus.HistogramVec
	// SweepTotal counts pending-payment sweep outcomes.
	SweepTotal *prometheus.CounterVec
	// CurrencyFallbackTotal counts conversions served by the static rate table or refused.
	CurrencyFallbackTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		InvoiceTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gmpays_invoice_total",
			Help:      "Count of invoice creation outcomes.",
		}, []string{"result"})
		NotificationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gmpays_notification_total",
			Help:      "Count of payment notifications by channel and reconciliation outcome.",
		}, []string{"channel", "outcome"})
		GatewayRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gmpays_gateway_request_total",
			Help:      "Count of processor API calls by operation and result.",
		}, []string{"op", "result"})
		GatewayRequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gmpays_gateway_request_duration_ms",
			Help:      "Latency for processor API calls in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"op"})
		SweepTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gmpays_sweep_total",
			Help:      "Count of pending-payment sweep results.",
		}, []string{"result"})
		CurrencyFallbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gmpays_currency_rate_source_total",
			Help:      "Count of conversions by the rate source that served them.",
		}, []string{"source"})

		for _, c := range []struct {
			collector prometheus.Collector
			reuse     func(prometheus.Collector)
		}{
			{InvoiceTotal, func(e prometheus.Collector) { InvoiceTotal = asCounterVec(e, InvoiceTotal) }},
			{NotificationTotal, func(e prometheus.Collector) { NotificationTotal = asCounterVec(e, NotificationTotal) }},
			{GatewayRequestTotal, func(e prometheus.Collector) { GatewayRequestTotal = asCounterVec(e, GatewayRequestTotal) }},
			{GatewayRequestLatency, func(e prometheus.Collector) {
				if v, ok := e.(*prometheus.HistogramVec); ok {
					GatewayRequestLatency = v
				}
			}},
			{SweepTotal, func(e prometheus.Collector) { SweepTotal = asCounterVec(e, SweepTotal) }},
			{CurrencyFallbackTotal, func(e prometheus.Collector) { CurrencyFallbackTotal = asCounterVec(e, CurrencyFallbackTotal) }},
		} {
			mustRegisterCollector(reg, c.collector, c.reuse)
		}
	})
}

// Label normalises free-form values into low-cardinality metric labels.
func Label(value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return "unknown"
	}
	return strings.ReplaceAll(v, " ", "_")
}

func asCounterVec(existing prometheus.Collector, fallback *prometheus.CounterVec) *prometheus.CounterVec {
	if v, ok := existing.(*prometheus.CounterVec); ok {
		return v
	}
	return fallback
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register metric: %w", err))
	}
}
