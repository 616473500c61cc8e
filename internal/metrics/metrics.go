// Package metrics exposes the router's prometheus counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WakePacketsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wakelobby_wake_packets_total",
			Help: "Wake-on-LAN magic packets sent",
		},
	)

	StickyWaitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wakelobby_sticky_waits_total",
			Help: "Sticky wait outcomes",
		},
		[]string{"result"}, // connected|timeout|cancelled|abandoned
	)

	AuthRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wakelobby_auth_rejections_total",
			Help: "Rejected portal authentication attempts",
		},
		[]string{"reason"}, // no_secret|expired|replay|bad_signature|bad_token
	)

	PortalRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wakelobby_portal_requests_total",
			Help: "Backend portal requests by outcome",
		},
		[]string{"result"}, // accepted|rejected|malformed
	)
)

func init() {
	prometheus.MustRegister(WakePacketsTotal)
	prometheus.MustRegister(StickyWaitsTotal)
	prometheus.MustRegister(AuthRejectionsTotal)
	prometheus.MustRegister(PortalRequestsTotal)
}

// Register exposes the /metrics endpoint on the given mux.
func Register(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}
