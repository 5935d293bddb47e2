package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RequestMetrics instruments the API. Series are labelled by route
// template, never by raw URL.
type RequestMetrics struct {
	Requests      *prometheus.CounterVec
	Duration      *prometheus.HistogramVec
	ResponseBytes *prometheus.HistogramVec
	InFlight      prometheus.Gauge
}

// NewRequestMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewRequestMetrics(reg prometheus.Registerer) *RequestMetrics {
	f := promauto.With(reg)
	return &RequestMetrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hnm",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "endpoint", "status"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hnm",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		ResponseBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hnm",
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response body size by route.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"endpoint"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "hnm",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "HTTP requests currently being served.",
		}),
	}
}

// Middleware records every request that reaches the router.
func (m *RequestMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.InFlight.Inc()
			defer m.InFlight.Dec()

			start := time.Now()
			err := next(c)
			elapsed := time.Since(start)

			endpoint := routeLabel(c.Path())
			method := c.Request().Method
			m.Requests.WithLabelValues(method, endpoint, strconv.Itoa(responseStatus(c, err))).Inc()
			m.Duration.WithLabelValues(method, endpoint).Observe(elapsed.Seconds())
			m.ResponseBytes.WithLabelValues(endpoint).Observe(float64(c.Response().Size))
			return err
		}
	}
}

// responseStatus is the code the client will see. Errors are rendered by
// the error handler after the middleware chain returns.
func responseStatus(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

// routeLabel maps requests no route matched to a single label value.
func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
