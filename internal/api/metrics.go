package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

// Outcomes of a POST /api-endpoint request.
const (
	ingestAccepted  = "accepted"
	ingestIgnored   = "ignored"
	ingestRejected  = "rejected"
	ingestMalformed = "malformed"
	ingestFailed    = "failed"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipwright_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shipwright_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	authFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipwright_http_auth_failures_total",
			Help: "Total number of requests rejected for a wrong or missing secret.",
		},
		[]string{"path"},
	)

	ingestRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipwright_ingest_requests_total",
			Help: "Task submissions by outcome: accepted, ignored (unknown round), rejected (secret), malformed (body) or failed (run not recorded).",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(authFailuresTotal)
	prometheus.MustRegister(ingestRequestsTotal)
	for _, o := range []string{ingestAccepted, ingestIgnored, ingestRejected, ingestMalformed, ingestFailed} {
		ingestRequestsTotal.WithLabelValues(o)
	}
}

// metricsMiddleware counts and times every request, labelled by chi route
// pattern so run and task IDs never become label values.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start).Seconds()
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern returns the matched route, or "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
