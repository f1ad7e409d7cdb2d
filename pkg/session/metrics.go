package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dbscope_sessions_created_total",
		Help: "Cumulative number of sessions created in the session table",
	})
	sessionsRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dbscope_sessions_removed_total",
		Help: "Cumulative number of sessions removed from the session table",
	})
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dbscope_sessions_active",
		Help: "Number of sessions currently held by the session table",
	})
	statementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbscope_statements_total",
		Help: "Cumulative number of statements executed, by target engine",
	}, []string{"engine"})
	statementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dbscope_statement_duration_seconds",
		Help:    "Statement execution latency, by target engine",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 9),
	}, []string{"engine"})
	flushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dbscope_flushes_total",
		Help: "Cumulative number of non-empty flushes of pending writes",
	})
	sessionTransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbscope_session_transactions_total",
		Help: "Cumulative number of session transaction operations, by operation and status",
	}, []string{"op", "status"})
)
