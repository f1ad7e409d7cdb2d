package transactional

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 事务结果
const (
	outcomeCommit      = "commit"
	outcomeRollback    = "rollback"
	outcomeCommitError = "commit_error"
	outcomePanic       = "panic"
)

var transactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dbscope_transactions_total",
	Help: "Cumulative number of transactional calls, by propagation and outcome",
}, []string{"propagation", "outcome"})
