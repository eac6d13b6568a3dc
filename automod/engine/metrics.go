package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventProcessDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "automod_event_duration_sec",
	Help: "Duration of message event evaluation, excluding dispatch",
})

var eventProcessCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_event_processed",
	Help: "Number of message events processed, by terminal state",
}, []string{"state"})

var eventPanicCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "automod_event_panics",
	Help: "Number of message events whose rule evaluation panicked",
})

var ruleMatchCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_rule_matches",
	Help: "Number of rule matches, by matcher type",
}, []string{"matcher"})

var cooldownSuppressedCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "automod_cooldown_suppressed",
	Help: "Number of rule matches suppressed because the rule was cooling down",
})

var violationRecordedCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "automod_violations_recorded",
	Help: "Number of violations recorded in the ledger",
})

var ledgerErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_ledger_errors",
	Help: "Number of violation ledger failures, by operation",
}, []string{"op"})

var escalationCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_escalations",
	Help: "Number of events escalated past a warning, by action",
}, []string{"action"})

var circuitBreakerCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_circuit_breaker_trips",
	Help: "Number of actions downgraded by a circuit breaker",
}, []string{"action"})

var notifyErrorCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "automod_notify_errors",
	Help: "Number of failed notification sends",
})
