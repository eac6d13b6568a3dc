package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var dispatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_dispatch_attempts",
	Help: "Number of connector calls, by action",
}, []string{"action"})

var dispatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_dispatch_outcomes",
	Help: "Number of enforcement outcomes, by action and result",
}, []string{"action", "result"})

var dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "automod_dispatch_duration_sec",
	Help: "Duration of enforcement dispatch, including retries",
}, []string{"action"})

var dispatchDeduped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_dispatch_deduplicated",
	Help: "Number of commands skipped because an identical command was recently applied",
}, []string{"action"})
