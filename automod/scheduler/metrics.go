package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var workItemsAdded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_scheduler_work_items_added_total",
	Help: "Total number of work items added to the consumer pool",
}, []string{"pool", "scheduler_type"})

var workItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_scheduler_work_items_processed_total",
	Help: "Total number of work items processed by the consumer pool",
}, []string{"pool", "scheduler_type"})

var workItemsActive = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_scheduler_work_items_active_total",
	Help: "Total number of work items passed into a worker",
}, []string{"pool", "scheduler_type"})

var workItemsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_scheduler_work_items_rejected_total",
	Help: "Total number of work items rejected because the key's queue was full",
}, []string{"pool", "scheduler_type"})

var workersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "automod_scheduler_workers_active",
	Help: "Number of workers currently active",
}, []string{"pool", "scheduler_type"})
