package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsFromStreamCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_gateway_events_received_total",
	Help: "Total number of frames received from the gateway stream",
}, []string{"remote_addr", "op"})

var bytesFromStreamCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_gateway_bytes_received_total",
	Help: "Total bytes received from the gateway stream",
}, []string{"remote_addr"})

var droppedEventsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_gateway_events_dropped_total",
	Help: "Message events which could not be decoded or scheduled, and decisions dispatched inline because the dispatch pool rejected them",
}, []string{"reason"})
