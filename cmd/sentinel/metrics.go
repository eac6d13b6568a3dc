package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var apiEventsReceived = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sentinel_api_events_received",
	Help: "Number of message events submitted through the HTTP API",
})

var apiSettingsUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sentinel_api_settings_updates",
	Help: "Number of settings documents submitted through the HTTP API, by result",
}, []string{"result"})

var sighupReloads = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sentinel_sighup_reloads",
	Help: "Number of settings reloads requested by SIGHUP",
})
