package settings

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var settingsLoads = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_settings_loads",
	Help: "Number of settings documents compiled and swapped in, by source",
}, []string{"source"})

var settingsLoadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_settings_load_errors",
	Help: "Number of failed settings loads, by source",
}, []string{"source"})

var settingsSkippedRules = promauto.NewCounter(prometheus.CounterOpts{
	Name: "automod_settings_skipped_rules",
	Help: "Number of invalid rules or settings skipped at load",
})
