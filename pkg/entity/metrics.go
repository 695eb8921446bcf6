package entity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// commandsTotal counts sealed commands.
	// Labels: outcome (success, error)
	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloudstate",
		Subsystem: "entity",
		Name:      "commands_total",
		Help:      "Total commands handled",
	}, []string{"outcome"})

	commandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cloudstate",
		Subsystem: "entity",
		Name:      "command_duration_seconds",
		Help:      "Command handling latency in seconds, excluding queueing",
		Buckets:   prometheus.DefBuckets,
	})

	mailboxesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cloudstate",
		Subsystem: "entity",
		Name:      "mailboxes",
		Help:      "Entities with a running mailbox",
	})

	// effectsDispatched counts effect batches.
	// Labels: result (success, error)
	effectsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloudstate",
		Subsystem: "entity",
		Name:      "effect_batches_total",
		Help:      "Total effect batches dispatched",
	}, []string{"result"})

	entitiesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cloudstate",
		Subsystem: "entity",
		Name:      "deleted_total",
		Help:      "Entities deleted by local commands",
	})
)
