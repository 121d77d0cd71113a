// Package metrics declares the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PluginExecutions counts plugin executions by outcome (success, error, timeout)
	PluginExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botfleet",
		Name:      "plugin_executions_total",
		Help:      "Plugin executions by plugin and outcome.",
	}, []string{"plugin", "outcome"})

	// PluginLatency observes plugin execution latency
	PluginLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "botfleet",
		Name:      "plugin_execution_seconds",
		Help:      "Plugin execution latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"plugin"})

	// InboundUpdates counts processed inbound updates by connection mode
	InboundUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botfleet",
		Name:      "inbound_updates_total",
		Help:      "Inbound updates by mode and handling result.",
	}, []string{"mode", "result"})

	// ScheduledMessages counts dispatcher outcomes
	ScheduledMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botfleet",
		Name:      "scheduled_messages_total",
		Help:      "Scheduled message dispatch outcomes.",
	}, []string{"outcome"})

	// BotTransitions counts lifecycle transitions by target status
	BotTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botfleet",
		Name:      "bot_transitions_total",
		Help:      "Bot lifecycle transitions by target status.",
	}, []string{"status"})
)
