package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics used across the flow framework. Named and shaped the way the
// node's other subsystems name theirs: flow_<component>_<noun>_total.
var (
	FlowsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_manager_flows_started_total",
		Help: "counter of flows started by the flow manager",
	}, []string{"flowClass", "initiatorKind"})

	FlowsTerminated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_manager_flows_terminated_total",
		Help: "counter of flows terminated by the flow manager",
	}, []string{"flowClass", "outcome"})

	FlowsResurrected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flow_manager_flows_resurrected_total",
		Help: "counter of flows resurrected from checkpoints at startup",
	})

	CheckpointsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flow_checkpoint_store_writes_total",
		Help: "counter of checkpoints written to the durable store",
	})

	CheckpointsRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flow_checkpoint_store_removals_total",
		Help: "counter of checkpoints removed from the durable store",
	})

	SessionMessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_session_messages_sent_total",
		Help: "counter of session protocol messages sent",
	}, []string{"tag"})

	SessionMessagesDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flow_session_messages_deduped_total",
		Help: "counter of inbound session messages discarded as duplicates",
	})

	ActiveFlows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flow_manager_active_flows",
		Help: "gauge of flows currently tracked by the flow manager",
	})
)
