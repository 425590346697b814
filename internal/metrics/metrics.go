package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 工作流指标
var (
	// TransitionsTotal 流转总数
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_transitions_total",
			Help: "工作流流转总数",
		},
		[]string{"action", "status"},
	)

	// TransitionFailuresTotal 流转失败总数
	TransitionFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_transition_failures_total",
			Help: "工作流流转失败总数",
		},
		[]string{"reason"},
	)

	// InstancesActive 非终态实例数量
	InstancesActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "workflow_instances_active",
			Help: "处于非终态的工作流实例数量",
		},
		[]string{"tenant_id"},
	)

	// AutomationActionsTotal 自动化动作执行总数
	AutomationActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_automation_actions_total",
			Help: "自动化动作执行总数",
		},
		[]string{"action", "result"},
	)

	// NotificationsTotal 生成的通知记录总数
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_notifications_total",
			Help: "生成的通知记录总数",
		},
		[]string{"type"},
	)

	// PresenceActiveUsers 各工作流当前在线人数
	PresenceActiveUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workflow_presence_active_users",
			Help: "当前所有工作流的在线用户总数",
		},
	)

	// LockConflictsTotal 排他锁冲突总数
	LockConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workflow_lock_conflicts_total",
			Help: "排他锁冲突总数",
		},
	)

	// ConflictsDetectedTotal 协作冲突检出总数
	ConflictsDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_conflicts_detected_total",
			Help: "协作冲突检出总数",
		},
		[]string{"type"},
	)

	// OutboxPendingGauge 待分发出站记录数量
	OutboxPendingGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workflow_outbox_pending",
			Help: "待分发的出站副作用记录数量",
		},
	)
)
