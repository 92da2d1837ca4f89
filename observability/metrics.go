package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Evaluation Metrics ─────────────────────────────────────────────────────

// TierChanges counts recorded tier transitions by direction.
var TierChanges = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "spa_loyalty",
	Subsystem: "evaluation",
	Name:      "tier_changes_total",
	Help:      "Total tier transitions recorded, by direction (up/down).",
}, []string{"direction"})

// Evaluations counts evaluator runs by outcome.
var Evaluations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "spa_loyalty",
	Subsystem: "evaluation",
	Name:      "runs_total",
	Help:      "Total customer evaluations, by outcome (unchanged/changed/error).",
}, []string{"outcome"})

// ─── Grant Metrics ──────────────────────────────────────────────────────────

// GrantsCreated counts grants created by category.
var GrantsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "spa_loyalty",
	Subsystem: "grants",
	Name:      "created_total",
	Help:      "Total reward grants created, by category.",
}, []string{"category"})

// GrantRejections counts rejected ledger operations by op and reason.
var GrantRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "spa_loyalty",
	Subsystem: "grants",
	Name:      "rejections_total",
	Help:      "Total rejected ledger operations, by op and reason.",
}, []string{"op", "reason"})

// GrantTransitions counts successful state transitions by target state.
var GrantTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "spa_loyalty",
	Subsystem: "grants",
	Name:      "transitions_total",
	Help:      "Total grant state transitions, by target state.",
}, []string{"state"})

// ─── Delivery Metrics ───────────────────────────────────────────────────────

// Deliveries counts notification attempts by channel and result.
var Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "spa_loyalty",
	Subsystem: "delivery",
	Name:      "attempts_total",
	Help:      "Total reward notification attempts, by channel and result (sent/failed).",
}, []string{"channel", "result"})

// CooldownDeferrals counts sends deferred because the cooldown window was open.
var CooldownDeferrals = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "spa_loyalty",
	Subsystem: "delivery",
	Name:      "cooldown_deferrals_total",
	Help:      "Total delivery attempts deferred by the send cooldown.",
})

// ─── Job Metrics ────────────────────────────────────────────────────────────

// JobRuns counts scheduled job executions by job and result.
var JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "spa_loyalty",
	Subsystem: "jobs",
	Name:      "runs_total",
	Help:      "Total scheduled job runs, by job and result (ok/error).",
}, []string{"job", "result"})
