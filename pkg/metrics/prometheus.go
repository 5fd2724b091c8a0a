// Package metrics exports engine and worker activity as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petrijr/caseflow/internal/taskqueue"
	"github.com/petrijr/caseflow/pkg/api"
	"github.com/petrijr/caseflow/pkg/worker"
)

var durationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900}

// Observer records metrics for every engine and worker event. It implements
// api.Observer and worker.TaskObserver.
type Observer struct {
	WorkflowsStarted  *prometheus.CounterVec
	WorkflowsFinished *prometheus.CounterVec
	WorkflowsActive   *prometheus.GaugeVec
	StagesEntered     *prometheus.CounterVec
	SignalsReceived   *prometheus.CounterVec

	ActivityAttempts *prometheus.CounterVec
	ActivityDuration *prometheus.HistogramVec

	TasksHandled *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
	active   sync.Map
}

var (
	_ api.Observer        = (*Observer)(nil)
	_ worker.TaskObserver = (*Observer)(nil)
)

// NewObserver creates the instruments and registers them with reg. A nil reg
// uses a fresh registry.
func NewObserver(reg *prometheus.Registry) *Observer {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	o := &Observer{
		WorkflowsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_workflows_started_total",
			Help: "Workflow instances started.",
		}, []string{"workflow"}),
		WorkflowsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_workflows_finished_total",
			Help: "Workflow instances that reached a terminal status.",
		}, []string{"workflow", "status"}),
		WorkflowsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "caseflow_workflows_active",
			Help: "Workflow instances started by this process and not yet terminal.",
		}, []string{"workflow"}),
		StagesEntered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_stages_entered_total",
			Help: "Stage transitions recorded by workflows.",
		}, []string{"workflow", "stage"}),
		SignalsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_signals_received_total",
			Help: "Signals recorded for workflow instances.",
		}, []string{"workflow", "signal"}),
		ActivityAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_activity_attempts_total",
			Help: "Activity attempts by outcome.",
		}, []string{"activity", "queue", "outcome"}),
		ActivityDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_activity_duration_seconds",
			Help:    "Duration of activity attempts.",
			Buckets: durationBuckets,
		}, []string{"activity"}),
		TasksHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_tasks_handled_total",
			Help: "Queue tasks handled by workers.",
		}, []string{"queue", "type", "outcome"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_task_duration_seconds",
			Help:    "Time spent handling one queue task.",
			Buckets: durationBuckets,
		}, []string{"queue", "type"}),
		gatherer: reg,
	}
	reg.MustRegister(
		o.WorkflowsStarted, o.WorkflowsFinished, o.WorkflowsActive,
		o.StagesEntered, o.SignalsReceived,
		o.ActivityAttempts, o.ActivityDuration,
		o.TasksHandled, o.TaskDuration,
	)
	return o
}

// Handler serves the registry in the Prometheus exposition format.
func (o *Observer) Handler() http.Handler {
	return promhttp.HandlerFor(o.gatherer, promhttp.HandlerOpts{})
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (o *Observer) OnWorkflowStart(_ context.Context, inst *api.WorkflowInstance) {
	o.WorkflowsStarted.WithLabelValues(inst.Name).Inc()
	o.WorkflowsActive.WithLabelValues(inst.Name).Inc()
	o.active.Store(inst.ID, struct{}{})
}

func (o *Observer) OnWorkflowCompleted(_ context.Context, inst *api.WorkflowInstance) {
	o.finished(inst)
}

func (o *Observer) OnWorkflowFailed(_ context.Context, inst *api.WorkflowInstance, _ error) {
	o.finished(inst)
}

func (o *Observer) finished(inst *api.WorkflowInstance) {
	o.WorkflowsFinished.WithLabelValues(inst.Name, string(inst.Status)).Inc()
	// Instances started by another replica were never counted here.
	if _, ok := o.active.LoadAndDelete(inst.ID); ok {
		o.WorkflowsActive.WithLabelValues(inst.Name).Dec()
	}
}

func (o *Observer) OnStageEntered(_ context.Context, inst *api.WorkflowInstance, stage string) {
	o.StagesEntered.WithLabelValues(inst.Name, stage).Inc()
}

func (o *Observer) OnActivityStart(context.Context, api.ActivityInfo) {}

func (o *Observer) OnActivityCompleted(_ context.Context, info api.ActivityInfo, err error, d time.Duration) {
	o.ActivityAttempts.WithLabelValues(info.Activity, info.Queue, outcome(err)).Inc()
	o.ActivityDuration.WithLabelValues(info.Activity).Observe(d.Seconds())
}

func (o *Observer) OnSignalReceived(_ context.Context, inst *api.WorkflowInstance, signal string) {
	o.SignalsReceived.WithLabelValues(inst.Name, signal).Inc()
}

// TaskHandled implements worker.TaskObserver.
func (o *Observer) TaskHandled(queue string, typ taskqueue.TaskType, d time.Duration, err error) {
	o.TasksHandled.WithLabelValues(queue, string(typ), outcome(err)).Inc()
	o.TaskDuration.WithLabelValues(queue, string(typ)).Observe(d.Seconds())
}
