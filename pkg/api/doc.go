// Package api contains the core building blocks used by the caseflow
// orchestration engine: workflow and activity definitions, the
// WorkflowContext handed to workflow code, history events, the case store
// contract, typed errors, and observers.
//
// Most users interact with the higher-level caseflow package, which
// re-exports selected types and wires engines, queues and workers together.
//
// # Workflows
//
// A workflow is a plain Go function that receives a WorkflowContext. It is
// re-executed from the top on every workflow task. Each call that issues a
// command (ExecuteActivity, AwaitSignal, EnterStage, SetCounter, Now) is
// numbered in call order, and the engine matches those numbers against the
// instance history. Commands already in history are answered from history;
// only new commands are recorded and dispatched. Workflow code must therefore
// be deterministic and must not perform I/O directly.
//
// When a workflow needs a result that is not yet recorded, the context
// returns a *SuspendError. Workflow code propagates it unchanged:
//
//	f1 := wctx.ExecuteActivity("customer_intelligence_agent", opts, in)
//	f2 := wctx.ExecuteActivity("operations_investigation_agent", opts, in)
//	if err := api.All(f1, f2); err != nil {
//		return nil, err
//	}
//
// # Activities
//
// Activities do the side-effecting work. They are delivered at least once,
// retried according to their RetryPolicy, and bounded per attempt by
// ActivityOptions.StartToCloseTimeout. Wrap an error with NonRetryable to
// fail immediately.
//
// # Signals
//
// Signals are named JSON messages recorded in arrival order. AwaitSignal
// consumes the oldest unconsumed signal of a name, or waits on a durable
// timer and returns ErrSignalTimeout when it fires.
//
// # Observability
//
// Observer receives lifecycle callbacks. LoggingObserver writes slog
// records, BasicMetrics keeps counters, and CompositeObserver fans out to
// several observers.
package api
