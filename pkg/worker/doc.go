// Package worker runs the poll loops that drive caseflow instances forward.
//
// A Worker leases tasks from one or more logical queues of a
// taskqueue.Queue and hands them to a TaskHandler, normally the engine.
// While a task runs its lease is renewed on a heartbeat so slow activities
// are not redelivered to another worker. A handler error releases the task
// with exponential backoff; after MaxAttempts deliveries it is dropped.
//
// Queues are at-least-once. Handlers must tolerate duplicates, which the
// engine does by deduplicating results against instance history.
//
// Typical wiring:
//
//	w := worker.New(eng, eng.Queue(), worker.Config{
//		Queues:      []string{eng.WorkflowQueue(), "customer-retention-queue"},
//		Concurrency: 4,
//	})
//	go w.Run(ctx)
//
// EnqueueStartWorkflow routes a start request through the queue instead of
// calling the engine directly. EnqueueSignal records the signal in history
// right away and leaves its processing to the workers.
package worker
