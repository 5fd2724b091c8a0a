// Package caseflow orchestrates long-running customer retention cases on a
// durable, event-sourced workflow engine.
//
// A complaint starts a retention workflow that opens a case, fans out to
// four specialist agents in parallel, synthesizes their reports into an
// analysis, and then loops drafting resolutions until a human approves one.
// A second, simpler workflow runs an interactive conversation with an agent
// that continues for as long as the user keeps sending feedback.
//
// # Engine
//
// The Engine records every decision of an instance as an append-only
// history. Workflow code is re-executed from the start on each workflow
// task and replays recorded results instead of repeating side effects, so a
// process can crash at any point and another one picks up where it left
// off. The Engine provides APIs to:
//   - start workflows
//   - deliver signals
//   - read instance state, stage and loop counters
//   - read the event history
//   - wait for results
//
// Engines can be backed by:
//
//   - In-memory stores (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - PostgreSQL
//
// Task queues additionally run on Redis and MongoDB; see the serve command
// and its configuration for mixing backends.
//
// # Worker
//
// A Worker leases tasks from the task queues and hands them to the engine.
// Workflow tasks replay an instance; activity tasks run one attempt of an
// activity under its timeout and retry policy. Workers scale horizontally:
// leases are heartbeated, and a task whose worker died becomes visible again
// once its lease expires.
//
// # Runner
//
// Runner bundles an engine and a worker in one process. NewLocalRunner keeps
// everything in memory; NewSQLiteRunner persists it in a single SQLite
// database.
//
//	runner := caseflow.NewLocalRunner(worker.Config{})
//	_ = caseflow.RegisterWorkflows(runner.Engine, caseflow.Dependencies{
//		Store: caseflow.NewMemoryCaseStore(),
//		Agent: caseflow.NewScriptedAgent(),
//	})
//	_ = runner.Start(ctx)
//	defer runner.Stop()
package caseflow
