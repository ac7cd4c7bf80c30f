// Package saga provides an orchestration engine for sagas in Go.
//
// A saga runs a fixed sequence of activities that can fail. Each step may
// pair its activity with a compensation; when a step fails for good, the
// compensations of the steps already begun run in reverse order. For more on
// distributed sagas, see this 2017 JOTB talk by Caitie McCaffrey:
// https://www.youtube.com/watch?v=0UTOLRTwOX0
//
// Overview
//
//  1. Implement activities with NewActivity or NewTypedActivity and register
//     them, forward and compensating alike, in an ActivityRegistry.
//  2. Describe the saga with a DefinitionBuilder: one Step per activity, each
//     with its ActivityOptions (start-to-close timeout and RetryPolicy).
//  3. Run it with an Orchestrator, or register the definition with a
//     Coordinator and call StartSaga to run it in the background.
//  4. Every decision is recorded as an ExecutionEvent. Persist them with an
//     EventStore and re-drive the definition against them with Replay to
//     check that the orchestration logic is deterministic.
//
// Time is read through clock.Clock; tests pass a clock.Virtual so long
// backoff sequences run without waiting.
package saga
