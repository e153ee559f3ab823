// Package orchestrator runs batch claim jobs.
//
// StartClaimJob validates the request, registers the job and hands it to
// the run loop; it never runs the batch on the caller's goroutine. Each
// account becomes one keyed engine task, so an account already claimed by
// another job is recorded as skipped instead of running twice. Results are
// recorded, persisted and handed to delivery as they finish. When the last
// account is terminal the job is finished, saved and reported.
package orchestrator
