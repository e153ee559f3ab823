// Package scheduler fires named cron triggers.
//
// It is trigger-only: a firing calls the registered Job, and the work itself
// runs elsewhere. A schedule whose previous firing is still running is
// skipped, so a slow run never stacks behind itself.
package scheduler
