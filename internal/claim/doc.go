// Package claim holds the domain types shared by the claim pipeline: linked
// accounts, claim jobs and their per-account results, and the Executor
// contract implemented by the browser driver.
package claim
