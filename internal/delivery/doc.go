// Package delivery fans confirmation messages out to the results channel
// and, for privileged owners, a direct message.
//
// Requests are queued and handled by a small worker pool. Each worker
// composes the confirmation image, waits for the messenger to be ready and
// sends both destinations concurrently under a shared rate limit. Send
// failures are logged per destination and never retried. The composed file
// is removed once any destination accepted it; otherwise it stays until the
// retention sweep reaps it.
package delivery
