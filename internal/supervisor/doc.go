// Package supervisor runs one watch session per namespace and waits for all
// of them.
//
// Sessions are independent: a failing session does not cancel its siblings.
// Run returns only after every session has returned, combining their errors.
// Cancellation of the parent context stops all sessions; a session that
// returns context.Canceled after cancellation is a graceful stop, not a
// failure.
package supervisor
