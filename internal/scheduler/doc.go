// Package scheduler runs callbacks after a delay or repeatedly at a fixed
// interval, driven by a poll loop over integer clock ticks.
//
// The scheduler keeps:
//   - a bucket index (tick -> tasks due at that tick, in insertion order)
//   - a horizon (the furthest tick any pending task is due at)
//   - a previous-poll tick (the last tick fully drained)
//
// One dispatcher goroutine (Run) executes every pass and every callback, so
// callbacks never run in parallel with each other. Public methods are safe to
// call from any goroutine, including from inside a callback.
package scheduler
