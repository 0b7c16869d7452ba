// Package orchestrator drives one conversation turn through an explicit
// state machine. Each iteration asks the reasoner for a decision, dispatches
// the requested tool actions concurrently, merges their results into an
// ordered observation and feeds it back, until the reasoner produces a final
// answer or the iteration cap forces a best-effort synthesis. Completed
// turns are committed to the thread store atomically under optimistic
// concurrency.
package orchestrator
