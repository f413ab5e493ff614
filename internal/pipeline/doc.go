// Package pipeline runs the round 1 (generate and publish) and round 2
// (fetch, modify and update) sequences for task requests. The Engine
// schedules each accepted request on its own goroutine, bounds how many run
// at once, serializes runs for the same task, and records every state change
// in the run store.
package pipeline
