// Package backend defines the Executor interface implemented by each task
// kind (in-process sleeps, OS commands), the types exchanged between the
// engine and executors, and the Registry that maps kinds to executors.
package backend
