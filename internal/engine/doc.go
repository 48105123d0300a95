// Package engine runs tasks under the deadline watchdog. It resolves an
// executor for each task kind, records the lifecycle in the store, streams
// log lines to subscribers, and maps the watchdog's verdict onto the final
// task status.
package engine
