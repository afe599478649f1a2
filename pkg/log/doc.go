// Package log provides structured logging for Taskforge using zerolog.
//
// A single global Logger is initialized once via Init and component loggers
// are derived from it with WithComponent/WithWorkerID/WithTaskID/WithRunID so
// that every log line carries the context needed to correlate a Run across
// the scheduler, transport, and log pipeline.
package log
