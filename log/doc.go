// Package log defines the logging interface used across checkpointgo
// and a few ready-made implementations: a stdlib-backed default, a
// golog adapter with leveled colored output, and a no-op logger for
// callers that want silence.
package log
