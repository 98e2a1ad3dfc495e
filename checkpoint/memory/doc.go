// Package memory provides an in-process checkpoint saver, useful for
// tests and short-lived programs that do not need durable state.
//
// Despite living entirely in maps, the saver enforces the same rules
// as the database backends: checkpoints are immutable once stored,
// channel states are content-addressed and shared across checkpoints,
// and values pass through the serializer boundary so callers always
// receive fresh copies rather than aliases into the store.
package memory
