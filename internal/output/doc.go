// Package output contains the per-session output pipeline: the typed
// events a worker emits, the parser that turns raw NDJSON lines into
// them, and the append-only buffer that fans events out to observers.
package output
