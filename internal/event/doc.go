// Package event provides the pub/sub bus for session lifecycle
// notifications, built on watermill's gochannel transport. Worker
// output does not travel here; it goes through the per-session output
// buffer. The bus carries the coarse-grained created/updated/deleted
// signals the dashboard feed consumes.
package event
