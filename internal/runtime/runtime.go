// Package runtime starts and drives the isolated worker processes that
// back sessions. The core only sees the Adapter interface; the
// production implementation runs one container per worker through the
// docker CLI.
package runtime

import (
	"context"
	"io"
	"time"
)

// Adapter is the worker runtime capability the session layer depends
// on. A worker is one isolated agent process bound to a working
// directory for its whole lifetime; resume always targets the same
// worker identity.
//
// Stream contract: Start and Send return line-oriented streams of
// stream-json records (one JSON object per line). The boot stream
// carries the worker's init record and then closes; a send stream
// carries the events of one execution and closes when the execution
// finishes or the worker dies. Closing a stream releases the
// underlying process resources and is always safe.
type Adapter interface {
	// Start launches a worker bound to workDir and returns its id
	// together with the boot output stream.
	Start(ctx context.Context, workDir string) (workerID string, boot io.ReadCloser, err error)

	// Send forwards one prompt to a running worker. A non-empty
	// resumeToken continues the worker's existing conversation.
	Send(ctx context.Context, workerID, prompt, resumeToken string) (io.ReadCloser, error)

	// Stop terminates a worker: graceful signal first, forced kill
	// once the grace period expires. Stopping an unknown or already
	// stopped worker is a no-op.
	Stop(ctx context.Context, workerID string, grace time.Duration) error

	// Alive reports whether the worker process is still running.
	Alive(ctx context.Context, workerID string) bool
}
