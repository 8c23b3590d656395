// Package tenant implements the ArtifactHandle abstraction: an opaque
// reference to a loaded tenant and the resources it holds. Per the design
// note that a re-implementation should represent the tenant through a
// pluggable loader interface rather than the original's dynamic symbol
// resolution, this package implements the process-per-tenant variant —
// the safer default the note recommends — instead of in-process dynamic
// loading.
package tenant

import "context"

// Handle is an opaque reference to a loaded, running tenant. Stop must be
// idempotent and must release every resource (the child process, its
// stdout/stderr readers) before returning. The Deployment Manager holds
// exactly one Handle per DEPLOYED or LOADING record and drops it before
// returning the record's port to the allocator, to avoid a double-bind on
// a fast redeploy.
type Handle interface {
	// Stop terminates the tenant and releases its resources.
	Stop(ctx context.Context) error
	// Wait blocks until the tenant exits on its own (a crash), returning
	// the error it exited with, or nil if Stop was called first.
	Wait() <-chan error
}

// LogSink receives one line of tenant runtime output at a time.
type LogSink func(line string)

// Loader starts a built artifact as a tenant bound to port, with env
// supplying the resource-resolution values the Factory already resolved
// (database connection string, if any) so the tenant process doesn't need
// to call back into the control plane at all. Output the tenant writes to
// stdout/stderr is streamed line by line to sink.
type Loader interface {
	Load(ctx context.Context, artifactPath string, port int, env []string, sink LogSink) (Handle, error)
}
