// Package sandbox runs external commands under resource and time bounds with
// guaranteed teardown. Two backends implement the same contract: ephemeral
// Docker containers and Kubernetes batch Jobs. Neither backend retries —
// retry policy belongs to the caller.
package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty commands.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultDeadline = 60 * time.Second
)

// Executor is the uniform execution contract shared by all backends.
// Cancellation is cooperative: callers signal it through ctx, and it always
// takes the same teardown path as a timeout.
type Executor interface {
	// Execute runs one command to a single terminal outcome. Non-zero exit
	// is a result, not an error; errors are reserved for timeout,
	// cancellation, and infrastructure failures.
	Execute(ctx context.Context, command string, args []string, opts Options) (*ExecutionResult, error)

	// HealthCheck verifies the backing runtime is reachable without
	// running a command.
	HealthCheck(ctx context.Context) error

	// Name identifies the backend ("docker", "kubernetes", "process").
	Name() string
}

// Options bounds a single invocation.
type Options struct {
	// Input is fed to the command's stdin. Must not contain NUL bytes.
	Input string

	// Deadline is the maximum wall-clock run time. Zero = backend default.
	Deadline time.Duration

	// Image overrides the backend's default container image.
	Image string

	// Env adds environment variables on top of the sandbox's minimal set.
	Env map[string]string

	// Limits overrides the backend's default resource limits.
	Limits ResourceLimits
}

// ResourceLimits constrains the sandboxed process. Values use the
// Kubernetes quantity syntax ("500m", "512Mi"); the Docker backend
// translates them to the equivalent flags.
type ResourceLimits struct {
	CPU    string
	Memory string
}

// ExecutionResult is the single terminal result of an invocation. It is
// produced exactly once and owned by the caller afterwards.
type ExecutionResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Success reports whether the command exited with code 0.
func (r *ExecutionResult) Success() bool { return r.ExitCode == 0 }

// invocation is the per-call state shared by the completion, timeout, and
// cancellation paths. The resolved flag guarantees exactly one of them
// decides the terminal outcome; cleanup runs at most once through the
// teardown guard and must itself be idempotent, because an external Cancel
// can still race a timeout-triggered cleanup on the same ID.
type invocation struct {
	id       string
	resolved atomic.Bool
	teardown sync.Once
}

// newInvocation allocates a unique invocation ID with the given prefix.
// IDs are never reused across calls.
func newInvocation(prefix string) *invocation {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return &invocation{id: prefix + "-" + hex.EncodeToString(b)}
}

// resolve claims the terminal outcome. The first caller wins; all later
// exit/timeout/cancel signals are no-ops.
func (inv *invocation) resolve() bool {
	return inv.resolved.CompareAndSwap(false, true)
}

// cleanup runs fn at most once, on whichever terminal path gets here first.
func (inv *invocation) cleanup(fn func()) {
	inv.teardown.Do(fn)
}

// terminalContextError classifies a context signal: a caller-initiated
// cancel becomes a CancellationError, everything else (our own deadline or
// an inherited one) a TimeoutError.
func terminalContextError(parent context.Context, id string, deadline time.Duration) error {
	if parent.Err() == context.Canceled {
		return &CancellationError{ID: id}
	}
	return &TimeoutError{ID: id, Deadline: deadline}
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded, not an error.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	if len(p) > lw.remaining {
		n, err := lw.w.Write(p[:lw.remaining])
		lw.remaining -= n
		if err != nil {
			return n, err
		}
		return len(p), nil
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	return n, err
}
