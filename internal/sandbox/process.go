package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

const processNamePrefix = "daraja-proc"

// ProcessConfig configures the process-backed executor.
type ProcessConfig struct {
	DefaultDeadline time.Duration // Wall-clock deadline when the caller sets none.
	DefaultMemory   string        // Address-space cap (quantity syntax, e.g. "512Mi").
}

// ProcessSandbox runs commands directly as host OS processes, for spawn-cli
// providers that opt out of container isolation.
//
// Isolation is process-level only:
//   - Each invocation gets a private temp directory (HOME, TMPDIR, cwd),
//     removed on every terminal path
//   - The command runs in its own process group; the whole group is killed
//     on timeout or cancellation
//   - No environment inheritance: a minimal safe set plus the provider's
//     declared variables
//   - Address-space and CPU-time caps via ulimit
//   - stdout/stderr capped to prevent OOM on the host
type ProcessSandbox struct {
	config ProcessConfig
	logger *slog.Logger
}

// NewProcessSandbox creates a process-backed executor.
func NewProcessSandbox(cfg ProcessConfig, logger *slog.Logger) *ProcessSandbox {
	if cfg.DefaultDeadline == 0 {
		cfg.DefaultDeadline = defaultDeadline
	}
	if cfg.DefaultMemory == "" {
		cfg.DefaultMemory = defaultContainerMem
	}
	return &ProcessSandbox{config: cfg, logger: logger}
}

func (s *ProcessSandbox) Name() string { return "process" }

// Execute runs one command in its own process group and drives the
// invocation to exactly one terminal outcome. The temp directory is
// removed on every path; the group kill fires on timeout and cancellation.
func (s *ProcessSandbox) Execute(ctx context.Context, command string, args []string, opts Options) (*ExecutionResult, error) {
	if command == "" {
		return nil, &InfrastructureError{Backend: s.Name(), Op: "execute", Err: errors.New("empty command")}
	}
	if strings.ContainsRune(opts.Input, 0) {
		return nil, &InfrastructureError{Backend: s.Name(), Op: "execute", Err: errors.New("input contains NUL byte")}
	}

	deadline := opts.Deadline
	if deadline == 0 {
		deadline = s.config.DefaultDeadline
	}

	inv := newInvocation(processNamePrefix)

	tmpDir, err := os.MkdirTemp("", inv.id+"-*")
	if err != nil {
		return nil, &InfrastructureError{Backend: s.Name(), Op: "create temp dir", Err: err}
	}
	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			s.logger.Warn("temp dir removal failed",
				slog.String("invocation", inv.id),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	cmd := s.buildCommand(command, args, opts, tmpDir, deadline)
	if opts.Input != "" {
		cmd.Stdin = strings.NewReader(opts.Input)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	s.logger.Info("process invocation starting",
		slog.String("invocation", inv.id),
		slog.String("command", Sanitize(command+" "+strings.Join(SanitizeArgs(args), " "))),
		slog.Duration("deadline", deadline),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		inv.resolve()
		return nil, &InfrastructureError{Backend: s.Name(), Op: "start process", Err: err}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case runErr := <-done:
		if !inv.resolve() {
			return nil, &CancellationError{ID: inv.id}
		}
		return s.interpret(inv, runErr, &stdoutBuf, &stderrBuf, time.Since(start))

	case <-timer.C:
		if !inv.resolve() {
			<-done
			return nil, &TimeoutError{ID: inv.id, Deadline: deadline}
		}
		inv.cleanup(func() { killGroup(cmd) })
		<-done // reap before the deferred temp dir removal
		s.logger.Warn("process invocation timed out",
			slog.String("invocation", inv.id),
			slog.Duration("deadline", deadline),
		)
		return nil, &TimeoutError{ID: inv.id, Deadline: deadline}

	case <-ctx.Done():
		if !inv.resolve() {
			<-done
			return nil, terminalContextError(ctx, inv.id, deadline)
		}
		inv.cleanup(func() { killGroup(cmd) })
		<-done
		s.logger.Warn("process invocation aborted",
			slog.String("invocation", inv.id),
			slog.String("reason", ctx.Err().Error()),
		)
		return nil, terminalContextError(ctx, inv.id, deadline)
	}
}

// buildCommand wraps the command in a ulimit shell preamble. The command
// and its arguments travel as positional parameters to exec "$@", so they
// are never interpolated into the shell string.
func (s *ProcessSandbox) buildCommand(command string, args []string, opts Options, tmpDir string, deadline time.Duration) *exec.Cmd {
	memory := s.config.DefaultMemory
	if opts.Limits.Memory != "" {
		memory = opts.Limits.Memory
	}
	cpuSeconds := int(deadline/time.Second) + 1

	script := fmt.Sprintf("ulimit -t %d 2>/dev/null; exec \"$@\"", cpuSeconds)
	if kb := ulimitMemoryKB(memory); kb > 0 {
		script = fmt.Sprintf("ulimit -v %d 2>/dev/null; %s", kb, script)
	}
	shArgs := make([]string, 0, 4+len(args))
	shArgs = append(shArgs, "-c", script, "_", command) // "_" is the $0 placeholder
	shArgs = append(shArgs, args...)

	cmd := exec.Command("/bin/sh", shArgs...)
	cmd.Dir = tmpDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + tmpDir,
		"TMPDIR=" + tmpDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env
	return cmd
}

// interpret turns the shell's exit into an ExecutionResult. Non-zero exit
// codes from the command are results, not errors.
func (s *ProcessSandbox) interpret(inv *invocation, runErr error, stdout, stderr *bytes.Buffer, duration time.Duration) (*ExecutionResult, error) {
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, &InfrastructureError{Backend: s.Name(), Op: "wait for process", Err: runErr}
		}
		exitCode = exitErr.ExitCode()
	}

	s.logger.Info("process invocation completed",
		slog.String("invocation", inv.id),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdout.Len()),
		slog.Int("stderr_bytes", stderr.Len()),
	)

	return &ExecutionResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}, nil
}

// HealthCheck verifies the shell the ulimit wrapper needs is present.
func (s *ProcessSandbox) HealthCheck(_ context.Context) error {
	if _, err := os.Stat("/bin/sh"); err != nil {
		return &InfrastructureError{Backend: s.Name(), Op: "health check", Err: err}
	}
	return nil
}

// killGroup kills the command's entire process group so children spawned
// by the command go with it. A negative PID addresses the group.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
