package sandbox

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	defaultContainerImage = "daraja-runtime:latest"
	defaultContainerCPU   = "1"
	defaultContainerMem   = "512Mi"
	defaultPIDsLimit      = 64

	containerNamePrefix = "daraja-sbx"
)

// ContainerConfig configures the Docker-backed executor.
type ContainerConfig struct {
	Image           string        // Default container image.
	DefaultDeadline time.Duration // Wall-clock deadline when the caller sets none.
	CPU             string        // Default --cpus value (quantity syntax, e.g. "500m").
	Memory          string        // Default --memory value (e.g. "512Mi").
	PIDsLimit       int           // --pids-limit (fork bomb protection).
	NetworkAllowed  bool          // false = --network=none.
}

// ContainerSandbox executes commands inside ephemeral Docker containers,
// one hardened container per invocation.
//
// Security guarantees:
//   - Each invocation gets its own uniquely named container
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Read-only root filesystem with tmpfs for writable dirs
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Non-root user (--user=65534:65534)
//   - Network disabled by default
//   - Memory hard limit with no swap, CPU rate limited, PIDs limited
//   - stdout/stderr capped to prevent OOM on the host
//   - Container force-removed on every terminal path, success included
type ContainerSandbox struct {
	config ContainerConfig
	logger *slog.Logger
}

// NewContainerSandbox creates a Docker-backed executor.
func NewContainerSandbox(cfg ContainerConfig, logger *slog.Logger) *ContainerSandbox {
	if cfg.Image == "" {
		cfg.Image = defaultContainerImage
	}
	if cfg.DefaultDeadline == 0 {
		cfg.DefaultDeadline = defaultDeadline
	}
	if cfg.CPU == "" {
		cfg.CPU = defaultContainerCPU
	}
	if cfg.Memory == "" {
		cfg.Memory = defaultContainerMem
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultPIDsLimit
	}
	return &ContainerSandbox{config: cfg, logger: logger}
}

func (s *ContainerSandbox) Name() string { return "docker" }

// Execute runs one command in a fresh container and drives the invocation
// to exactly one terminal outcome. The container kill/remove teardown runs
// on every path, including natural completion.
func (s *ContainerSandbox) Execute(ctx context.Context, command string, args []string, opts Options) (*ExecutionResult, error) {
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

	inv := newInvocation(containerNamePrefix)

	dockerArgs := s.buildDockerArgs(inv.id, opts)
	dockerArgs = append(dockerArgs, command)
	dockerArgs = append(dockerArgs, args...)

	cmd := exec.Command("docker", dockerArgs...)
	if opts.Input != "" {
		cmd.Stdin = strings.NewReader(opts.Input)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	s.logger.Info("container invocation starting",
		slog.String("invocation", inv.id),
		slog.String("image", s.image(opts)),
		slog.String("command", Sanitize(command+" "+strings.Join(SanitizeArgs(args), " "))),
		slog.Duration("deadline", deadline),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		// Nothing was launched; remove defensively in case the daemon
		// half-created the container.
		inv.resolve()
		inv.cleanup(func() { s.removeContainer(inv.id) })
		return nil, &InfrastructureError{Backend: s.Name(), Op: "start container", Err: err}
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
		inv.cleanup(func() { s.removeContainer(inv.id) })
		return s.interpret(inv, runErr, &stdoutBuf, &stderrBuf, time.Since(start))

	case <-timer.C:
		if !inv.resolve() {
			<-done
			return nil, &TimeoutError{ID: inv.id, Deadline: deadline}
		}
		inv.cleanup(func() {
			s.removeContainer(inv.id)
			_ = cmd.Process.Kill()
		})
		<-done // reap the docker client process
		s.logger.Warn("container invocation timed out",
			slog.String("invocation", inv.id),
			slog.Duration("deadline", deadline),
		)
		return nil, &TimeoutError{ID: inv.id, Deadline: deadline}

	case <-ctx.Done():
		if !inv.resolve() {
			<-done
			return nil, terminalContextError(ctx, inv.id, deadline)
		}
		inv.cleanup(func() {
			s.removeContainer(inv.id)
			_ = cmd.Process.Kill()
		})
		<-done
		s.logger.Warn("container invocation aborted",
			slog.String("invocation", inv.id),
			slog.String("reason", ctx.Err().Error()),
		)
		return nil, terminalContextError(ctx, inv.id, deadline)
	}
}

// interpret turns the docker client's exit into an ExecutionResult.
// Non-zero exit codes from the sandboxed command are results, not errors.
func (s *ContainerSandbox) interpret(inv *invocation, runErr error, stdout, stderr *bytes.Buffer, duration time.Duration) (*ExecutionResult, error) {
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, &InfrastructureError{Backend: s.Name(), Op: "wait for container", Err: runErr}
		}
		exitCode = exitErr.ExitCode()
	}

	s.logger.Info("container invocation completed",
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

// HealthCheck verifies the Docker daemon is reachable.
func (s *ContainerSandbox) HealthCheck(ctx context.Context) error {
	if err := exec.CommandContext(ctx, "docker", "info", "--format", "{{.ServerVersion}}").Run(); err != nil {
		return &InfrastructureError{Backend: s.Name(), Op: "health check", Err: err}
	}
	return nil
}

func (s *ContainerSandbox) image(opts Options) string {
	if opts.Image != "" {
		return opts.Image
	}
	return s.config.Image
}

// buildDockerArgs constructs the docker run argument list with all
// hardening flags. The command itself is appended by the caller.
func (s *ContainerSandbox) buildDockerArgs(name string, opts Options) []string {
	cpu := s.config.CPU
	if opts.Limits.CPU != "" {
		cpu = opts.Limits.CPU
	}
	memory := s.config.Memory
	if opts.Limits.Memory != "" {
		memory = opts.Limits.Memory
	}
	memFlag := dockerMemory(memory)

	args := []string{
		"run", "--rm", "-i",
		"--name", name,

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",

		"--memory=" + memFlag,
		"--memory-swap=" + memFlag, // same as memory = no swap
		"--cpus=" + dockerCPU(cpu),
		"--pids-limit=" + strconv.Itoa(s.config.PIDsLimit),

		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
		"--tmpfs", "/home/sandbox:rw,noexec,nosuid,size=64m",

		"--env", "HOME=/home/sandbox",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",

		"--workdir", "/home/sandbox",
	}

	if s.config.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	for k, v := range opts.Env {
		args = append(args, "--env", k+"="+v)
	}

	return append(args, s.image(opts))
}

// removeContainer force-removes the invocation's container. "No such
// container" means --rm already fired; that is the expected case on the
// success path and never an error.
func (s *ContainerSandbox) removeContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		s.logger.Warn("container removal failed",
			slog.String("invocation", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
}
