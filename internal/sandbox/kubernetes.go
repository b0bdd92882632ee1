package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	jobNamePrefix = "daraja-job"

	// exitMarker is emitted to stderr by the wrapper script as its final
	// statement. Pod logs interleave both streams, so the marker is what
	// lets us recover the exit status and split the output afterwards.
	exitMarker = "__DARAJA_EXIT__:"

	defaultPollInterval = 2 * time.Second
	defaultScratchSize  = "64Mi"
	defaultJobTTL       = int32(300)

	// backstopGrace pads the job-level activeDeadlineSeconds past the
	// caller's deadline. The job-level deadline is only a backstop; the
	// poll loop owns timeout detection and the explicit delete.
	backstopGrace = 30 * time.Second

	teardownTimeout = 10 * time.Second
)

// JobConfig configures the Kubernetes Job-backed executor. The fields map
// one-for-one onto the job manifest so deployments can reason about the
// generated spec.
type JobConfig struct {
	Namespace                string
	Image                    string
	CPULimit                 string // e.g. "500m"
	MemoryLimit              string // e.g. "512Mi"
	TimeoutSeconds           int    // Default deadline when the caller sets none.
	TTLSecondsAfterFinished  int    // Post-completion GC grace period.
	HardenedRuntimeEnabled   bool   // Run under a hardened runtime class (e.g. gVisor).
	HardenedRuntimeClassName string // RuntimeClassName when hardened runtime is enabled.
	PollInterval             time.Duration
	ScratchSize              string // Size cap for the ephemeral scratch volume.
}

// JobSandbox executes commands as Kubernetes batch Jobs, one Job per
// invocation, for deployments without direct access to a container runtime.
//
// Each Job runs non-root with all capabilities dropped, a read-only root
// filesystem, a size-capped emptyDir scratch volume, explicit resource
// requests and limits, zero retries, a job-level deadline backstop, and
// TTL-based garbage collection. The Job substrate cannot stream stdin into
// a pod, so the command and its input payload are embedded into a wrapper
// script (see buildWrapperScript for the quoting contract).
type JobSandbox struct {
	client kubernetes.Interface
	config JobConfig
	logger *slog.Logger
}

// NewJobSandbox creates a Kubernetes Job-backed executor.
func NewJobSandbox(client kubernetes.Interface, cfg JobConfig, logger *slog.Logger) *JobSandbox {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.Image == "" {
		cfg.Image = defaultContainerImage
	}
	if cfg.CPULimit == "" {
		cfg.CPULimit = defaultContainerCPU
	}
	if cfg.MemoryLimit == "" {
		cfg.MemoryLimit = defaultContainerMem
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ScratchSize == "" {
		cfg.ScratchSize = defaultScratchSize
	}
	return &JobSandbox{client: client, config: cfg, logger: logger}
}

// NewKubernetesClient builds a clientset from the in-cluster service
// account when available, falling back to the given kubeconfig path.
func NewKubernetesClient(kubeconfigPath string) (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		if kubeconfigPath == "" {
			kubeconfigPath = clientcmd.RecommendedHomeFile
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
		if err != nil {
			return nil, fmt.Errorf("building kubernetes client config: %w", err)
		}
	}
	return kubernetes.NewForConfig(cfg)
}

func (s *JobSandbox) Name() string { return "kubernetes" }

// Execute creates one Job, polls its conditions at a fixed interval until a
// terminal condition appears or the deadline elapses, recovers the output
// from the pod logs, and deletes the Job with background cascade. The
// delete is issued on every terminal path; the job-level deadline and TTL
// are backstops, not substitutes.
func (s *JobSandbox) Execute(ctx context.Context, command string, args []string, opts Options) (*ExecutionResult, error) {
	if command == "" {
		return nil, &InfrastructureError{Backend: s.Name(), Op: "execute", Err: errors.New("empty command")}
	}
	if strings.ContainsRune(opts.Input, 0) {
		return nil, &InfrastructureError{Backend: s.Name(), Op: "execute", Err: errors.New("input contains NUL byte")}
	}

	deadline := opts.Deadline
	if deadline == 0 {
		if s.config.TimeoutSeconds > 0 {
			deadline = time.Duration(s.config.TimeoutSeconds) * time.Second
		} else {
			deadline = defaultDeadline
		}
	}

	inv := newInvocation(jobNamePrefix)

	job, err := s.buildJob(inv.id, command, args, opts, deadline)
	if err != nil {
		return nil, err
	}

	s.logger.Info("job invocation starting",
		slog.String("invocation", inv.id),
		slog.String("namespace", s.config.Namespace),
		slog.String("image", s.image(opts)),
		slog.String("command", Sanitize(command+" "+strings.Join(SanitizeArgs(args), " "))),
		slog.Duration("deadline", deadline),
	)

	start := time.Now()
	if _, err := s.client.BatchV1().Jobs(s.config.Namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return nil, &InfrastructureError{Backend: s.Name(), Op: "create job", Err: err}
	}

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	for {
		select {
		case <-ticker.C:
			terminal, failed, err := s.jobTerminal(ctx, inv.id)
			if err != nil {
				if !inv.resolve() {
					return nil, &CancellationError{ID: inv.id}
				}
				inv.cleanup(func() { s.deleteJob(inv.id) })
				return nil, err
			}
			if !terminal {
				continue
			}
			if !inv.resolve() {
				return nil, &CancellationError{ID: inv.id}
			}
			// Logs must be read before the delete cascades to the pod.
			result, err := s.collect(ctx, inv, failed, time.Since(start))
			inv.cleanup(func() { s.deleteJob(inv.id) })
			return result, err

		case <-timer.C:
			if !inv.resolve() {
				return nil, &TimeoutError{ID: inv.id, Deadline: deadline}
			}
			inv.cleanup(func() { s.deleteJob(inv.id) })
			s.logger.Warn("job invocation timed out",
				slog.String("invocation", inv.id),
				slog.Duration("deadline", deadline),
			)
			return nil, &TimeoutError{ID: inv.id, Deadline: deadline}

		case <-ctx.Done():
			if !inv.resolve() {
				return nil, terminalContextError(ctx, inv.id, deadline)
			}
			inv.cleanup(func() { s.deleteJob(inv.id) })
			s.logger.Warn("job invocation aborted",
				slog.String("invocation", inv.id),
				slog.String("reason", ctx.Err().Error()),
			)
			return nil, terminalContextError(ctx, inv.id, deadline)
		}
	}
}

// jobTerminal reports whether the job has reached a Complete or Failed
// condition.
func (s *JobSandbox) jobTerminal(ctx context.Context, name string) (terminal, failed bool, err error) {
	job, err := s.client.BatchV1().Jobs(s.config.Namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return false, false, &InfrastructureError{Backend: s.Name(), Op: "get job", Err: err}
	}
	for _, c := range job.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobComplete:
			return true, false, nil
		case batchv1.JobFailed:
			return true, true, nil
		}
	}
	return false, false, nil
}

// collect fetches the pod logs and turns them into an ExecutionResult
// using the exit-status marker.
func (s *JobSandbox) collect(ctx context.Context, inv *invocation, jobFailed bool, duration time.Duration) (*ExecutionResult, error) {
	logs, err := s.fetchLogs(ctx, inv.id)
	if err != nil {
		return nil, err
	}

	stdout, stderr, exitCode, ok := splitJobLogs(logs)
	if !ok {
		// The wrapper never ran to its final statement: the image failed
		// to pull, the command was not found, or the pod was OOM-killed.
		code := 1
		if jobFailed {
			code = 137
		}
		return nil, &ExecutionError{
			ID:       inv.id,
			ExitCode: code,
			Stderr:   Sanitize(strings.TrimSpace(logs)),
		}
	}

	s.logger.Info("job invocation completed",
		slog.String("invocation", inv.id),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
	)

	return &ExecutionResult{
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: duration,
	}, nil
}

// fetchLogs reads the logs of the job's single pod.
func (s *JobSandbox) fetchLogs(ctx context.Context, jobName string) (string, error) {
	pods, err := s.client.CoreV1().Pods(s.config.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil {
		return "", &InfrastructureError{Backend: s.Name(), Op: "list pods", Err: err}
	}
	if len(pods.Items) == 0 {
		return "", &InfrastructureError{Backend: s.Name(), Op: "list pods", Err: fmt.Errorf("no pod found for job %s", jobName)}
	}

	req := s.client.CoreV1().Pods(s.config.Namespace).GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{})
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", &InfrastructureError{Backend: s.Name(), Op: "fetch pod logs", Err: err}
	}
	defer stream.Close()

	data, err := io.ReadAll(&io.LimitedReader{R: stream, N: maxOutputBytes})
	if err != nil {
		return "", &InfrastructureError{Backend: s.Name(), Op: "read pod logs", Err: err}
	}
	return string(data), nil
}

// Cancel aborts an in-flight invocation by deleting its Job. It is safe to
// call concurrently with a timeout-triggered cleanup of the same ID: the
// delete is idempotent and "not found" means already cleaned.
func (s *JobSandbox) Cancel(ctx context.Context, invocationID string) error {
	propagation := metav1.DeletePropagationBackground
	err := s.client.BatchV1().Jobs(s.config.Namespace).Delete(ctx, invocationID, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return &InfrastructureError{Backend: s.Name(), Op: "cancel job", Err: err}
	}
	return nil
}

// HealthCheck lists jobs in the sandbox namespace without blocking on any
// invocation.
func (s *JobSandbox) HealthCheck(ctx context.Context) error {
	_, err := s.client.BatchV1().Jobs(s.config.Namespace).List(ctx, metav1.ListOptions{Limit: 1})
	if err != nil {
		return &InfrastructureError{Backend: s.Name(), Op: "health check", Err: err}
	}
	return nil
}

// deleteJob removes the Job with background cascade so dependent pods go
// with it. Runs on its own context: the invocation's context is usually
// already expired when teardown fires.
func (s *JobSandbox) deleteJob(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	propagation := metav1.DeletePropagationBackground
	err := s.client.BatchV1().Jobs(s.config.Namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		s.logger.Warn("job deletion failed",
			slog.String("invocation", name),
			slog.String("error", err.Error()),
		)
	}
}

func (s *JobSandbox) image(opts Options) string {
	if opts.Image != "" {
		return opts.Image
	}
	return s.config.Image
}

// buildJob assembles the batch Job manifest for one invocation.
func (s *JobSandbox) buildJob(name, command string, args []string, opts Options, deadline time.Duration) (*batchv1.Job, error) {
	cpu := s.config.CPULimit
	if opts.Limits.CPU != "" {
		cpu = opts.Limits.CPU
	}
	memory := s.config.MemoryLimit
	if opts.Limits.Memory != "" {
		memory = opts.Limits.Memory
	}

	cpuQty, err := resource.ParseQuantity(cpu)
	if err != nil {
		return nil, &InfrastructureError{Backend: s.Name(), Op: "parse cpu limit", Err: err}
	}
	memQty, err := resource.ParseQuantity(memory)
	if err != nil {
		return nil, &InfrastructureError{Backend: s.Name(), Op: "parse memory limit", Err: err}
	}
	scratchQty, err := resource.ParseQuantity(s.config.ScratchSize)
	if err != nil {
		return nil, &InfrastructureError{Backend: s.Name(), Op: "parse scratch size", Err: err}
	}

	limits := corev1.ResourceList{
		corev1.ResourceCPU:    cpuQty,
		corev1.ResourceMemory: memQty,
	}

	backoffLimit := int32(0)
	ttl := defaultJobTTL
	if s.config.TTLSecondsAfterFinished > 0 {
		ttl = int32(s.config.TTLSecondsAfterFinished)
	}
	activeDeadline := int64((deadline + backstopGrace).Seconds())

	runAsNonRoot := true
	runAsUser := int64(65534)
	noEscalation := false
	readOnlyRoot := true

	var env []corev1.EnvVar
	for k, v := range opts.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}
	env = append(env,
		corev1.EnvVar{Name: "HOME", Value: "/scratch"},
		corev1.EnvVar{Name: "TMPDIR", Value: "/scratch"},
	)

	podSpec := corev1.PodSpec{
		RestartPolicy: corev1.RestartPolicyNever,
		SecurityContext: &corev1.PodSecurityContext{
			RunAsNonRoot: &runAsNonRoot,
			RunAsUser:    &runAsUser,
			RunAsGroup:   &runAsUser,
			SeccompProfile: &corev1.SeccompProfile{
				Type: corev1.SeccompProfileTypeRuntimeDefault,
			},
		},
		Volumes: []corev1.Volume{{
			Name: "scratch",
			VolumeSource: corev1.VolumeSource{
				EmptyDir: &corev1.EmptyDirVolumeSource{SizeLimit: &scratchQty},
			},
		}},
		Containers: []corev1.Container{{
			Name:    "sandbox",
			Image:   s.image(opts),
			Command: []string{"/bin/sh", "-c", buildWrapperScript(command, args, opts.Input)},
			Env:     env,
			Resources: corev1.ResourceRequirements{
				Requests: limits,
				Limits:   limits,
			},
			SecurityContext: &corev1.SecurityContext{
				AllowPrivilegeEscalation: &noEscalation,
				ReadOnlyRootFilesystem:   &readOnlyRoot,
				Capabilities: &corev1.Capabilities{
					Drop: []corev1.Capability{"ALL"},
				},
			},
			VolumeMounts: []corev1.VolumeMount{{
				Name:      "scratch",
				MountPath: "/scratch",
			}},
		}},
	}

	if s.config.HardenedRuntimeEnabled {
		runtimeClass := s.config.HardenedRuntimeClassName
		podSpec.RuntimeClassName = &runtimeClass
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: s.config.Namespace,
			Labels: map[string]string{
				"app.kubernetes.io/name":      "daraja",
				"app.kubernetes.io/component": "sandbox",
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: &ttl,
			ActiveDeadlineSeconds:   &activeDeadline,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						"app.kubernetes.io/name":      "daraja",
						"app.kubernetes.io/component": "sandbox",
					},
				},
				Spec: podSpec,
			},
		},
	}, nil
}

// buildWrapperScript embeds the command and its stdin payload into a POSIX
// shell script.
//
// Quoting contract: every embedded string — the payload, the command, and
// each argument — is wrapped in single quotes with embedded single quotes
// rewritten as '\''. Nothing is ever interpolated unquoted, so shell
// metacharacters and control characters in the payload pass through to the
// command's stdin verbatim. NUL bytes are rejected before we get here.
func buildWrapperScript(command string, args []string, input string) string {
	quoted := make([]string, 0, len(args)+1)
	quoted = append(quoted, shellQuote(command))
	for _, a := range args {
		quoted = append(quoted, shellQuote(a))
	}

	var b strings.Builder
	b.WriteString("printf '%s' ")
	b.WriteString(shellQuote(input))
	b.WriteString(" | ")
	b.WriteString(strings.Join(quoted, " "))
	b.WriteString("\nstatus=$?\n")
	b.WriteString("printf '%s%d\\n' '" + exitMarker + "' \"$status\" >&2\n")
	b.WriteString("exit $status\n")
	return b.String()
}

// shellQuote wraps s in single quotes, rewriting embedded single quotes as
// '\'' so the result is always a single shell word.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// splitJobLogs splits interleaved pod logs on the last exit-marker line.
// Lines before the marker are treated as stdout, lines after as stderr.
func splitJobLogs(logs string) (stdout, stderr string, exitCode int, ok bool) {
	lines := strings.Split(logs, "\n")
	markerIdx := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(lines[i], exitMarker) {
			markerIdx = i
			break
		}
	}
	if markerIdx < 0 {
		return "", "", 0, false
	}

	code, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(lines[markerIdx], exitMarker)))
	if err != nil {
		return "", "", 0, false
	}

	stdout = strings.Join(lines[:markerIdx], "\n")
	if markerIdx+1 < len(lines) {
		stderr = strings.TrimRight(strings.Join(lines[markerIdx+1:], "\n"), "\n")
	}
	return stdout, stderr, code, true
}
