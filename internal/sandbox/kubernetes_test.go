package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func newTestJobSandbox(cfg JobConfig) (*JobSandbox, *fake.Clientset) {
	client := fake.NewClientset()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return NewJobSandbox(client, cfg, logger), client
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "plain", want: "'plain'"},
		{in: "", want: "''"},
		{in: "with space", want: "'with space'"},
		{in: "it's", want: `'it'\''s'`},
		{in: "$HOME `ls` ; rm", want: "'$HOME `ls` ; rm'"},
	}
	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildWrapperScript(t *testing.T) {
	script := buildWrapperScript("mycli", []string{"--model", "gpt-4"}, `{"prompt":"it's here"}`)

	if !strings.Contains(script, `printf '%s' '{"prompt":"it'\''s here"}' | 'mycli' '--model' 'gpt-4'`) {
		t.Errorf("wrapper pipeline malformed:\n%s", script)
	}
	if !strings.Contains(script, exitMarker) {
		t.Errorf("wrapper missing exit marker:\n%s", script)
	}
	if !strings.Contains(script, ">&2") {
		t.Errorf("exit marker must go to stderr:\n%s", script)
	}
	if !strings.HasSuffix(strings.TrimSpace(script), "exit $status") {
		t.Errorf("wrapper must propagate the command's exit status:\n%s", script)
	}
}

func TestSplitJobLogs(t *testing.T) {
	tests := []struct {
		name       string
		logs       string
		wantStdout string
		wantStderr string
		wantCode   int
		wantOK     bool
	}{
		{
			name:       "clean exit",
			logs:       "result line\n" + exitMarker + "0\n",
			wantStdout: "result line",
			wantCode:   0,
			wantOK:     true,
		},
		{
			name:       "failure with stderr after marker",
			logs:       "partial\n" + exitMarker + "2\nerror detail\n",
			wantStdout: "partial",
			wantStderr: "error detail",
			wantCode:   2,
			wantOK:     true,
		},
		{
			name:   "no marker",
			logs:   "the command never finished",
			wantOK: false,
		},
		{
			name:   "garbage exit code",
			logs:   exitMarker + "notanumber\n",
			wantOK: false,
		},
		{
			name:       "marker-like text in stdout uses last marker",
			logs:       "echoing " + exitMarker + "99 nonsense\n" + exitMarker + "0\n",
			wantStdout: "echoing " + exitMarker + "99 nonsense",
			wantCode:   0,
			wantOK:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, stderr, code, ok := splitJobLogs(tt.logs)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if stdout != tt.wantStdout {
				t.Errorf("stdout = %q, want %q", stdout, tt.wantStdout)
			}
			if stderr != tt.wantStderr {
				t.Errorf("stderr = %q, want %q", stderr, tt.wantStderr)
			}
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
		})
	}
}

func TestBuildJobHardening(t *testing.T) {
	sbx, _ := newTestJobSandbox(JobConfig{
		Namespace:   "sandboxes",
		Image:       "runtime:v1",
		CPULimit:    "500m",
		MemoryLimit: "256Mi",
	})

	job, err := sbx.buildJob("daraja-job-abc", "mycli", []string{"run"}, Options{}, 30*time.Second)
	if err != nil {
		t.Fatalf("buildJob: %v", err)
	}

	if *job.Spec.BackoffLimit != 0 {
		t.Errorf("backoffLimit = %d, want 0", *job.Spec.BackoffLimit)
	}
	if job.Spec.TTLSecondsAfterFinished == nil {
		t.Error("TTLSecondsAfterFinished must be set")
	}
	if *job.Spec.ActiveDeadlineSeconds <= 30 {
		t.Errorf("activeDeadlineSeconds = %d, must exceed the caller deadline", *job.Spec.ActiveDeadlineSeconds)
	}

	pod := job.Spec.Template.Spec
	if pod.RestartPolicy != corev1.RestartPolicyNever {
		t.Errorf("restart policy = %s, want Never", pod.RestartPolicy)
	}
	if pod.SecurityContext == nil || pod.SecurityContext.RunAsNonRoot == nil || !*pod.SecurityContext.RunAsNonRoot {
		t.Error("pod must run as non-root")
	}
	if pod.RuntimeClassName != nil {
		t.Error("runtime class must be unset when hardened runtime is disabled")
	}

	c := pod.Containers[0]
	if c.SecurityContext == nil || !*c.SecurityContext.ReadOnlyRootFilesystem {
		t.Error("container must have a read-only root filesystem")
	}
	if len(c.SecurityContext.Capabilities.Drop) != 1 || c.SecurityContext.Capabilities.Drop[0] != "ALL" {
		t.Errorf("capabilities drop = %v, want [ALL]", c.SecurityContext.Capabilities.Drop)
	}
	if c.Resources.Limits.Memory().String() != "256Mi" {
		t.Errorf("memory limit = %s, want 256Mi", c.Resources.Limits.Memory())
	}
	if len(pod.Volumes) != 1 || pod.Volumes[0].EmptyDir == nil || pod.Volumes[0].EmptyDir.SizeLimit == nil {
		t.Error("scratch emptyDir with a size limit is required")
	}
}

func TestBuildJobHardenedRuntime(t *testing.T) {
	sbx, _ := newTestJobSandbox(JobConfig{
		HardenedRuntimeEnabled:   true,
		HardenedRuntimeClassName: "gvisor",
	})

	job, err := sbx.buildJob("daraja-job-abc", "mycli", nil, Options{}, time.Minute)
	if err != nil {
		t.Fatalf("buildJob: %v", err)
	}
	rc := job.Spec.Template.Spec.RuntimeClassName
	if rc == nil || *rc != "gvisor" {
		t.Errorf("runtime class = %v, want gvisor", rc)
	}
}

func TestBuildJobLimitOverrides(t *testing.T) {
	sbx, _ := newTestJobSandbox(JobConfig{CPULimit: "1", MemoryLimit: "512Mi"})

	job, err := sbx.buildJob("daraja-job-abc", "mycli", nil, Options{
		Limits: ResourceLimits{CPU: "250m", Memory: "128Mi"},
	}, time.Minute)
	if err != nil {
		t.Fatalf("buildJob: %v", err)
	}
	limits := job.Spec.Template.Spec.Containers[0].Resources.Limits
	if limits.Cpu().String() != "250m" {
		t.Errorf("cpu = %s, want 250m", limits.Cpu())
	}
	if limits.Memory().String() != "128Mi" {
		t.Errorf("memory = %s, want 128Mi", limits.Memory())
	}
}

func TestBuildJobBadQuantity(t *testing.T) {
	sbx, _ := newTestJobSandbox(JobConfig{CPULimit: "not-a-quantity"})

	_, err := sbx.buildJob("daraja-job-abc", "mycli", nil, Options{}, time.Minute)
	var infra *InfrastructureError
	if !errors.As(err, &infra) {
		t.Fatalf("expected InfrastructureError, got %v", err)
	}
}

func TestJobSandbox_TimeoutDeletesJob(t *testing.T) {
	sbx, client := newTestJobSandbox(JobConfig{
		Namespace:    "sandboxes",
		PollInterval: 10 * time.Millisecond,
	})

	_, err := sbx.Execute(context.Background(), "sleep", []string{"600"}, Options{
		Deadline: 80 * time.Millisecond,
	})
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}

	jobs, listErr := client.BatchV1().Jobs("sandboxes").List(context.Background(), metav1.ListOptions{})
	if listErr != nil {
		t.Fatalf("list jobs: %v", listErr)
	}
	if len(jobs.Items) != 0 {
		t.Errorf("job survived timeout teardown: %d left", len(jobs.Items))
	}
}

func TestJobSandbox_Cancellation(t *testing.T) {
	sbx, client := newTestJobSandbox(JobConfig{
		Namespace:    "sandboxes",
		PollInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(40 * time.Millisecond)
		cancel()
	}()

	_, err := sbx.Execute(ctx, "sleep", []string{"600"}, Options{Deadline: time.Minute})
	var cancelled *CancellationError
	if !errors.As(err, &cancelled) {
		t.Fatalf("expected CancellationError, got %v", err)
	}

	// Cancellation tears the Job down just like a timeout.
	jobs, listErr := client.BatchV1().Jobs("sandboxes").List(context.Background(), metav1.ListOptions{})
	if listErr != nil {
		t.Fatalf("list jobs: %v", listErr)
	}
	if len(jobs.Items) != 0 {
		t.Errorf("job survived cancellation teardown: %d left", len(jobs.Items))
	}
}

func TestJobSandbox_CompletedJobWithoutMarker(t *testing.T) {
	// The fake clientset serves static pod logs with no exit marker, which
	// is exactly the "wrapper never finished" shape.
	sbx, client := newTestJobSandbox(JobConfig{
		Namespace:    "sandboxes",
		PollInterval: 10 * time.Millisecond,
	})

	// Drive the job to Complete as soon as Execute creates it.
	go func() {
		for i := 0; i < 100; i++ {
			jobs, err := client.BatchV1().Jobs("sandboxes").List(context.Background(), metav1.ListOptions{})
			if err == nil && len(jobs.Items) == 1 {
				job := jobs.Items[0]
				pod := &corev1.Pod{
					ObjectMeta: metav1.ObjectMeta{
						Name:      job.Name + "-pod",
						Namespace: "sandboxes",
						Labels:    map[string]string{"job-name": job.Name},
					},
				}
				_, _ = client.CoreV1().Pods("sandboxes").Create(context.Background(), pod, metav1.CreateOptions{})
				job.Status.Conditions = append(job.Status.Conditions, batchv1.JobCondition{
					Type:   batchv1.JobComplete,
					Status: corev1.ConditionTrue,
				})
				_, _ = client.BatchV1().Jobs("sandboxes").UpdateStatus(context.Background(), &job, metav1.UpdateOptions{})
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	_, err := sbx.Execute(context.Background(), "mycli", nil, Options{Deadline: 5 * time.Second})
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError for missing exit marker, got %v", err)
	}
}

func TestJobSandbox_CancelIdempotent(t *testing.T) {
	sbx, _ := newTestJobSandbox(JobConfig{Namespace: "sandboxes"})

	// Cancelling an already-cleaned invocation is a no-op.
	if err := sbx.Cancel(context.Background(), "daraja-job-gone"); err != nil {
		t.Errorf("cancel of missing job: %v", err)
	}
	if err := sbx.Cancel(context.Background(), "daraja-job-gone"); err != nil {
		t.Errorf("second cancel: %v", err)
	}
}

func TestJobSandbox_HealthCheck(t *testing.T) {
	sbx, _ := newTestJobSandbox(JobConfig{})
	if err := sbx.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check: %v", err)
	}
}

func TestJobSandbox_RejectsNULInput(t *testing.T) {
	sbx, _ := newTestJobSandbox(JobConfig{})
	_, err := sbx.Execute(context.Background(), "cat", nil, Options{Input: "a\x00b"})
	if err == nil {
		t.Fatal("expected error for NUL input")
	}
}
