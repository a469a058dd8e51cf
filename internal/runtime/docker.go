package runtime

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/agentd/internal/logging"
)

// DockerConfig configures the docker-backed adapter.
type DockerConfig struct {
	// Image is the worker image. It must stay alive on its own and
	// provide the agent CLI on PATH ("agent init" prints the init
	// record, "agent run" executes one prompt in stream-json mode).
	Image string

	// Model is passed through to the agent CLI when set.
	Model string

	// Binary overrides the docker binary, for tests. Defaults to
	// "docker".
	Binary string

	// StartRetries bounds how many times a failed container launch is
	// retried before Start gives up. Defaults to 3.
	StartRetries uint64
}

// Docker runs each worker as a long-lived container and executes
// prompts inside it with docker exec. Container naming keeps worker
// ids self-describing: agentd-<ulid>.
type Docker struct {
	cfg DockerConfig
}

// NewDocker creates a docker-backed adapter.
func NewDocker(cfg DockerConfig) *Docker {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if cfg.StartRetries == 0 {
		cfg.StartRetries = 3
	}
	return &Docker{cfg: cfg}
}

// Start launches the worker container and returns the boot stream from
// the in-container agent handshake. Transient launch failures are
// retried with exponential backoff before giving up.
func (d *Docker) Start(ctx context.Context, workDir string) (string, io.ReadCloser, error) {
	name := "agentd-" + strings.ToLower(ulid.Make().String())

	run := func() error {
		out, err := d.runCommand(ctx,
			"run", "-d",
			"--name", name,
			"--label", "app=agentd",
			"-v", workDir+":/workspace",
			"-w", "/workspace",
			d.cfg.Image,
		)
		if err != nil {
			return fmt.Errorf("docker run: %w: %s", err, strings.TrimSpace(out))
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), d.cfg.StartRetries),
		ctx,
	)
	if err := backoff.Retry(run, policy); err != nil {
		// Clean up a half-created container before reporting failure.
		_, _ = d.runCommand(context.Background(), "rm", "-f", name)
		return "", nil, err
	}

	args := []string{"exec", name, "agent", "init"}
	if d.cfg.Model != "" {
		args = append(args, "--model", d.cfg.Model)
	}
	boot, err := d.stream(ctx, args...)
	if err != nil {
		_, _ = d.runCommand(context.Background(), "rm", "-f", name)
		return "", nil, fmt.Errorf("worker handshake: %w", err)
	}

	logging.Info().Str("worker", name).Str("workDir", workDir).Msg("worker started")
	return name, boot, nil
}

// Send executes one prompt inside the worker container.
func (d *Docker) Send(ctx context.Context, workerID, prompt, resumeToken string) (io.ReadCloser, error) {
	args := []string{"exec", workerID, "agent", "run", "--output-format", "stream-json"}
	if d.cfg.Model != "" {
		args = append(args, "--model", d.cfg.Model)
	}
	if resumeToken != "" {
		args = append(args, "--resume", resumeToken)
	}
	args = append(args, prompt)
	return d.stream(ctx, args...)
}

// Stop asks the container to exit, falling back to SIGKILL after the
// grace period (docker stop implements exactly that), then removes it.
func (d *Docker) Stop(ctx context.Context, workerID string, grace time.Duration) error {
	seconds := int(grace / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	if out, err := d.runCommand(ctx, "stop", "-t", fmt.Sprintf("%d", seconds), workerID); err != nil {
		logging.Debug().Str("worker", workerID).Str("output", strings.TrimSpace(out)).
			Msg("docker stop failed, removing anyway")
	}
	_, err := d.runCommand(ctx, "rm", "-f", workerID)
	if err != nil && isNoSuchContainer(err) {
		return nil
	}
	return err
}

// Alive reports whether the container is still running.
func (d *Docker) Alive(ctx context.Context, workerID string) bool {
	out, err := d.runCommand(ctx, "inspect", "-f", "{{.State.Running}}", workerID)
	return err == nil && strings.TrimSpace(out) == "true"
}

// runCommand runs one docker CLI call to completion.
func (d *Docker) runCommand(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.cfg.Binary, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return buf.String(), fmt.Errorf("%s %s: %w: %s",
			d.cfg.Binary, strings.Join(args, " "), err, strings.TrimSpace(buf.String()))
	}
	return buf.String(), nil
}

// stream starts a docker CLI call and hands its stdout to the caller.
// Stderr is drained to the debug log in the background.
func (d *Docker) stream(ctx context.Context, args ...string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, d.cfg.Binary, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", strings.Join(args, " "), err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logging.Debug().Str("source", "worker-stderr").Msg(scanner.Text())
		}
	}()

	return &cmdStream{cmd: cmd, out: stdout}, nil
}

// cmdStream couples a process's stdout with its reaping: Close kills
// whatever is left and waits, so callers can't leak the child.
type cmdStream struct {
	cmd *exec.Cmd
	out io.ReadCloser
}

func (s *cmdStream) Read(p []byte) (int, error) { return s.out.Read(p) }

func (s *cmdStream) Close() error {
	_ = s.out.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	err := s.cmd.Wait()
	if err != nil && strings.Contains(err.Error(), "killed") {
		return nil
	}
	return err
}

func isNoSuchContainer(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "no such container")
}
