package autoscaler

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// composeService is the compose service name for verification workers.
const composeService = "worker"

// ComposeDriver scales a local fleet by shelling out to docker compose.
// Counting is deliberately conservative: any running container with the
// service name in its container name counts as a worker.
type ComposeDriver struct {
	composeFile    string
	composeProject string

	// runCommand executes a CLI command and returns its stdout. Swapped
	// in tests.
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewComposeDriver creates a driver for the given compose file and
// project name. Either may be empty, in which case the docker CLI
// resolves them from the working directory.
func NewComposeDriver(composeFile, composeProject string) *ComposeDriver {
	return &ComposeDriver{
		composeFile:    composeFile,
		composeProject: composeProject,
		runCommand:     runDockerCommand,
	}
}

func runDockerCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// ListWorkers counts running containers named after the worker service.
func (d *ComposeDriver) ListWorkers(ctx context.Context) (int, error) {
	out, err := d.runCommand(ctx, "docker", "ps", "--format", "{{.Names}}")
	if err != nil {
		return 0, fmt.Errorf("list containers: %w", err)
	}
	count := 0
	for _, name := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if strings.Contains(name, composeService) {
			count++
		}
	}
	return count, nil
}

// ScaleTo resizes the worker service replica count through compose.
func (d *ComposeDriver) ScaleTo(ctx context.Context, n int) error {
	args := []string{"compose"}
	if d.composeFile != "" {
		args = append(args, "-f", d.composeFile)
	}
	if d.composeProject != "" {
		args = append(args, "-p", d.composeProject)
	}
	args = append(args, "up", "-d", "--scale", fmt.Sprintf("%s=%d", composeService, n))
	if _, err := d.runCommand(ctx, "docker", args...); err != nil {
		return fmt.Errorf("compose scale: %w", err)
	}
	return nil
}
