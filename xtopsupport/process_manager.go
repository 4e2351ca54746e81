package xtopsupport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
)

// ErrProcessManagerNotConnected is returned by every process operation
// attempted before a successful Connect. Operations fail fast rather than
// queue: a supervisor that cannot see its children must not pretend to
// manage them.
var ErrProcessManagerNotConnected = errors.New("process manager not connected")

// ProcessStatus is the external process manager's view of a child process.
type ProcessStatus string

const (
	ProcessStatusOnline  ProcessStatus = "online"
	ProcessStatusStopped ProcessStatus = "stopped"
	ProcessStatusErrored ProcessStatus = "errored"
)

// ProcessInfo describes one supervised child process.
type ProcessInfo struct {
	Name   string        `json:"name"`
	PID    int           `json:"pid"`
	Status ProcessStatus `json:"status"`
}

// ProcessSpec describes a child process to spawn.
type ProcessSpec struct {
	// Name uniquely identifies the process to the manager
	Name string

	// Env is passed to the child on top of the parent environment
	Env map[string]string
}

// ProcessManager abstracts the external process supervisor (pm2). The
// manager owns the authoritative list of running child processes; during
// reconciliation its view wins over the database.
type ProcessManager interface {
	// Connect verifies the manager daemon is reachable. All other methods
	// return ErrProcessManagerNotConnected until this succeeds.
	Connect(ctx context.Context) error

	Connected() bool

	// List returns every child process the manager knows about.
	List(ctx context.Context) ([]ProcessInfo, error)

	// Describe returns the named process, or nil if the manager does not
	// know it.
	Describe(ctx context.Context, name string) (*ProcessInfo, error)

	// Spawn starts a new child process under the manager.
	Spawn(ctx context.Context, spec ProcessSpec) error

	// Delete stops and removes a child process from the manager.
	Delete(ctx context.Context, name string) error
}

// PM2Client drives a pm2 daemon through its CLI, using `pm2 jlist` for
// structured output.
type PM2Client struct {
	bin       string
	script    string
	logger    *slog.Logger
	connected atomic.Bool

	// runCmd is swappable for tests
	runCmd func(ctx context.Context, env []string, args ...string) ([]byte, error)
}

func NewPM2Client(config *CustomBotsConfig, logger *slog.Logger) *PM2Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &PM2Client{
		bin:    config.ProcessManagerBin,
		script: config.Script,
		logger: logger.With(loggerNameKey, "pm2"),
	}
	c.runCmd = c.execCmd
	return c
}

func (c *PM2Client) execCmd(
	ctx context.Context,
	env []string,
	args ...string,
) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.bin, args...)
	cmd.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf(
			"%s %s: %w (%s)",
			c.bin,
			strings.Join(args, " "),
			err,
			strings.TrimSpace(stderr.String()),
		)
	}
	return stdout.Bytes(), nil
}

// Connect pings the pm2 daemon, starting it if necessary.
func (c *PM2Client) Connect(ctx context.Context) error {
	if _, err := c.runCmd(ctx, nil, "ping"); err != nil {
		c.connected.Store(false)
		return fmt.Errorf("error reaching pm2 daemon: %w", err)
	}
	c.connected.Store(true)
	c.logger.InfoContext(ctx, "connected to pm2 daemon", "bin", c.bin)
	return nil
}

func (c *PM2Client) Connected() bool {
	return c.connected.Load()
}

// pm2Process is the subset of `pm2 jlist` output the supervisor consumes.
type pm2Process struct {
	Name   string `json:"name"`
	PID    int    `json:"pid"`
	PM2Env struct {
		Status string `json:"status"`
	} `json:"pm2_env"`
}

func (c *PM2Client) List(ctx context.Context) ([]ProcessInfo, error) {
	if !c.Connected() {
		return nil, ErrProcessManagerNotConnected
	}
	out, err := c.runCmd(ctx, nil, "jlist")
	if err != nil {
		return nil, err
	}

	var raw []pm2Process
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("error parsing pm2 jlist output: %w", err)
	}

	processes := make([]ProcessInfo, 0, len(raw))
	for _, p := range raw {
		processes = append(
			processes, ProcessInfo{
				Name:   p.Name,
				PID:    p.PID,
				Status: ProcessStatus(p.PM2Env.Status),
			},
		)
	}
	return processes, nil
}

func (c *PM2Client) Describe(
	ctx context.Context,
	name string,
) (*ProcessInfo, error) {
	processes, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range processes {
		if processes[i].Name == name {
			return &processes[i], nil
		}
	}
	return nil, nil
}

func (c *PM2Client) Spawn(ctx context.Context, spec ProcessSpec) error {
	if !c.Connected() {
		return ErrProcessManagerNotConnected
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	_, err := c.runCmd(
		ctx, env,
		"start", c.script,
		"--name", spec.Name,
		"--update-env",
	)
	if err != nil {
		return fmt.Errorf("error spawning process %q: %w", spec.Name, err)
	}
	c.logger.InfoContext(ctx, "spawned process", "name", spec.Name)
	return nil
}

func (c *PM2Client) Delete(ctx context.Context, name string) error {
	if !c.Connected() {
		return ErrProcessManagerNotConnected
	}
	if _, err := c.runCmd(ctx, nil, "delete", name); err != nil {
		return fmt.Errorf("error deleting process %q: %w", name, err)
	}
	c.logger.InfoContext(ctx, "deleted process", "name", name)
	return nil
}
