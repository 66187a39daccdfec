package dmtask

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// DmsetupClient drives the kernel through the dmsetup binary. One client is
// safe for use by a single engine instance; the engine serializes calls.
type DmsetupClient struct {
	logger logrus.FieldLogger
	dir    string
}

// NewDmsetupClient creates a dmsetup-backed client.
func NewDmsetupClient(logger logrus.FieldLogger) *DmsetupClient {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DmsetupClient{
		logger: logger.WithField("component", "dmtask"),
		dir:    DevMapperDir,
	}
}

// NewTask creates a task for the given operation and node name.
func (c *DmsetupClient) NewTask(op TaskType, name string) Task {
	return &dmsetupTask{client: c, op: op, name: name}
}

// Dir returns the device-mapper node directory.
func (c *DmsetupClient) Dir() string {
	return c.dir
}

// ListDevices enumerates node names via "dmsetup ls".
func (c *DmsetupClient) ListDevices(ctx context.Context) ([]string, error) {
	output, err := c.run(ctx, "", nil, "ls", "--noheadings")
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	if strings.Contains(output, "No devices found") {
		return nil, nil
	}

	var names []string
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		names = append(names, fields[0])
	}
	return names, nil
}

// run executes dmsetup, logging command, duration, exit code and output.
// stdin, when non-empty, is fed to the command (dmsetup reads tables from
// stdin).
func (c *DmsetupClient) run(ctx context.Context, name string, stdin []byte, args ...string) (string, error) {
	logger := c.logger.WithFields(logrus.Fields{
		"command": "dmsetup",
		"args":    args,
	})
	if name != "" {
		logger = logger.WithField("device_name", name)
	}
	logger.Debug("executing dmsetup")

	startTime := time.Now()
	cmd := exec.CommandContext(ctx, "dmsetup", args...)
	if len(stdin) > 0 {
		cmd.Stdin = strings.NewReader(string(stdin))
	}
	output, err := cmd.CombinedOutput()
	duration := time.Since(startTime)

	logger.WithFields(logrus.Fields{
		"duration_ms": duration.Milliseconds(),
		"exit_code":   cmd.ProcessState.ExitCode(),
		"stdout":      string(output),
	}).Debug("dmsetup completed")

	if err != nil {
		return string(output), fmt.Errorf("dmsetup %s failed: %w (output: %s)",
			args[0], err, strings.TrimSpace(string(output)))
	}

	return strings.TrimSpace(string(output)), nil
}

type dmsetupTask struct {
	client  *DmsetupClient
	op      TaskType
	name    string
	uuid    string
	targets []Target
	info    *Info
}

func (t *dmsetupTask) AddTarget(target Target) error {
	if len(target.Params) > MaxParams {
		return &TableTooLargeError{Name: t.name, Size: len(target.Params)}
	}
	t.targets = append(t.targets, target)
	return nil
}

func (t *dmsetupTask) SetUUID(uuid string) {
	t.uuid = uuid
}

// table renders the accumulated targets as a dmsetup table fed on stdin.
func (t *dmsetupTask) table() []byte {
	lines := make([]string, 0, len(t.targets))
	for _, target := range t.targets {
		lines = append(lines, target.Line())
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

func (t *dmsetupTask) Run(ctx context.Context) error {
	c := t.client

	timer := prometheusTimer(t.op)
	defer timer.ObserveDuration()

	var err error
	switch t.op {
	case TaskCreate:
		if len(t.targets) == 0 {
			err = fmt.Errorf("create task for %q has no targets", t.name)
			break
		}
		args := []string{"create", t.name}
		if t.uuid != "" {
			args = append(args, "--uuid", t.uuid)
		}
		_, err = c.run(ctx, t.name, t.table(), args...)

	case TaskReload:
		if len(t.targets) == 0 {
			err = fmt.Errorf("reload task for %q has no targets", t.name)
			break
		}
		_, err = c.run(ctx, t.name, t.table(), "reload", t.name)

	case TaskSuspend:
		_, err = c.run(ctx, t.name, nil, "suspend", t.name)

	case TaskResume:
		_, err = c.run(ctx, t.name, nil, "resume", t.name)

	case TaskRemove:
		err = t.runRemove(ctx)

	case TaskInfo:
		t.info, err = t.runInfo(ctx)

	default:
		err = fmt.Errorf("unsupported task type %s", t.op)
	}

	observeTask(t.op, err)
	return err
}

// runRemove removes the node, retrying with exponential backoff while udev
// transiently holds the node open. A genuine in-use failure surfaces after
// the retries are exhausted.
func (t *dmsetupTask) runRemove(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second

	attempt := func() error {
		output, err := t.client.run(ctx, t.name, nil, "remove", t.name)
		if err == nil {
			return nil
		}
		if strings.Contains(output, "Device or resource busy") {
			return err // transient: retry
		}
		return backoff.Permanent(err)
	}

	return backoff.Retry(attempt, backoff.WithContext(b, ctx))
}

// runInfo queries node state with the columns output format. A missing node
// is not an error: it yields Info{Exists: false}.
func (t *dmsetupTask) runInfo(ctx context.Context) (*Info, error) {
	output, err := t.client.run(ctx, t.name, nil,
		"info", "--columns", "--noheadings", "--separator", " ",
		"-o", "attr,open,segments,major,minor",
		t.name)
	if err != nil {
		if strings.Contains(output, "not exist") || strings.Contains(output, "not found") {
			return &Info{}, nil
		}
		return nil, err
	}

	return parseInfo(output)
}

// parseInfo parses one "dmsetup info --columns" line of the form
// "attr open segments major minor" (see dmsetup(8) for the attr flags).
func parseInfo(line string) (*Info, error) {
	var (
		attr string
		info = Info{Exists: true}
	)

	_, err := fmt.Sscan(strings.TrimSpace(line),
		&attr,
		&info.OpenCount,
		&info.TargetCount,
		&info.Major,
		&info.Minor)
	if err != nil {
		return nil, fmt.Errorf("failed to parse info line %q: %w", line, err)
	}

	info.Suspended = strings.Contains(attr, "s")
	info.ReadOnly = strings.Contains(attr, "r")

	return &info, nil
}

func (t *dmsetupTask) Info() (*Info, error) {
	if t.info == nil {
		return nil, fmt.Errorf("no info captured for %q: run a %s task first", t.name, TaskInfo)
	}
	return t.info, nil
}
