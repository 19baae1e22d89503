// Package container wraps the host container runtime CLI.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/nextcloud-backup/internal/models"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Driver defines the container runtime operations. Every operation is
// synchronous; a non-zero exit code is not an error, callers decide.
type Driver interface {
	Run(ctx context.Context, opts models.RunOptions) (models.CommandResult, error)
	Exec(ctx context.Context, name string, cmd []string, opts ExecOptions) (models.CommandResult, error)
	CopyIn(ctx context.Context, src, name, dst string) (models.CommandResult, error)
	CopyOut(ctx context.Context, name, src, dst string) (models.CommandResult, error)
	InspectEnv(ctx context.Context, name string) (map[string]string, error)
	Exists(ctx context.Context, name string) (bool, error)
	PS(ctx context.Context, all bool) ([]models.ContainerInfo, error)
	LogsTail(ctx context.Context, name string, lines int) (models.CommandResult, error)
	Remove(ctx context.Context, name string, force bool) (models.CommandResult, error)
	Restart(ctx context.Context, name string) (models.CommandResult, error)
	IsDaemonUp(ctx context.Context) models.DaemonStatus
	ImagePull(ctx context.Context, image string) (models.CommandResult, error)
}

// ExecOptions tunes an exec call.
type ExecOptions struct {
	User   string
	Env    map[string]string
	Stdin  io.Reader // streamed into the process, implies -i
	Stdout io.Writer // receives stdout instead of the result
}

// Impl implements Driver on top of the docker-compatible CLI.
type Impl struct {
	executor     CommandExecutor
	logger       zerolog.Logger
	runtime      string
	probeTimeout time.Duration
	goos         string
}

// New creates a new container driver.
func New(logger zerolog.Logger, cfg models.ContainerSettings) *Impl {
	return NewWithExecutor(logger, cfg, &DefaultExecutor{})
}

// NewWithExecutor creates a new container driver with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, cfg models.ContainerSettings, executor CommandExecutor) *Impl {
	rt := cfg.Runtime
	if rt == "" {
		rt = "docker"
	}
	probe := cfg.ProbeTimeout
	if probe <= 0 {
		probe = 5 * time.Second
	}
	return &Impl{
		executor:     executor,
		logger:       logger,
		runtime:      rt,
		probeTimeout: probe,
		goos:         runtime.GOOS,
	}
}

func (d *Impl) execute(ctx context.Context, c Command) (models.CommandResult, error) {
	c.Name = d.runtime
	d.logger.Debug().Strs("args", redact(c.Args)).Msg("container runtime call")

	res, err := d.executor.Execute(ctx, c)
	if err != nil {
		return res, err
	}
	if !res.OK() {
		d.logger.Debug().
			Int("exit_code", res.ExitCode).
			Str("stderr", strings.TrimSpace(res.Stderr)).
			Msg("container runtime call failed")
	}
	return res, nil
}

// Run starts a detached container.
func (d *Impl) Run(ctx context.Context, opts models.RunOptions) (models.CommandResult, error) {
	return d.execute(ctx, Command{Args: RunArgs(opts)})
}

// RunArgs builds the CLI arguments for Run with a deterministic order.
func RunArgs(opts models.RunOptions) []string {
	args := []string{"run", "-d", "--name", opts.Name}
	if opts.Restart != "" {
		args = append(args, "--restart", opts.Restart)
	}

	hostPorts := make([]int, 0, len(opts.Ports))
	for hp := range opts.Ports {
		hostPorts = append(hostPorts, hp)
	}
	sort.Ints(hostPorts)
	for _, hp := range hostPorts {
		args = append(args, "-p", fmt.Sprintf("%d:%d", hp, opts.Ports[hp]))
	}

	for _, src := range sortedKeys(opts.Mounts) {
		args = append(args, "-v", src+":"+opts.Mounts[src])
	}
	for _, k := range sortedKeys(opts.Env) {
		args = append(args, "-e", k+"="+opts.Env[k])
	}
	for _, link := range opts.Links {
		args = append(args, "--link", link)
	}

	return append(args, opts.Image)
}

// Exec runs a command inside a running container.
func (d *Impl) Exec(ctx context.Context, name string, cmd []string, opts ExecOptions) (models.CommandResult, error) {
	args := []string{"exec"}
	if opts.Stdin != nil {
		args = append(args, "-i")
	}
	if opts.User != "" {
		args = append(args, "-u", opts.User)
	}
	for _, k := range sortedKeys(opts.Env) {
		args = append(args, "-e", k+"="+opts.Env[k])
	}
	args = append(args, name)
	args = append(args, cmd...)

	return d.execute(ctx, Command{Args: args, Stdin: opts.Stdin, Stdout: opts.Stdout})
}

// CopyIn copies a host path into a container.
func (d *Impl) CopyIn(ctx context.Context, src, name, dst string) (models.CommandResult, error) {
	return d.execute(ctx, Command{Args: []string{"cp", src, name + ":" + dst}})
}

// CopyOut copies a container path to the host.
func (d *Impl) CopyOut(ctx context.Context, name, src, dst string) (models.CommandResult, error) {
	return d.execute(ctx, Command{Args: []string{"cp", name + ":" + src, dst}})
}

// InspectEnv returns the environment configured for a container.
func (d *Impl) InspectEnv(ctx context.Context, name string) (map[string]string, error) {
	res, err := d.execute(ctx, Command{
		Args:    []string{"inspect", "--type", "container", "--format", "{{json .Config.Env}}", name},
		Timeout: d.probeTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", name, err)
	}
	if !res.OK() {
		return nil, fmt.Errorf("inspect %s: %s", name, strings.TrimSpace(res.Stderr))
	}

	var pairs []string
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &pairs); err != nil {
		return nil, fmt.Errorf("failed to parse environment of %s: %w", name, err)
	}

	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, _ := strings.Cut(p, "=")
		env[k] = v
	}
	return env, nil
}

// Exists reports whether a container with the given name exists.
func (d *Impl) Exists(ctx context.Context, name string) (bool, error) {
	res, err := d.execute(ctx, Command{
		Args:    []string{"inspect", "--type", "container", "--format", "{{.Name}}", name},
		Timeout: d.probeTimeout,
	})
	if err != nil {
		return false, fmt.Errorf("inspect %s: %w", name, err)
	}
	return res.OK(), nil
}

// psLine is the JSON structure printed by ps --format '{{json .}}'.
type psLine struct {
	ID     string `json:"ID"`
	Names  string `json:"Names"`
	Image  string `json:"Image"`
	State  string `json:"State"`
	Status string `json:"Status"`
}

// PS lists containers.
func (d *Impl) PS(ctx context.Context, all bool) ([]models.ContainerInfo, error) {
	args := []string{"ps", "--format", "{{json .}}"}
	if all {
		args = append(args, "-a")
	}
	res, err := d.execute(ctx, Command{Args: args, Timeout: d.probeTimeout})
	if err != nil {
		return nil, fmt.Errorf("ps: %w", err)
	}
	if !res.OK() {
		return nil, fmt.Errorf("ps: %s", strings.TrimSpace(res.Stderr))
	}

	var out []models.ContainerInfo
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var l psLine
		if err := json.Unmarshal([]byte(line), &l); err != nil {
			d.logger.Warn().Err(err).Str("line", line).Msg("skipping unparsable ps line")
			continue
		}
		out = append(out, models.ContainerInfo{
			ID:     l.ID,
			Name:   l.Names,
			Image:  l.Image,
			State:  l.State,
			Status: l.Status,
		})
	}
	return out, nil
}

// LogsTail returns the last lines of a container's log.
func (d *Impl) LogsTail(ctx context.Context, name string, lines int) (models.CommandResult, error) {
	return d.execute(ctx, Command{
		Args:    []string{"logs", "--tail", strconv.Itoa(lines), name},
		Timeout: d.probeTimeout,
	})
}

// Remove deletes a container.
func (d *Impl) Remove(ctx context.Context, name string, force bool) (models.CommandResult, error) {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	return d.execute(ctx, Command{Args: append(args, name)})
}

// Restart restarts a container.
func (d *Impl) Restart(ctx context.Context, name string) (models.CommandResult, error) {
	return d.execute(ctx, Command{Args: []string{"restart", name}})
}

// ImagePull pulls an image.
func (d *Impl) ImagePull(ctx context.Context, image string) (models.CommandResult, error) {
	return d.execute(ctx, Command{Args: []string{"pull", image}})
}

// IsDaemonUp probes the runtime and classifies the failure mode.
func (d *Impl) IsDaemonUp(ctx context.Context) models.DaemonStatus {
	res, err := d.execute(ctx, Command{
		Args:    []string{"version", "--format", "{{.Server.Version}}"},
		Timeout: d.probeTimeout,
	})

	var state models.DaemonState
	detail := strings.TrimSpace(res.Stderr)
	switch {
	case err != nil && errors.Is(err, exec.ErrNotFound):
		state = models.DaemonNotInstalled
		detail = err.Error()
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		state = models.DaemonTimeout
		detail = err.Error()
	case err != nil:
		state = models.DaemonOther
		detail = err.Error()
	case res.OK() && strings.TrimSpace(res.Stdout) != "":
		return models.DaemonStatus{State: models.DaemonOK, Version: strings.TrimSpace(res.Stdout)}
	default:
		state = ClassifyDaemonStderr(res.Stderr)
	}

	status := models.DaemonStatus{
		State:       state,
		Detail:      detail,
		Remediation: Remediation(state, d.runtime, d.goos),
	}
	d.logger.Warn().
		Str("state", string(status.State)).
		Str("detail", status.Detail).
		Msg("container runtime not ready")
	return status
}

// ClassifyDaemonStderr maps a failed version probe to a daemon state.
func ClassifyDaemonStderr(stderr string) models.DaemonState {
	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "permission denied"), strings.Contains(s, "access is denied"):
		return models.DaemonPermissionDenied
	case strings.Contains(s, "cannot connect to the docker daemon"),
		strings.Contains(s, "is the docker daemon running"),
		strings.Contains(s, "error during connect"),
		strings.Contains(s, "connection refused"),
		strings.Contains(s, "cannot connect to podman"),
		strings.Contains(s, "the system cannot find the file specified"):
		return models.DaemonNotRunning
	case strings.Contains(s, "timeout"), strings.Contains(s, "timed out"):
		return models.DaemonTimeout
	default:
		return models.DaemonOther
	}
}

// Remediation returns a platform-specific hint for a non-ok daemon state.
func Remediation(state models.DaemonState, rt, goos string) string {
	desktop := goos == "windows" || goos == "darwin"
	switch state {
	case models.DaemonOK:
		return ""
	case models.DaemonNotInstalled:
		if desktop {
			return fmt.Sprintf("Install Docker Desktop and make sure %q is on your PATH.", rt)
		}
		return fmt.Sprintf("Install %s with your distribution's package manager.", rt)
	case models.DaemonNotRunning:
		if desktop {
			return "Start Docker Desktop and wait until it reports that the engine is running."
		}
		return fmt.Sprintf("Start the daemon, e.g. \"sudo systemctl start %s\".", rt)
	case models.DaemonPermissionDenied:
		if goos == "linux" {
			return fmt.Sprintf("Add your user to the %q group (\"sudo usermod -aG %s $USER\") and log in again.", rt, rt)
		}
		return "Run the utility from an account that is allowed to use the container runtime."
	case models.DaemonTimeout:
		return "The runtime did not answer in time; restart it and retry."
	default:
		return "Check the container runtime installation; see the log file for the exact error."
	}
}

// RuntimeError converts a non-ok status into a typed error.
func RuntimeError(status models.DaemonStatus) error {
	if status.State == models.DaemonOK {
		return nil
	}
	sub := string(status.State)
	if status.State == models.DaemonOther {
		sub = models.SubOther
	}
	return &models.Error{
		Kind:   models.KindRuntimeNotReady,
		Sub:    sub,
		Action: status.Remediation,
		Detail: status.Detail,
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// redact hides values of password-like environment assignments in logs.
func redact(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		k, _, found := strings.Cut(a, "=")
		lk := strings.ToLower(k)
		if found && (strings.Contains(lk, "password") || strings.Contains(lk, "pass")) {
			out[i] = k + "=***"
			continue
		}
		if strings.HasPrefix(a, "-p") && len(a) > 2 && !strings.Contains(a, ":") {
			out[i] = "-p***"
			continue
		}
		out[i] = a
	}
	return out
}
