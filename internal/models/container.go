package models

// CommandResult is the outcome of one container CLI invocation.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// OK reports a zero exit code.
func (r CommandResult) OK() bool {
	return r.ExitCode == 0
}

// DaemonState classifies the container runtime's availability.
type DaemonState string

// Daemon states.
const (
	DaemonOK               DaemonState = "ok"
	DaemonNotInstalled     DaemonState = "not_installed"
	DaemonNotRunning       DaemonState = "not_running"
	DaemonPermissionDenied DaemonState = "permission_denied"
	DaemonTimeout          DaemonState = "timeout"
	DaemonOther            DaemonState = "other"
)

// DaemonStatus is the result of probing the container runtime.
type DaemonStatus struct {
	State       DaemonState
	Version     string
	Detail      string
	Remediation string
}

// RunOptions describes a container to start.
type RunOptions struct {
	Name    string
	Image   string
	Env     map[string]string
	Ports   map[int]int // host -> container
	Mounts  map[string]string
	Links   []string
	Restart string
}

// ContainerInfo is a row of the runtime's container listing.
type ContainerInfo struct {
	ID     string
	Name   string
	Image  string
	State  string
	Status string
}
