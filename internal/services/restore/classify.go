package restore

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/fgeck/nextcloud-backup/internal/models"
)

const maxPortProbes = 20

var (
	portConflictMarkers = []string{
		"port is already allocated",
		"address already in use",
		"ports are not available",
		"bind for 0.0.0.0",
	}
	nameConflictMarkers = []string{
		"is already in use by container",
		"the container name",
	}
	imageMarkers = []string{
		"unable to find image",
		"pull access denied",
		"manifest unknown",
		"repository does not exist",
		"not found: manifest",
	}
	linkMarkers = []string{
		"could not get container for",
		"could not find container",
		"cannot link to a non running container",
		"no such container",
		"link target",
	}
	daemonMarkers = []string{
		"cannot connect to the docker daemon",
		"is the docker daemon running",
		"error during connect",
	}
)

// Classify maps container runtime stderr from a failed start to a typed
// error. For sqlite restores a missing link target is expected and comes
// back as the benign expected_sqlite_no_db_container sub-kind.
func Classify(stderr string, sqlite bool) *models.Error {
	lower := strings.ToLower(stderr)
	sub := models.SubOther

	switch {
	case containsAny(lower, portConflictMarkers):
		sub = models.SubPortConflict
	case containsAny(lower, nameConflictMarkers) && strings.Contains(lower, "already in use"):
		sub = models.SubNameConflict
	case containsAny(lower, imageMarkers):
		sub = models.SubImageNotFound
	case containsAny(lower, linkMarkers):
		sub = models.SubLinkTargetMissing
		if sqlite {
			sub = models.SubSQLiteNoDB
		}
	case containsAny(lower, daemonMarkers):
		sub = models.SubDaemonNotRunning
	case strings.Contains(lower, "permission denied"):
		sub = models.SubPermissionDenied
	}

	return &models.Error{
		Kind:   models.KindContainerStartFailed,
		Sub:    sub,
		Detail: strings.TrimSpace(stderr),
	}
}

// Benign reports errors that are expected and must not fail a run.
func Benign(err error) bool {
	var e *models.Error
	return errors.As(err, &e) && e.Kind == models.KindContainerStartFailed && e.Sub == models.SubSQLiteNoDB
}

// SuggestPort returns the first port above taken that free reports as
// available, or taken+1 when none is found within a few probes.
func SuggestPort(taken int, free func(port int) bool) int {
	for p := taken + 1; p <= taken+maxPortProbes && p <= 65535; p++ {
		if free == nil || free(p) {
			return p
		}
	}
	return taken + 1
}

// PortFree reports whether a TCP port can be bound on all interfaces.
func PortFree(port int) bool {
	l, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func startError(e *models.Error, name string) *models.Error {
	if e.Message == "" {
		e.Message = fmt.Sprintf("container %s could not be started", name)
	}
	return e
}
