//go:build integration

package integration

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/fgeck/nextcloud-backup/internal/models"
	"github.com/fgeck/nextcloud-backup/internal/services/container"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func getDriver(t *testing.T) *container.Impl {
	t.Helper()

	if os.Getenv("TEST_DOCKER") == "" {
		t.Skip("TEST_DOCKER not set")
	}
	runtime := os.Getenv("TEST_CONTAINER_RUNTIME")
	if runtime == "" {
		runtime = "docker"
	}

	d := container.New(testLogger(), models.ContainerSettings{Runtime: runtime, ProbeTimeout: 10 * time.Second})
	status := d.IsDaemonUp(context.Background())
	require.Equal(t, models.DaemonOK, status.State, status.Detail)
	return d
}

func uniqueName(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func removeOnCleanup(t *testing.T, d container.Driver, names ...string) {
	t.Helper()
	t.Cleanup(func() {
		for _, n := range names {
			_, _ = d.Remove(context.Background(), n, true)
		}
	})
}
