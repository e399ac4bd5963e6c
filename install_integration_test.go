//go:build integration

package zerobrew

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestInstaller_EndToEndAgainstContainerizedBottleServer spins up a plain
// nginx container serving a real bottle archive over HTTP and drives an
// Execute/Uninstall/GC cycle for a hand-built plan against it, the same container-backed
// shape as the teacher's TestProxy.
func TestInstaller_EndToEndAgainstContainerizedBottleServer(t *testing.T) {
	ctx := context.Background()

	archive := buildTarGz(t, map[string]string{"widget/1.0/bin/widget": "#!/bin/sh\necho hi\n"})
	sha := shaOf(archive)

	archivePath := filepath.Join(t.TempDir(), "widget.tar.gz")
	require.NoError(t, os.WriteFile(archivePath, archive, 0o644))

	req := testcontainers.ContainerRequest{
		Image:        "nginx:alpine",
		ExposedPorts: []string{"80/tcp"},
		WaitingFor:   wait.ForHTTP("/widget.tar.gz").WithStartupTimeout(30 * time.Second),
		Files: []testcontainers.ContainerFile{{
			HostFilePath:      archivePath,
			ContainerFilePath: "/usr/share/nginx/html/widget.tar.gz",
			FileMode:          0o644,
		}},
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	defer container.Terminate(ctx)

	endpoint, err := container.Endpoint(ctx, "http")
	require.NoError(t, err)

	installer := newTestInstaller(t)

	plan := InstallPlan{Items: []InstallPlanItem{{
		Formula: Formula{Name: "widget", Versions: FormulaVers{Stable: "1.0"}},
		Bottle:  SelectedBottle{Tag: "all", URL: endpoint + "/widget.tar.gz", Sha256: sha},
	}}}

	require.NoError(t, installer.Execute(ctx, plan, true))

	installed, err := installer.IsInstalled(ctx, "widget")
	require.NoError(t, err)
	require.True(t, installed)

	require.NoError(t, installer.Uninstall(ctx, "widget"))

	removed, err := installer.GC(ctx)
	require.NoError(t, err)
	require.Contains(t, removed, sha)
}
