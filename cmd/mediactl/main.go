// mediactl runs maintenance passes against a mediapipe deployment.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/lyzr/mediapipe/cmd/mediapipe/container"
	"github.com/lyzr/mediapipe/common/bootstrap"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := newRootCmd(setupContainer).Execute(); err != nil {
		os.Exit(1)
	}
}

// setupContainer connects to the same database, redis and storage roots as
// the server. Queue and telemetry are not needed for one-shot passes, and
// logs go to stderr so --json output stays clean.
func setupContainer(ctx context.Context) (*container.Container, func(), error) {
	components, err := bootstrap.Setup(ctx, "mediactl",
		bootstrap.WithoutQueue(),
		bootstrap.WithoutTelemetry(),
		bootstrap.WithLogOutput(os.Stderr),
	)
	if err != nil {
		return nil, nil, err
	}
	shutdown := func() { _ = components.Shutdown(context.Background()) }

	if components.DB == nil {
		shutdown()
		return nil, nil, fmt.Errorf("mediactl needs the postgres backend, database.backend is %q",
			components.Config.Database.Backend)
	}

	c, err := container.NewContainer(components)
	if err != nil {
		shutdown()
		return nil, nil, err
	}
	return c, shutdown, nil
}
