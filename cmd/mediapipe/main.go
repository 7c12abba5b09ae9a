package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lyzr/mediapipe/cmd/mediapipe/container"
	"github.com/lyzr/mediapipe/cmd/mediapipe/routes"
	"github.com/lyzr/mediapipe/common/bootstrap"
	"github.com/lyzr/mediapipe/common/server"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bootstrap common components (DB, logger, queue, redis, telemetry)
	components, err := bootstrap.Setup(ctx, "mediapipe")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap mediapipe: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		components.Logger.Error("failed to initialize service container", "error", err)
		os.Exit(1)
	}

	// Background loops: task expiry, maintenance, upload workers
	if err := serviceContainer.Start(ctx); err != nil {
		components.Logger.Error("failed to start background workers", "error", err)
		os.Exit(1)
	}

	// Initialize Echo server
	e := setupEcho()

	// Setup middleware
	setupMiddleware(e, components)

	// Setup health check and metrics
	setupHealthCheck(e, components)
	setupMetrics(e, components)

	// Serve artifacts when the store is published under a local path
	setupStatic(e, components)

	// Register all routes
	registerRoutes(e, serviceContainer)

	// Start server
	startServer(ctx, e, components)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo, components *bootstrap.Components) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
	if limit := components.Config.Service.MaxUploadBytes; limit > 0 {
		e.Use(middleware.BodyLimit(strconv.FormatInt(limit, 10)))
	}
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"service": "mediapipe",
				"error":   err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "mediapipe",
		})
	})
}

// setupMetrics exposes Prometheus metrics on the API port
func setupMetrics(e *echo.Echo, components *bootstrap.Components) {
	handler := promhttp.Handler()
	if components.Telemetry != nil {
		handler = components.Telemetry.MetricsHandler()
	}
	e.GET("/metrics", echo.WrapHandler(handler))
}

// setupStatic serves the artifact and thumbnail roots under the public
// base URL. A base URL with a scheme points at a CDN and is left alone.
func setupStatic(e *echo.Echo, components *bootstrap.Components) {
	storage := components.Config.Storage
	base := strings.TrimRight(storage.PublicBaseURL, "/")
	if strings.Contains(base, "://") {
		return
	}

	e.Static(base+"/media", storage.ArtifactRoot)
	e.Static(base+"/thumbnails", storage.ThumbnailRoot)
	components.Logger.Info("serving stored files", "base_url", base)
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterUploadRoutes(e, serviceContainer)
	routes.RegisterMediaRoutes(e, serviceContainer)
}

// startServer serves on the configured port until a shutdown signal
func startServer(ctx context.Context, e *echo.Echo, components *bootstrap.Components) {
	port := components.Config.Service.Port
	srv := server.New("mediapipe", port, e, components.Logger)

	if err := srv.Start(ctx); err != nil {
		components.Logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
