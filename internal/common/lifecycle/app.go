package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flowforge/router/internal/config"
)

// App holds initialized infrastructure that is guaranteed to be ready.
//
// This is NOT a god object - it just holds the loaded configuration and the
// registered cleanup functions. Application logic should NOT go here.
//
// Queue initialization is left to specific binaries since the configuration
// (publisher vs consumer, stream names, etc.) varies by use case.
type App struct {
	Config *config.Config

	// Internal cleanup - call AddCleanup to register cleanup functions
	cleanupFuncs []func() error
}

// Initialize creates an App with loaded configuration. Returns an error if
// configuration loading fails.
//
// Usage:
//
//	app, cleanup, err := lifecycle.Initialize(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cleanup()
func Initialize(ctx context.Context) (*App, func(), error) {
	app := &App{}

	cfg, err := config.LoadWithFile()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	app.Config = cfg

	cleanup := func() {
		app.Cleanup()
	}

	return app, cleanup, nil
}

// AddCleanup registers a cleanup function to be called on shutdown.
// Functions are called in reverse order of registration.
func (app *App) AddCleanup(fn func() error) {
	app.cleanupFuncs = append(app.cleanupFuncs, fn)
}

// Cleanup runs all cleanup functions in reverse order.
func (app *App) Cleanup() {
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		if err := app.cleanupFuncs[i](); err != nil {
			slog.Error("Cleanup error", "error", err)
		}
	}
}
