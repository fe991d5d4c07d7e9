// SPDX-License-Identifier: MIT

// Command catalogctl bootstraps the Equipment Catalog (spec.md §3) from an
// ops-maintained YAML fixture file, the same "editable source-of-truth
// file" role the teacher's config.yaml plays for daemon configuration.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/radscheduler/core/internal/equipment"
	"github.com/radscheduler/core/internal/log"
	"github.com/radscheduler/core/internal/persistence/sqlite"
	"github.com/radscheduler/core/internal/version"
)

const (
	exitOK          = 0
	exitConfigError = 2
	exitDBError     = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	dbPath := flag.String("db", "radscheduler.db", "path to the SQLite database file")
	fixturePath := flag.String("fixture", "", "path to a YAML equipment catalog fixture (required)")
	logLevel := flag.String("log-level", "info", "zerolog level")
	watch := flag.Bool("watch", false, "after seeding once, keep watching the fixture file and reseed on every change")
	flag.Parse()

	log.Configure(log.Config{Level: *logLevel, Service: "radscheduler-catalogctl", Version: version.Version})
	logger := log.WithComponent("catalogctl")

	if *fixturePath == "" {
		fmt.Fprintln(os.Stderr, "usage: catalogctl -fixture catalog.yaml [-db radscheduler.db]")
		return exitConfigError
	}

	fx, err := equipment.LoadCatalogFixture(*fixturePath)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load catalog fixture")
		return exitConfigError
	}

	db, err := sqlite.Open(*dbPath, sqlite.DefaultConfig())
	if err != nil {
		logger.Error().Err(err).Msg("database unavailable")
		return exitDBError
	}
	defer db.Close()

	store, err := equipment.NewStore(db)
	if err != nil {
		logger.Error().Err(err).Msg("equipment store init failed")
		return exitConfigError
	}

	locations, rows, err := equipment.Seed(context.Background(), store, fx)
	if err != nil {
		logger.Error().Err(err).Msg("catalog seed failed")
		return exitConfigError
	}

	logger.Info().Int("locations", locations).Int("equipment_rows", rows).Msg("catalog seeded")

	if !*watch {
		return exitOK
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := equipment.NewFixtureWatcher(*fixturePath, store).Run(ctx); err != nil {
		logger.Error().Err(err).Msg("fixture watcher exited with error")
		return exitConfigError
	}
	return exitOK
}
