package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/lobby-research/lobby/internal/api"
	"github.com/lobby-research/lobby/internal/config"
	dbstore "github.com/lobby-research/lobby/internal/db"
)

// openStore returns the SQLite store when sqlite_path is set and the
// in-memory store otherwise. The returned close func is never nil.
func openStore(cfg *config.Config) (api.Store, func(), error) {
	if cfg.SQLitePath == "" {
		log.Warn().Str("module", "main").Msg("sqlite_path empty, using in-memory store")
		return api.NewMemoryStore(), func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	sqliteDB, err := sql.Open("sqlite3", dbstore.DSN(cfg.SQLitePath, cfg.StorageTimeout))
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	closeDB := func() {
		if cerr := sqliteDB.Close(); cerr != nil {
			log.Error().Err(cerr).Str("module", "main").Msg("close sqlite")
		}
	}
	if err := dbstore.RunMigrations(sqliteDB, cfg.MigrationsDir); err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	store, err := dbstore.NewStore(sqliteDB)
	if err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("init sqlite store: %w", err)
	}
	log.Info().Str("module", "main").Str("path", cfg.SQLitePath).Msg("sqlite store ready")
	return store, closeDB, nil
}
