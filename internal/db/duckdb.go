package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/joeblew999/plat-dashboard/internal/logging"
)

var (
	instance *sql.DB
	once     sync.Once
	initErr  error
)

// Config holds database configuration.
type Config struct {
	DataDir string
	DBName  string
}

// Get returns the singleton DuckDB connection with the history schema in
// place.
func Get(cfg Config) (*sql.DB, error) {
	once.Do(func() {
		duckdbDir := filepath.Join(cfg.DataDir, "duckdb")
		if err := os.MkdirAll(duckdbDir, 0755); err != nil {
			initErr = fmt.Errorf("failed to create duckdb directory: %w", err)
			return
		}

		instance, initErr = Open(filepath.Join(duckdbDir, cfg.DBName+".duckdb"))
		if initErr != nil {
			return
		}

		// Ad-hoc queries over report history may touch geometry or parquet
		// exports; extensions that cannot be installed offline are skipped.
		for _, ext := range []string{"spatial", "parquet"} {
			if _, err := instance.Exec(fmt.Sprintf("INSTALL %s; LOAD %s;", ext, ext)); err != nil {
				logging.Debug().Err(err).Str("extension", ext).Msg("duckdb extension not loaded")
			}
		}
	})
	return instance, initErr
}

// Open opens a DuckDB database at path ("" for in-memory) and creates the
// history schema.
func Open(path string) (*sql.DB, error) {
	conn, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := EnsureSchema(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Close closes the database connection.
func Close() error {
	if instance != nil {
		return instance.Close()
	}
	return nil
}
