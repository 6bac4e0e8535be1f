package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir  = ".scrumbringer"
	defaultDBName = "scrumbringer.db"
)

type Config struct {
	Workspace string
}

// EnsureWorkspace creates the .scrumbringer directory if missing and
// returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(normalize(workspace), workspaceDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite database with foreign keys on. busy_timeout makes
// concurrent writers wait for the lock instead of failing, which the
// rule-execution unique insert depends on.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", Path(cfg.Workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the database file path for the workspace.
func Path(workspace string) string {
	return filepath.Join(normalize(workspace), workspaceDir, defaultDBName)
}

func normalize(workspace string) string {
	if workspace == "" {
		return "."
	}
	return workspace
}
