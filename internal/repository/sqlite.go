package repository

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opensource-finance/atelier/internal/domain"
	_ "modernc.org/sqlite"
)

// sqlitePragmas run on every new connection. WAL keeps candidate reads
// going while a command commits; the busy timeout absorbs the write lock.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"foreign_keys(ON)",
}

// sqliteDSN creates the database directory if needed and returns a
// modernc.org/sqlite data source name.
func sqliteDSN(cfg domain.RepositoryConfig) (string, error) {
	path := cmp.Or(cfg.SQLitePath, "./atelier.db")
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create database directory: %w", err)
		}
	}
	return "file:" + path + "?_pragma=" + strings.Join(sqlitePragmas, "&_pragma="), nil
}
