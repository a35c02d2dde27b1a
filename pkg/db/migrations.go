package db

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const migrationsLogPrefix = "db:migrations"

// downMarker separates the forward SQL of a migration file from its rollback SQL.
const downMarker = "-- +down"

// Migration is one SQL file. Name is the file name and orders migrations.
type Migration struct {
	Name string
	Up   string
	Down string
}

// ParseMigration splits a migration file into its up and down parts.
func ParseMigration(name, content string) Migration {
	m := Migration{Name: name}
	idx := strings.Index(content, downMarker)
	if idx < 0 {
		m.Up = strings.TrimSpace(content)
		return m
	}
	m.Up = strings.TrimSpace(content[:idx])
	m.Down = strings.TrimSpace(content[idx+len(downMarker):])
	return m
}

// LoadMigrationFiles reads all .sql files from dir, sorted by name.
func LoadMigrationFiles(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read migration dir %s: %w", migrationsLogPrefix, dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".sql" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make([]Migration, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to read %s: %w", migrationsLogPrefix, path, err)
		}
		out = append(out, ParseMigration(name, string(data)))
	}
	slog.Info(fmt.Sprintf("%s - Loaded %d migration files from %s", migrationsLogPrefix, len(out), dir))
	return out, nil
}

// Pending returns the migrations whose names are not in applied, keeping file order.
func Pending(all []Migration, applied map[string]bool) []Migration {
	var out []Migration
	for _, m := range all {
		if !applied[m.Name] {
			out = append(out, m)
		}
	}
	return out
}
