// Package migrations embeds the SQL schema migrations and provides a runner
// that applies them at startup.
//
// Migration files follow the strict naming standard 001_name.up.sql /
// 001_name.down.sql. All files are embedded at build time using go:embed,
// enabling zero-config deployment without external file dependencies.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embeddedMigrations embed.FS

// Migration filename regex: 001_migration_name.up.sql or 001_migration_name.down.sql.
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// FS returns the embedded file system containing all migration files.
func FS() fs.FS {
	return embeddedMigrations
}

// List returns all embedded migration files that conform to the naming
// standard, in lexicographic order. Files with invalid names are rejected to
// enforce consistency.
func List() ([]string, error) {
	entries, err := fs.ReadDir(embeddedMigrations, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if filepath.Ext(name) == ".sql" && migrationFilenameRegex.MatchString(name) {
			files = append(files, name)
		}
	}

	sort.Strings(files)

	return files, nil
}

// Validate checks that the embedded migrations are well formed: every up
// migration has a matching down migration and sequence numbers start at 001
// with no gaps.
func Validate() error {
	files, err := List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no embedded migration files found")
	}

	type pair struct{ up, down bool }

	pairs := make(map[int]*pair)

	for _, file := range files {
		matches := migrationFilenameRegex.FindStringSubmatch(file)

		seq, err := strconv.Atoi(matches[1])
		if err != nil {
			return fmt.Errorf("invalid sequence number in %s: %w", file, err)
		}

		p := pairs[seq]
		if p == nil {
			p = &pair{}
			pairs[seq] = p
		}

		if matches[3] == "up" {
			p.up = true
		} else {
			p.down = true
		}
	}

	sequences := make([]int, 0, len(pairs))
	for seq := range pairs {
		sequences = append(sequences, seq)
	}

	sort.Ints(sequences)

	for i, seq := range sequences {
		if seq != i+1 {
			return fmt.Errorf("gap in migration sequence: expected %03d, found %03d", i+1, seq)
		}

		p := pairs[seq]
		if !p.up {
			return fmt.Errorf("orphaned down migration: missing up migration for %03d", seq)
		}

		if !p.down {
			return fmt.Errorf("orphaned up migration: missing down migration for %03d", seq)
		}
	}

	return nil
}
