// Package migrations embeds the schema of every durable backend and applies it
// on startup. Files run in lexical order and must be idempotent.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"path"
	"sort"
	"strings"
)

// PostgresFS embeds all PostgreSQL migration files.
//
//go:embed postgres/*.sql
var PostgresFS embed.FS

// ClickhouseFS embeds all ClickHouse migration files.
//
//go:embed clickhouse/*.sql
var ClickhouseFS embed.FS

// apply runs every .sql file in dir through exec, logging each applied file.
func apply(ctx context.Context, fsys fs.FS, dir string, logger *log.Logger, exec func(ctx context.Context, sql string) error) error {
	if logger == nil {
		logger = log.Default()
	}
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("read embedded %s migrations: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		data, err := fs.ReadFile(fsys, path.Join(dir, file))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		if err := exec(ctx, string(data)); err != nil {
			return fmt.Errorf("apply %s migration %s: %w", dir, file, err)
		}
		logger.Printf("Applied %s migration %s", dir, file)
	}
	return nil
}

// splitStatements splits a SQL script on semicolons that end a statement.
// Semicolons inside quoted literals or -- comments do not split, and comments
// are dropped from the output.
func splitStatements(script string) []string {
	var (
		stmts []string
		cur   strings.Builder
		quote byte
	)
	flush := func() {
		if stmt := strings.TrimSpace(cur.String()); stmt != "" {
			stmts = append(stmts, stmt)
		}
		cur.Reset()
	}

	for i := 0; i < len(script); i++ {
		ch := script[i]
		switch {
		case quote != 0:
			cur.WriteByte(ch)
			if ch == '\\' && i+1 < len(script) {
				i++
				cur.WriteByte(script[i])
			} else if ch == quote {
				// a doubled quote is an escaped quote
				if i+1 < len(script) && script[i+1] == quote {
					i++
					cur.WriteByte(script[i])
				} else {
					quote = 0
				}
			}
		case ch == '\'' || ch == '"' || ch == '`':
			quote = ch
			cur.WriteByte(ch)
		case ch == '-' && i+1 < len(script) && script[i+1] == '-':
			for i < len(script) && script[i] != '\n' {
				i++
			}
			cur.WriteByte('\n')
		case ch == ';':
			flush()
		default:
			cur.WriteByte(ch)
		}
	}
	flush()
	return stmts
}
