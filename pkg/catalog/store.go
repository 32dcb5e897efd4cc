package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	_ "modernc.org/sqlite"
)

// Store persists tool catalog entries to SQLite so the gateway can show a
// server's last-known tools while the server is unreachable.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the catalog database and runs migrations.
func OpenStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
	}
	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate catalog db: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tools (
		id TEXT PRIMARY KEY,
		server TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		schema_json TEXT,
		tags_json TEXT,
		estimated_cost REAL NOT NULL DEFAULT 0,
		cached_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tools_server ON tools(server);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ReplaceServer swaps all persisted rows for a server in one transaction.
func (s *Store) ReplaceServer(server string, tools []Tool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM tools WHERE server = ?`, server); err != nil {
		return fmt.Errorf("clear server %q: %w", server, err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO tools (id, server, name, description, schema_json, tags_json, estimated_cost, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range tools {
		schemaJSON, err := marshalNullable(t.Schema)
		if err != nil {
			return fmt.Errorf("encode schema for %q: %w", t.ID, err)
		}
		tagsJSON, err := marshalNullable(t.Tags)
		if err != nil {
			return fmt.Errorf("encode tags for %q: %w", t.ID, err)
		}
		if _, err := stmt.Exec(t.ID, t.Server, t.Name, t.Description, schemaJSON, tagsJSON, t.EstimatedCost, t.CachedAt.UTC()); err != nil {
			return fmt.Errorf("insert %q: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

// LoadServer returns the persisted tools for a server.
func (s *Store) LoadServer(server string) ([]Tool, error) {
	rows, err := s.db.Query(`
		SELECT id, name, description, schema_json, tags_json, estimated_cost, cached_at
		FROM tools WHERE server = ? ORDER BY id`, server)
	if err != nil {
		return nil, fmt.Errorf("query server %q: %w", server, err)
	}
	defer rows.Close()

	var out []Tool
	for rows.Next() {
		var (
			t          Tool
			schemaJSON sql.NullString
			tagsJSON   sql.NullString
			cachedAt   time.Time
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &schemaJSON, &tagsJSON, &t.EstimatedCost, &cachedAt); err != nil {
			return nil, fmt.Errorf("scan tool row: %w", err)
		}
		t.Server = server
		t.Source = SourceCache
		t.CachedAt = cachedAt
		if schemaJSON.Valid && schemaJSON.String != "" {
			var schema jsonschema.Schema
			if err := json.Unmarshal([]byte(schemaJSON.String), &schema); err != nil {
				return nil, fmt.Errorf("decode schema for %q: %w", t.ID, err)
			}
			t.Schema = &schema
		}
		if tagsJSON.Valid && tagsJSON.String != "" {
			if err := json.Unmarshal([]byte(tagsJSON.String), &t.Tags); err != nil {
				return nil, fmt.Errorf("decode tags for %q: %w", t.ID, err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteServer removes all persisted rows for a server.
func (s *Store) DeleteServer(server string) error {
	_, err := s.db.Exec(`DELETE FROM tools WHERE server = ?`, server)
	return err
}

func marshalNullable(v any) (sql.NullString, error) {
	switch val := v.(type) {
	case *jsonschema.Schema:
		if val == nil {
			return sql.NullString{}, nil
		}
	case []string:
		if len(val) == 0 {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
