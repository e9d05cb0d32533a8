package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaFS embed.FS

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (creating if needed) the node database under dataDir.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dataDir, "nodes.db")
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, path: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	_, err = s.db.Exec(string(schema))
	return err
}

// SaveNode inserts or updates a node definition.
func (s *SQLiteStore) SaveNode(rec *NodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, err := json.Marshal(rec.Settings)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO nodes (node_id, project_id, name, node_type, console_type, console, settings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			name = excluded.name,
			console_type = excluded.console_type,
			console = excluded.console,
			settings = excluded.settings,
			updated_at = excluded.updated_at`,
		rec.NodeID, rec.ProjectID, rec.Name, rec.NodeType, rec.ConsoleType,
		rec.Console, string(settings), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving node %s: %w", rec.NodeID, err)
	}
	return nil
}

// DeleteNode removes a node definition.
func (s *SQLiteStore) DeleteNode(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM nodes WHERE node_id = ?`, nodeID)
	if err != nil {
		return fmt.Errorf("deleting node %s: %w", nodeID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNodeNotFound
	}
	return nil
}

// ListNodes returns every persisted node definition.
func (s *SQLiteStore) ListNodes() ([]NodeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT node_id, project_id, name, node_type, console_type, console, settings, created_at, updated_at
		FROM nodes ORDER BY project_id, name`)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	defer rows.Close()

	var records []NodeRecord
	for rows.Next() {
		var rec NodeRecord
		var settings string
		if err := rows.Scan(&rec.NodeID, &rec.ProjectID, &rec.Name, &rec.NodeType,
			&rec.ConsoleType, &rec.Console, &settings, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning node row: %w", err)
		}
		if err := json.Unmarshal([]byte(settings), &rec.Settings); err != nil {
			return nil, fmt.Errorf("decoding settings for node %s: %w", rec.NodeID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close shuts the database down.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
