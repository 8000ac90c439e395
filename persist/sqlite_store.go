package persist

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps entries and rotation state in a single SQLite database,
// scoped by namespace so several vaults can share one file.
type SQLiteStore struct {
	db        *sql.DB
	namespace string
	mu        sync.RWMutex
}

func NewSQLiteStore(path, namespace string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, namespace: namespace}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		namespace TEXT NOT NULL,
		entry_key TEXT NOT NULL,
		data BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (namespace, entry_key)
	);

	CREATE TABLE IF NOT EXISTS rotation_state (
		namespace TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) SaveEntry(key string, data []byte) error {
	if key == "" {
		return fmt.Errorf("entry key cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO entries (namespace, entry_key, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(namespace, entry_key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		s.namespace, key, data, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save entry %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) LoadEntry(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data []byte
	err := s.db.QueryRow(
		`SELECT data FROM entries WHERE namespace = ? AND entry_key = ?`,
		s.namespace, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entry %s: %w", key, err)
	}
	return data, nil
}

func (s *SQLiteStore) DeleteEntry(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`DELETE FROM entries WHERE namespace = ? AND entry_key = ?`,
		s.namespace, key)
	if err != nil {
		return false, fmt.Errorf("failed to delete entry %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListEntries() ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT entry_key, data FROM entries WHERE namespace = ? ORDER BY entry_key`,
		s.namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Data); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) SaveRotationState(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO rotation_state (namespace, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(namespace) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		s.namespace, data, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save rotation state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadRotationState() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data []byte
	err := s.db.QueryRow(
		`SELECT data FROM rotation_state WHERE namespace = ?`, s.namespace).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rotation state: %w", err)
	}
	return data, nil
}

func (s *SQLiteStore) RotationStateExists() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(1) FROM rotation_state WHERE namespace = ?`, s.namespace).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) Ping() error { return s.db.Ping() }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) GetType() string { return string(StoreTypeSQLite) }
