package recorder

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteRecorder stores documents in a SQLite database
type SQLiteRecorder struct {
	db *sql.DB
}

// NewSQLiteRecorder creates or opens the database at path.
//
// The database runs in WAL mode with NORMAL synchronous writes and a
// 5-second busy timeout.
func NewSQLiteRecorder(path string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteRecorder{db: db}, nil
}

// Store inserts or replaces a document
func (r *SQLiteRecorder) Store(a Artifact, data []byte) error {
	if a.ID == "" {
		return errors.New("artifact has no ID")
	}
	_, err := r.db.Exec(
		`INSERT OR REPLACE INTO artifacts (id, created, message, top, size, compression, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Created.UnixNano(), a.Message, a.Top, len(data), string(a.Compression), data,
	)
	if err != nil {
		return fmt.Errorf("failed to store artifact %s: %w", a.ID, err)
	}
	return nil
}

// List returns all artifacts, oldest first
func (r *SQLiteRecorder) List() ([]Artifact, error) {
	rows, err := r.db.Query(
		`SELECT id, created, message, top, size, compression FROM artifacts ORDER BY created, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Load returns the artifact and its document
func (r *SQLiteRecorder) Load(id string) (Artifact, []byte, error) {
	row := r.db.QueryRow(
		`SELECT id, created, message, top, size, compression, data FROM artifacts WHERE id = ?`, id)

	var (
		a       Artifact
		created int64
		ct      string
		data    []byte
	)
	err := row.Scan(&a.ID, &created, &a.Message, &a.Top, &a.Size, &ct, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, nil, ErrNotFound
	}
	if err != nil {
		return Artifact{}, nil, fmt.Errorf("failed to load artifact %s: %w", id, err)
	}
	a.Created = time.Unix(0, created).UTC()
	a.Compression = CompressionType(ct)
	return a, data, nil
}

// Delete removes one artifact
func (r *SQLiteRecorder) Delete(id string) error {
	res, err := r.db.Exec(`DELETE FROM artifacts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Clear removes all artifacts
func (r *SQLiteRecorder) Clear() error {
	_, err := r.db.Exec(`DELETE FROM artifacts`)
	return err
}

// Close closes the database connection
func (r *SQLiteRecorder) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

func scanArtifact(rows *sql.Rows) (Artifact, error) {
	var (
		a       Artifact
		created int64
		ct      string
	)
	if err := rows.Scan(&a.ID, &created, &a.Message, &a.Top, &a.Size, &ct); err != nil {
		return Artifact{}, err
	}
	a.Created = time.Unix(0, created).UTC()
	a.Compression = CompressionType(ct)
	return a, nil
}
