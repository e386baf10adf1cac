package recorder

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Extension is the file extension of a saved capsule document
const Extension = ".cdump"

const indexName = "index.jsonl"

// FileRecorder stores documents as <id>.cdump files in a directory, with
// one JSON line per artifact in index.jsonl
type FileRecorder struct {
	mu  sync.Mutex
	dir string
}

// NewFileRecorder creates dir if needed and returns a recorder over it
func NewFileRecorder(dir string) (*FileRecorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileRecorder{dir: dir}, nil
}

// Dir returns the archive directory
func (fr *FileRecorder) Dir() string { return fr.dir }

// Path returns where the document with the given ID is stored
func (fr *FileRecorder) Path(id string) string {
	return filepath.Join(fr.dir, id+Extension)
}

// Store writes the document and appends its metadata to the index
func (fr *FileRecorder) Store(a Artifact, data []byte) error {
	if a.ID == "" || filepath.Base(a.ID) != a.ID {
		return fmt.Errorf("invalid artifact ID %q", a.ID)
	}
	fr.mu.Lock()
	defer fr.mu.Unlock()

	a.Size = int64(len(data))
	if err := WriteFileAtomic(fr.Path(a.ID), data); err != nil {
		return err
	}

	line, err := json.Marshal(a)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(fr.dir, indexName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	bufWriter := bufio.NewWriter(f)
	bufWriter.Write(line)
	bufWriter.WriteByte('\n')
	if err := bufWriter.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// List reads the index. Later lines for the same ID win and entries whose
// document is gone are skipped.
func (fr *FileRecorder) List() ([]Artifact, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	m, err := fr.readIndex()
	if err != nil {
		return nil, err
	}
	out := make([]Artifact, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	sortArtifacts(out)
	return out, nil
}

// Load reads one document
func (fr *FileRecorder) Load(id string) (Artifact, []byte, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	m, err := fr.readIndex()
	if err != nil {
		return Artifact{}, nil, err
	}
	a, ok := m[id]
	if !ok {
		return Artifact{}, nil, ErrNotFound
	}
	data, err := os.ReadFile(fr.Path(id))
	if err != nil {
		return Artifact{}, nil, err
	}
	return a, data, nil
}

// Delete removes a document and rewrites the index without it
func (fr *FileRecorder) Delete(id string) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	m, err := fr.readIndex()
	if err != nil {
		return err
	}
	if _, ok := m[id]; !ok {
		return ErrNotFound
	}
	delete(m, id)
	if err := os.Remove(fr.Path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return fr.writeIndex(m)
}

// Clear removes every document and truncates the index
func (fr *FileRecorder) Clear() error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	m, err := fr.readIndex()
	if err != nil {
		return err
	}
	for id := range m {
		os.Remove(fr.Path(id))
	}
	return fr.writeIndex(nil)
}

// Close is a no-op; every operation opens and closes its own files
func (fr *FileRecorder) Close() error { return nil }

func (fr *FileRecorder) readIndex() (map[string]Artifact, error) {
	m := make(map[string]Artifact)
	f, err := os.Open(filepath.Join(fr.dir, indexName))
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var a Artifact
		if err := json.Unmarshal(scanner.Bytes(), &a); err != nil {
			continue
		}
		if _, err := os.Stat(fr.Path(a.ID)); err != nil {
			delete(m, a.ID)
			continue
		}
		m[a.ID] = a
	}
	return m, scanner.Err()
}

func (fr *FileRecorder) writeIndex(m map[string]Artifact) error {
	as := make([]Artifact, 0, len(m))
	for _, a := range m {
		as = append(as, a)
	}
	sortArtifacts(as)

	var buf []byte
	for _, a := range as {
		line, err := json.Marshal(a)
		if err != nil {
			return err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return WriteFileAtomic(filepath.Join(fr.dir, indexName), buf)
}

// WriteFileAtomic writes data to a temporary file next to path and renames
// it into place.
func WriteFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
