package recorder

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openRecorders(t *testing.T) map[string]Recorder {
	t.Helper()
	dir := t.TempDir()

	fr, err := NewFileRecorder(filepath.Join(dir, "archive"))
	if err != nil {
		t.Fatalf("Failed to create file recorder: %v", err)
	}
	sr, err := NewSQLiteRecorder(filepath.Join(dir, "archive.db"))
	if err != nil {
		t.Fatalf("Failed to create sqlite recorder: %v", err)
	}
	t.Cleanup(func() { sr.Close() })

	return map[string]Recorder{
		"InMemory": NewInMemoryRecorder(),
		"File":     fr,
		"SQLite":   sr,
	}
}

func TestRecorders(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	artifacts := []Artifact{
		{ID: "b", Created: base.Add(time.Minute), Message: "second", Top: "main.baz", Compression: GzipCompression},
		{ID: "a", Created: base, Message: "first", Top: "main.bar", Compression: ZstdCompression},
	}

	for name, r := range openRecorders(t) {
		t.Run(name, func(t *testing.T) {
			list, err := r.List()
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(list) != 0 {
				t.Errorf("Expected 0 artifacts initially, got %d", len(list))
			}

			for i, a := range artifacts {
				if err := r.Store(a, []byte{byte(i), 1, 2}); err != nil {
					t.Fatalf("Store %s failed: %v", a.ID, err)
				}
			}

			list, err = r.List()
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(list) != 2 {
				t.Fatalf("Expected 2 artifacts, got %d", len(list))
			}
			if list[0].ID != "a" || list[1].ID != "b" {
				t.Errorf("Expected oldest first, got %s, %s", list[0].ID, list[1].ID)
			}
			if list[1].Size != 3 || list[1].Top != "main.baz" || list[1].Compression != GzipCompression {
				t.Errorf("Unexpected metadata: %+v", list[1])
			}

			a, data, err := r.Load("b")
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if !a.Created.Equal(artifacts[0].Created) || a.Message != "second" {
				t.Errorf("Unexpected artifact: %+v", a)
			}
			if len(data) != 3 || data[0] != 0 {
				t.Errorf("Unexpected data: %v", data)
			}

			if _, _, err := r.Load("missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound, got %v", err)
			}

			if err := r.Delete("a"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if err := r.Delete("a"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound on second delete, got %v", err)
			}
			if list, _ = r.List(); len(list) != 1 {
				t.Errorf("Expected 1 artifact after delete, got %d", len(list))
			}

			if err := r.Clear(); err != nil {
				t.Fatalf("Clear failed: %v", err)
			}
			if list, _ = r.List(); len(list) != 0 {
				t.Errorf("Expected 0 artifacts after clearing, got %d", len(list))
			}
		})
	}
}

func TestFileRecorderReopen(t *testing.T) {
	dir := t.TempDir()
	fr, err := NewFileRecorder(dir)
	if err != nil {
		t.Fatalf("Failed to create file recorder: %v", err)
	}
	if err := fr.Store(Artifact{ID: "x", Created: time.Now()}, []byte("one")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	// A second store of the same ID replaces the first
	if err := fr.Store(Artifact{ID: "x", Created: time.Now(), Message: "again"}, []byte("two")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := fr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewFileRecorder(dir)
	if err != nil {
		t.Fatalf("Failed to reopen file recorder: %v", err)
	}
	a, data, err := reopened.Load("x")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(data) != "two" || a.Message != "again" {
		t.Errorf("Expected the latest document, got %q %+v", data, a)
	}

	// A document removed behind the recorder's back drops out of the list
	if err := os.Remove(reopened.Path("x")); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	list, err := reopened.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("Expected 0 artifacts, got %d", len(list))
	}
}

func TestFileRecorderRejectsPaths(t *testing.T) {
	fr, err := NewFileRecorder(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create file recorder: %v", err)
	}
	if err := fr.Store(Artifact{ID: "../escape"}, nil); err == nil {
		t.Errorf("Expected an error for an ID with a path separator")
	}
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.cdump")
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(path, []byte("new")); err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "new" {
		t.Errorf("Expected new content, got %q", data)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("Expected no leftover temp files, found %d entries", len(entries))
	}
}
