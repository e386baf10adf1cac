// Package recorder archives captured capsule documents. A document is
// stored as opaque bytes next to the metadata needed to list and find it
// without decoding it.
package recorder

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when no artifact has the requested ID
var ErrNotFound = errors.New("artifact not found")

// Artifact describes one archived capsule document
type Artifact struct {
	ID          string          `json:"id"`
	Created     time.Time       `json:"created"`
	Message     string          `json:"message,omitempty"`
	Top         string          `json:"top,omitempty"` // innermost function of the captured stack
	Size        int64           `json:"size"`
	Compression CompressionType `json:"compression"`
}

// Recorder stores and retrieves capsule documents
type Recorder interface {
	Store(a Artifact, data []byte) error
	List() ([]Artifact, error)
	Load(id string) (Artifact, []byte, error)
	Delete(id string) error
	Clear() error
	Close() error
}

// InMemoryRecorder keeps documents in memory
type InMemoryRecorder struct {
	mu        sync.RWMutex
	artifacts map[string]Artifact
	data      map[string][]byte
}

// NewInMemoryRecorder creates a new in-memory recorder
func NewInMemoryRecorder() *InMemoryRecorder {
	return &InMemoryRecorder{
		artifacts: make(map[string]Artifact),
		data:      make(map[string][]byte),
	}
}

// Store adds or replaces a document
func (r *InMemoryRecorder) Store(a Artifact, data []byte) error {
	if a.ID == "" {
		return errors.New("artifact has no ID")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a.Size = int64(len(data))
	r.artifacts[a.ID] = a
	r.data[a.ID] = append([]byte(nil), data...)
	return nil
}

// List returns all artifacts, oldest first
func (r *InMemoryRecorder) List() ([]Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Artifact, 0, len(r.artifacts))
	for _, a := range r.artifacts {
		out = append(out, a)
	}
	sortArtifacts(out)
	return out, nil
}

// Load returns the artifact and its document
func (r *InMemoryRecorder) Load(id string) (Artifact, []byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.artifacts[id]
	if !ok {
		return Artifact{}, nil, ErrNotFound
	}
	return a, append([]byte(nil), r.data[id]...), nil
}

// Delete removes one artifact
func (r *InMemoryRecorder) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.artifacts[id]; !ok {
		return ErrNotFound
	}
	delete(r.artifacts, id)
	delete(r.data, id)
	return nil
}

// Clear removes all artifacts
func (r *InMemoryRecorder) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts = make(map[string]Artifact)
	r.data = make(map[string][]byte)
	return nil
}

// Close is a no-op
func (r *InMemoryRecorder) Close() error { return nil }

func sortArtifacts(as []Artifact) {
	sort.SliceStable(as, func(i, j int) bool {
		if as[i].Created.Equal(as[j].Created) {
			return as[i].ID < as[j].ID
		}
		return as[i].Created.Before(as[j].Created)
	})
}
