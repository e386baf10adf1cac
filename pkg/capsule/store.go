package capsule

import (
	"bytes"
	"fmt"

	"github.com/willibrandon/chronodump/pkg/recorder"
)

// Store encodes c with the configured options and archives it in r.
func Store(r recorder.Recorder, c *Capsule) (recorder.Artifact, error) {
	opts := DefaultPersistOptions()
	data, err := Encode(c, opts)
	if err != nil {
		return recorder.Artifact{}, err
	}
	a := recorder.Artifact{
		ID:          c.ID.String(),
		Created:     c.Created,
		Message:     c.Message,
		Top:         c.Top(),
		Size:        int64(len(data)),
		Compression: opts.Compression,
	}
	if err := r.Store(a, data); err != nil {
		return recorder.Artifact{}, fmt.Errorf("archiving %s: %w", a.ID, err)
	}
	return a, nil
}

// Fetch loads the archived capsule with the given ID.
func Fetch(r recorder.Recorder, id string) (*Capsule, error) {
	_, data, err := r.Load(id)
	if err != nil {
		return nil, err
	}
	return Load(bytes.NewReader(data))
}
