package capsule

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/tidwall/gjson"

	"github.com/willibrandon/chronodump/pkg/recorder"
)

// PersistOptions selects how a document is written.
type PersistOptions struct {
	Compression recorder.CompressionType
	Security    recorder.SecurityOptions
}

// DefaultPersistOptions returns the options Save uses, as configured by
// Setup.
func DefaultPersistOptions() PersistOptions {
	cfg := currentConfig()
	return PersistOptions{Compression: cfg.Compression, Security: cfg.Security}
}

// Marshal returns c as plain JSON.
func Marshal(c *Capsule) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil capsule", ErrBadFormat)
	}
	doc, err := encode(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// Encode returns c serialized, compressed and sealed according to opts.
func Encode(c *Capsule, opts PersistOptions) ([]byte, error) {
	data, err := Marshal(c)
	if err != nil {
		return nil, err
	}
	if data, err = recorder.CompressData(data, opts.Compression); err != nil {
		return nil, err
	}
	return recorder.Seal(data, opts.Security)
}

// Persist writes c to w.
func Persist(w io.Writer, c *Capsule, opts PersistOptions) error {
	data, err := Encode(c, opts)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Save writes c to path atomically with the configured options.
func Save(path string, c *Capsule) error {
	data, err := Encode(c, DefaultPersistOptions())
	if err != nil {
		return err
	}
	return recorder.WriteFileAtomic(path, data)
}

// Unwrap opens the envelope and undoes the compression of a saved
// document, returning its JSON with module aliases applied.
func Unwrap(data []byte, sec recorder.SecurityOptions) ([]byte, error) {
	data, err := recorder.Unseal(data, sec)
	if err != nil {
		return nil, err
	}
	data, _, err = recorder.Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: not a JSON document", ErrBadFormat)
	}
	return applyAliases(data)
}

// Decode rebuilds and rehydrates a capsule from a saved document.
func Decode(data []byte, sec recorder.SecurityOptions) (*Capsule, error) {
	doc, err := Unwrap(data, sec)
	if err != nil {
		return nil, err
	}
	if v := gjson.GetBytes(doc, "version").String(); v != Version {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, v)
	}

	var d document
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	c, err := decode(&d)
	if err != nil {
		return nil, err
	}
	c.Rehydrate()
	return c, nil
}

// Load reads a document from r using the configured security options.
func Load(r io.Reader) (*Capsule, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Decode(data, currentConfig().Security)
}

// Open loads the document saved at path.
func Open(path string) (*Capsule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	c, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
