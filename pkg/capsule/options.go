package capsule

import (
	"github.com/willibrandon/chronodump/pkg/sanitize"
	"github.com/willibrandon/chronodump/pkg/trace"
)

// Option adjusts a single capture.
type Option func(*options)

type options struct {
	tb        trace.Traceback
	sanitizer *sanitize.Sanitizer
	skip      int
	err       error
	recovered any
	panicked  bool
	source    bool
	bytecode  bool
}

func newOptions(opts []Option) *options {
	cfg := currentConfig()
	o := &options{source: cfg.IncludeSource, bytecode: cfg.IncludeBytecode}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithTraceback captures tb instead of the calling goroutine's chain.
func WithTraceback(tb trace.Traceback) Option {
	return func(o *options) { o.tb = tb }
}

// WithSanitizer converts values with s. A Sanitizer carries the identity
// table of one capture and must not be shared between captures.
func WithSanitizer(s *sanitize.Sanitizer) Option {
	return func(o *options) { o.sanitizer = s }
}

// WithSkip drops n more frames from the inner end of the chain, for
// helpers that wrap Capture.
func WithSkip(n int) Option {
	return func(o *options) { o.skip = n }
}

// WithError stores err as the failure the chain describes.
func WithError(err error) Option {
	return func(o *options) { o.err = err }
}

// WithSourceSnapshot controls whether source files are embedded.
func WithSourceSnapshot(on bool) Option {
	return func(o *options) { o.source = on }
}

// WithBytecode controls whether each function's machine code is embedded.
func WithBytecode(on bool) Option {
	return func(o *options) { o.bytecode = on }
}

func withPanic(r any) Option {
	return func(o *options) {
		o.recovered = r
		o.panicked = true
	}
}
