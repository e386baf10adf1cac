package capsule

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/willibrandon/chronodump/pkg/record"
	"github.com/willibrandon/chronodump/pkg/recorder"
	"github.com/willibrandon/chronodump/pkg/sanitize"
)

// Config holds the process-wide defaults applied by Setup.
type Config struct {
	// Sanitize is used for captures that bring no Sanitizer of their own.
	Sanitize sanitize.Options

	// RedactPatterns are regular expressions matched against binding,
	// field and key names. Matches are captured as RedactedText. They are
	// combined with Sanitize.Redact when both are set.
	RedactPatterns []string

	// IncludeSource embeds the text of every file the chain ran through.
	IncludeSource bool

	// IncludeBytecode embeds each function's machine code.
	IncludeBytecode bool

	// Compression is the codec Save applies.
	Compression recorder.CompressionType

	// Security protects saved documents and opens protected ones.
	Security recorder.SecurityOptions

	// OnFailure is called with every error wrapping ErrCaptureFailed.
	OnFailure func(error)

	// Types are registered so that full-fidelity values of these types
	// decode back into them.
	Types []any

	// ModuleAliases maps module paths a capsule was produced under to the
	// paths they should be read as.
	ModuleAliases map[string]string

	// LogLevel, when set, is applied to the package logger.
	LogLevel string
}

// DefaultConfig returns the configuration in effect before Setup is called.
func DefaultConfig() Config {
	return Config{
		Sanitize:      sanitize.DefaultOptions(),
		IncludeSource: true,
		Compression:   recorder.DefaultCompression,
		Security:      recorder.DefaultSecurityOptions(),
	}
}

var (
	configMu sync.RWMutex
	config   = DefaultConfig()
)

// Setup replaces the process-wide configuration. Calling it again with
// the same Config has no further effect.
func Setup(cfg Config) error {
	if cfg.Compression == "" {
		cfg.Compression = recorder.DefaultCompression
	}
	if _, err := recorder.ParseCompression(string(cfg.Compression)); err != nil {
		return err
	}
	if cfg.LogLevel != "" {
		level, err := log.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		log.SetLevel(level)
	}
	if len(cfg.RedactPatterns) > 0 {
		cfg.Sanitize.Redact = anyOf(cfg.Sanitize.Redact, recorder.NameMatcher(cfg.RedactPatterns))
	}
	for _, t := range cfg.Types {
		record.RegisterType(t)
	}
	for from, to := range cfg.ModuleAliases {
		RegisterModuleAlias(from, to)
	}

	configMu.Lock()
	config = cfg
	configMu.Unlock()
	log.Debugf("capsule: configured (source=%v, compression=%s)", cfg.IncludeSource, cfg.Compression)
	return nil
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return config
}

func failed(err error) {
	log.Warnf("capsule: %v", err)
	if hook := currentConfig().OnFailure; hook != nil {
		hook(err)
	}
}

func anyOf(fns ...sanitize.RedactFunc) sanitize.RedactFunc {
	return func(name string) bool {
		for _, fn := range fns {
			if fn != nil && fn(name) {
				return true
			}
		}
		return false
	}
}
