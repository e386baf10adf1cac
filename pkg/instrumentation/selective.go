package instrumentation

import (
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
)

// Options selects which packages register scopes and appear in captured
// stacks.
type Options struct {
	// Enabled turns scope registration on or off as a whole
	Enabled bool

	// IncludePackages lists the package patterns to capture. Empty means
	// every package. A trailing "..." matches a prefix.
	IncludePackages []string

	// ExcludePackages wins over IncludePackages
	ExcludePackages []string

	// InstrumentStdlib keeps standard library frames in captured stacks
	InstrumentStdlib bool
}

// DefaultOptions returns the options used when the environment sets none.
func DefaultOptions() Options {
	return Options{
		Enabled:          true,
		IncludePackages:  []string{},
		ExcludePackages:  []string{},
		InstrumentStdlib: false,
	}
}

var (
	optionsMu sync.RWMutex
	current   = loadOptionsFromEnvironment()

	mainModule = func() string {
		if bi, ok := debug.ReadBuildInfo(); ok {
			return bi.Main.Path
		}
		return ""
	}()
)

// loadOptionsFromEnvironment reads the CHRONODUMP_* variables
func loadOptionsFromEnvironment() Options {
	options := DefaultOptions()

	if enabled := os.Getenv("CHRONODUMP_ENABLED"); enabled != "" {
		options.Enabled = truthy(enabled)
	}
	if instruments := os.Getenv("CHRONODUMP_INSTRUMENT"); instruments != "" {
		options.IncludePackages = splitList(instruments)
	}
	if excludes := os.Getenv("CHRONODUMP_EXCLUDE"); excludes != "" {
		options.ExcludePackages = splitList(excludes)
	}
	if stdlib := os.Getenv("CHRONODUMP_INSTRUMENT_STDLIB"); stdlib != "" {
		options.InstrumentStdlib = truthy(stdlib)
	}

	return options
}

func truthy(s string) bool {
	return s == "1" || s == "true" || s == "yes"
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// CurrentOptions returns the options in effect.
func CurrentOptions() Options {
	optionsMu.RLock()
	defer optionsMu.RUnlock()
	return current
}

// SetOptions replaces the options in effect.
func SetOptions(options Options) {
	optionsMu.Lock()
	current = options
	optionsMu.Unlock()
}

// IsStdlib reports whether packagePath belongs to the standard library.
// The main package and the main module never do, even without a dot in
// their paths.
func IsStdlib(packagePath string) bool {
	if packagePath == "" || packagePath == "main" {
		return false
	}
	if mainModule != "" && (packagePath == mainModule || strings.HasPrefix(packagePath, mainModule+"/")) {
		return false
	}
	first, _, _ := strings.Cut(packagePath, "/")
	return !strings.Contains(first, ".")
}

// ShouldInstrument checks if a package should be captured
func ShouldInstrument(packagePath string) bool {
	options := CurrentOptions()
	if !options.Enabled {
		return false
	}

	if IsStdlib(packagePath) && !options.InstrumentStdlib {
		return false
	}

	for _, exclude := range options.ExcludePackages {
		if matchesPackagePath(packagePath, exclude) {
			return false
		}
	}

	if len(options.IncludePackages) == 0 {
		return true
	}

	for _, include := range options.IncludePackages {
		if matchesPackagePath(packagePath, include) {
			return true
		}
	}

	return false
}

// matchesPackagePath checks if a package matches a pattern
func matchesPackagePath(packagePath, pattern string) bool {
	if strings.HasSuffix(pattern, "...") {
		return strings.HasPrefix(packagePath, strings.TrimSuffix(pattern, "..."))
	}

	matched, _ := filepath.Match(pattern, packagePath)
	return matched
}
