package instrumentation

import (
	"testing"
)

func TestShouldInstrument(t *testing.T) {
	// Save current options and restore at end of test
	original := CurrentOptions()
	defer SetOptions(original)

	const pkg = "github.com/willibrandon/chronodump/pkg/capsule"

	tests := []struct {
		name             string
		options          Options
		packagePath      string
		shouldInstrument bool
	}{
		{
			name:             "all packages enabled",
			options:          DefaultOptions(),
			packagePath:      pkg,
			shouldInstrument: true,
		},
		{
			name:             "disabled instrumentation",
			options:          Options{Enabled: false},
			packagePath:      pkg,
			shouldInstrument: false,
		},
		{
			name:             "specific package included",
			options:          Options{Enabled: true, IncludePackages: []string{pkg}},
			packagePath:      pkg,
			shouldInstrument: true,
		},
		{
			name:             "other package not included",
			options:          Options{Enabled: true, IncludePackages: []string{pkg}},
			packagePath:      "github.com/willibrandon/chronodump/pkg/trace",
			shouldInstrument: false,
		},
		{
			name:             "specific package excluded",
			options:          Options{Enabled: true, ExcludePackages: []string{pkg}},
			packagePath:      pkg,
			shouldInstrument: false,
		},
		{
			name:             "wildcard include",
			options:          Options{Enabled: true, IncludePackages: []string{"github.com/willibrandon/chronodump/pkg/..."}},
			packagePath:      pkg,
			shouldInstrument: true,
		},
		{
			name: "exclude wins over include",
			options: Options{
				Enabled:         true,
				IncludePackages: []string{"github.com/willibrandon/chronodump/..."},
				ExcludePackages: []string{"github.com/willibrandon/chronodump/pkg/..."},
			},
			packagePath:      pkg,
			shouldInstrument: false,
		},
		{
			name:             "stdlib not instrumented by default",
			options:          DefaultOptions(),
			packagePath:      "fmt",
			shouldInstrument: false,
		},
		{
			name:             "nested stdlib not instrumented by default",
			options:          DefaultOptions(),
			packagePath:      "encoding/json",
			shouldInstrument: false,
		},
		{
			name:             "stdlib instrumented when enabled",
			options:          Options{Enabled: true, InstrumentStdlib: true},
			packagePath:      "fmt",
			shouldInstrument: true,
		},
		{
			name:             "main is not stdlib",
			options:          DefaultOptions(),
			packagePath:      "main",
			shouldInstrument: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Set options for this test
			SetOptions(tt.options)

			result := ShouldInstrument(tt.packagePath)

			if result != tt.shouldInstrument {
				t.Errorf("ShouldInstrument(%q) = %v, want %v",
					tt.packagePath, result, tt.shouldInstrument)
			}
		})
	}
}

func TestLoadOptionsFromEnvironment(t *testing.T) {
	// Test with explicit values
	t.Setenv("CHRONODUMP_ENABLED", "1")
	t.Setenv("CHRONODUMP_INSTRUMENT", "pkg1, pkg2,pkg3")
	t.Setenv("CHRONODUMP_EXCLUDE", "test,benchmark")
	t.Setenv("CHRONODUMP_INSTRUMENT_STDLIB", "true")

	options := loadOptionsFromEnvironment()

	if !options.Enabled {
		t.Error("Expected Enabled to be true")
	}

	expectedIncludes := []string{"pkg1", "pkg2", "pkg3"}
	if len(options.IncludePackages) != len(expectedIncludes) {
		t.Fatalf("Expected %d include packages, got %d", len(expectedIncludes), len(options.IncludePackages))
	}
	for i, pkg := range expectedIncludes {
		if options.IncludePackages[i] != pkg {
			t.Errorf("Expected include package %d to be %q, got %q", i, pkg, options.IncludePackages[i])
		}
	}

	if len(options.ExcludePackages) != 2 {
		t.Errorf("Expected 2 exclude packages, got %d", len(options.ExcludePackages))
	}

	if !options.InstrumentStdlib {
		t.Error("Expected InstrumentStdlib to be true")
	}

	// Test with disabled values
	t.Setenv("CHRONODUMP_ENABLED", "0")
	t.Setenv("CHRONODUMP_INSTRUMENT", "")
	t.Setenv("CHRONODUMP_EXCLUDE", "")
	t.Setenv("CHRONODUMP_INSTRUMENT_STDLIB", "false")

	options = loadOptionsFromEnvironment()

	if options.Enabled {
		t.Error("Expected Enabled to be false")
	}
	if options.InstrumentStdlib {
		t.Error("Expected InstrumentStdlib to be false")
	}
	if len(options.IncludePackages) != 0 {
		t.Errorf("Expected no include packages, got %v", options.IncludePackages)
	}
}

func TestIsStdlib(t *testing.T) {
	for pkg, want := range map[string]bool{
		"fmt":                   true,
		"net/http":              true,
		"main":                  false,
		"":                      false,
		"github.com/pkg/errors": false,
		"gopkg.in/yaml%2ev3":    false,
		"golang.org/x/sys/unix": false,
	} {
		if got := IsStdlib(pkg); got != want {
			t.Errorf("IsStdlib(%q) = %v, want %v", pkg, got, want)
		}
	}
}
