package version

import (
	"strings"
	"testing"

	"github.com/willibrandon/chronodump/pkg/capsule"
)

func TestGetVersionInfo(t *testing.T) {
	oldVersion, oldTime := Version, BuildTime
	t.Cleanup(func() { Version, BuildTime = oldVersion, oldTime })

	Version, BuildTime = "1.2.3", "2024-03-01T12:00:00Z"
	info := GetVersionInfo()
	for _, want := range []string{"chronodump 1.2.3", "built: 2024-03-01T12:00:00Z", "chronodump/1"} {
		if !strings.Contains(info, want) {
			t.Errorf("Expected %q in %q", want, info)
		}
	}
	if GetVersion() != "1.2.3" {
		t.Errorf("Expected version 1.2.3, got %s", GetVersion())
	}
	if GetBuildTime() != "2024-03-01T12:00:00Z" {
		t.Errorf("Unexpected build time %s", GetBuildTime())
	}
}

func TestCapsuleFormatMatches(t *testing.T) {
	if CapsuleFormat != capsule.Version {
		t.Errorf("CapsuleFormat %q does not match capsule.Version %q", CapsuleFormat, capsule.Version)
	}
}
