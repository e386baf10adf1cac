package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/chronodump/pkg/capsule"
	"github.com/willibrandon/chronodump/pkg/debugger"
	"github.com/willibrandon/chronodump/pkg/record"
	"github.com/willibrandon/chronodump/pkg/recorder"
)

const (
	sampleFile = "/src/app/main.go"
	sampleID   = "0b6c1f3e-8a55-4d8e-9c1a-2f7d3e4a5b6c"
	// 32 bytes, AES-256
	sampleKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
)

const sampleSource = `package main

func main() {
	run(3)
}

func run(n int) {
	total := n * 2
	panic("boom")
}
`

// writeSample saves the capsule of a program that panicked in run and
// returns its path.
func writeSample(t *testing.T) string {
	t.Helper()
	require.NoError(t, capsule.Setup(capsule.DefaultConfig()))

	mainFrame := record.NewFrame()
	mainFrame.Code = record.NewCode(sampleFile, "main.main")
	mainFrame.Code.FirstLine, mainFrame.Code.LastLine = 3, 5
	mainFrame.Line = 4

	runFrame := record.NewFrame()
	runFrame.Code = record.NewCode(sampleFile, "main.run")
	runFrame.Code.FirstLine, runFrame.Code.LastLine = 7, 10
	runFrame.Code.ArgCount = 1
	runFrame.Code.VarNames = []string{"n", "total"}
	runFrame.Line = 9
	runFrame.Back = mainFrame
	runFrame.Locals["n"] = record.Scalar(record.KindInt, "int", int64(3))
	runFrame.Locals["total"] = record.Scalar(record.KindInt, "int", int64(6))

	outer, inner := record.NewStack(), record.NewStack()
	outer.Frame, outer.Line, outer.Next = mainFrame, 4, inner
	inner.Frame, inner.Line = runFrame, 9

	c := &capsule.Capsule{
		ID:       uuid.MustParse(sampleID),
		Version:  capsule.Version,
		Created:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Producer: capsule.Producer{Module: "example.com/app", GoVersion: "go1.24.1", GOOS: "linux", GOARCH: "amd64", PID: 7},
		Message:  "boom",
		Error:    record.Scalar(record.KindString, "string", "boom"),
		Stack:    outer,
		Files:    map[string]string{sampleFile: sampleSource},
	}
	path := filepath.Join(t.TempDir(), "crash.cdump")
	require.NoError(t, capsule.Save(path, c))
	return path
}

// run executes the command line with an empty home directory and
// returns what it printed.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestShow(t *testing.T) {
	path := writeSample(t)

	out, err := run(t, "show", path)
	require.NoError(t, err)
	assert.Contains(t, out, "boom\n")
	assert.Contains(t, out, "main.run(...)")
	assert.Contains(t, out, "frame 1 main.run locals:")
	assert.Contains(t, out, "total = 6")
}

func TestDebug(t *testing.T) {
	path := writeSample(t)

	out, err := run(t, "debug", "--backend", "print", path)
	require.NoError(t, err)
	assert.Contains(t, out, "frame 1 main.run locals:")

	out, err = run(t, "debug", path)
	require.NoError(t, err)
	assert.Contains(t, out, "> /src/app/main.go:9 main.run()")

	_, err = run(t, "debug", "--backend", "gdb", path)
	assert.ErrorIs(t, err, debugger.ErrBackendUnavailable)

	_, err = run(t, "debug", filepath.Join(t.TempDir(), "missing.cdump"))
	assert.Error(t, err)
}

func TestInspect(t *testing.T) {
	path := writeSample(t)

	out, err := run(t, "inspect", path)
	require.NoError(t, err)
	assert.Contains(t, out, `"id": "`+sampleID+`"`)
	assert.Contains(t, out, `"version": "chronodump/1"`)

	out, err = run(t, "inspect", "--format", "yaml", path)
	require.NoError(t, err)
	assert.Contains(t, out, sampleID)
	assert.Contains(t, out, "message: boom")

	out, err = run(t, "inspect", "--query", "message", path)
	require.NoError(t, err)
	assert.Equal(t, "\"boom\"\n", out)

	out, err = run(t, "inspect", "-q", "codes.#.name", "-f", "yaml", path)
	require.NoError(t, err)
	assert.Contains(t, out, "- main.main\n")
	assert.Contains(t, out, "- main.run\n")

	_, err = run(t, "inspect", "--query", "nothing.here", path)
	assert.Error(t, err)

	_, err = run(t, "inspect", "--format", "toml", path)
	assert.Error(t, err)
}

func TestArchive(t *testing.T) {
	for _, name := range []string{"archive", "archive.db"} {
		t.Run(name, func(t *testing.T) {
			path := writeSample(t)
			archive := filepath.Join(t.TempDir(), name)

			out, err := run(t, "--archive", archive, "archive", "import", path)
			require.NoError(t, err)
			assert.Contains(t, out, sampleID)

			out, err = run(t, "--archive", archive, "archive", "list")
			require.NoError(t, err)
			assert.Contains(t, out, "main.run")
			assert.Contains(t, out, sampleID)

			exported := filepath.Join(t.TempDir(), "out.cdump")
			_, err = run(t, "--archive", archive, "archive", "export", sampleID, exported)
			require.NoError(t, err)
			c, err := capsule.Open(exported)
			require.NoError(t, err)
			c.Release()
			assert.Equal(t, "main.run", c.Top())

			_, err = run(t, "--archive", archive, "archive", "delete", sampleID)
			require.NoError(t, err)
			out, err = run(t, "--archive", archive, "archive", "list")
			require.NoError(t, err)
			assert.NotContains(t, out, sampleID)
		})
	}
}

func TestKeySealsArchivedCapsules(t *testing.T) {
	path := writeSample(t)
	archive := filepath.Join(t.TempDir(), "archive")

	_, err := run(t, "--key", sampleKey, "--archive", archive, "archive", "import", path)
	require.NoError(t, err)

	exported := filepath.Join(t.TempDir(), "sealed.cdump")
	_, err = run(t, "--key", sampleKey, "--archive", archive, "archive", "export", sampleID, exported)
	require.NoError(t, err)

	data, err := os.ReadFile(exported)
	require.NoError(t, err)
	assert.True(t, recorder.Sealed(data))

	out, err := run(t, "--key", sampleKey, "show", exported)
	require.NoError(t, err)
	assert.Contains(t, out, "main.run")

	_, err = run(t, "show", exported)
	assert.Error(t, err)

	_, err = run(t, "--key", "not-hex", "show", exported)
	assert.Error(t, err)

	// Opening a plain capsule directly under --key is refused
	_, err = run(t, "--key", sampleKey, "show", path)
	assert.ErrorIs(t, err, recorder.ErrIntegrity)
}

func TestConfigFile(t *testing.T) {
	path := writeSample(t)
	archive := filepath.Join(t.TempDir(), "archive")
	cfg := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("archive: "+archive+"\ncompression: zstd\n"), 0o644))

	_, err := run(t, "--config", cfg, "archive", "import", path)
	require.NoError(t, err)

	out, err := run(t, "--archive", archive, "archive", "list")
	require.NoError(t, err)
	assert.Contains(t, out, sampleID)

	_, err = run(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "version")
	assert.Error(t, err)
}

func TestEnvironment(t *testing.T) {
	path := writeSample(t)
	archive := filepath.Join(t.TempDir(), "archive")
	t.Setenv("CHRONODUMP_ARCHIVE", archive)

	_, err := run(t, "archive", "import", path)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(archive, sampleID+recorder.Extension))
	assert.NoError(t, err)
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "chronodump "), out)
}
