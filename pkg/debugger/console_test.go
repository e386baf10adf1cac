package debugger

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/chronodump/pkg/capsule"
	"github.com/willibrandon/chronodump/pkg/record"
	"github.com/willibrandon/chronodump/pkg/replay"
)

const sampleFile = "/src/app/main.go"

const sampleSource = `package main

func main() {
	run(3)
}

func run(n int) {
	total := n * 2
	panic("boom")
}
`

// sample builds the capsule of a program that panicked in run.
func sample() *capsule.Capsule {
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
	runFrame.Globals["limit"] = record.Scalar(record.KindInt, "int", int64(10))

	outer, inner := record.NewStack(), record.NewStack()
	outer.Frame, outer.Line, outer.Next = mainFrame, 4, inner
	inner.Frame, inner.Line = runFrame, 9

	return &capsule.Capsule{
		ID:       uuid.MustParse("0b6c1f3e-8a55-4d8e-9c1a-2f7d3e4a5b6c"),
		Version:  capsule.Version,
		Created:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Producer: capsule.Producer{Module: "example.com/app", GoVersion: "go1.24.1", GOOS: "linux", GOARCH: "amd64", PID: 7},
		Message:  "boom",
		Error:    record.Scalar(record.KindString, "string", "boom"),
		Stack:    outer,
		Files:    map[string]string{sampleFile: sampleSource},
	}
}

func rehydrated(t *testing.T) *capsule.Capsule {
	t.Helper()
	c := sample()
	c.Rehydrate()
	t.Cleanup(c.Release)
	return c
}

// session runs the console over script and returns its output.
func session(t *testing.T, c *capsule.Capsule, script string) string {
	t.Helper()
	var out bytes.Buffer
	con := NewConsole(WithInput(strings.NewReader(script)), WithOutput(&out), WithWidth(0))
	require.NoError(t, con.PostMortem(context.Background(), c))
	return out.String()
}

func TestConsoleSession(t *testing.T) {
	script := strings.Join([]string{
		"where",
		"up",
		"list",
		"down",
		"",
		"args",
		"locals",
		"p total",
		"p missing",
		"ll",
		"frame func:main.main",
		"frame main.go:9",
		"foo",
		"quit",
		"where",
	}, "\n") + "\n"

	out := session(t, rehydrated(t), script)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "console", []byte(out))
}

func TestConsoleInfoAndGlobals(t *testing.T) {
	out := session(t, rehydrated(t), "info\nglobals\n")

	assert.Contains(t, out, "capsule   0b6c1f3e-8a55-4d8e-9c1a-2f7d3e4a5b6c (chronodump/1)")
	assert.Contains(t, out, "created   2024-03-01T12:00:00Z")
	assert.Contains(t, out, "producer  example.com/app go1.24.1 linux/amd64 pid 7")
	assert.Contains(t, out, "frames    2")
	assert.Contains(t, out, "limit = 10\n")
	assert.Contains(t, out, "predeclared identifiers not shown")
	assert.NotContains(t, out, "len = ")
}

func TestConsoleSource(t *testing.T) {
	out := session(t, rehydrated(t), "source main.go\nsource nowhere.go\n")

	assert.Contains(t, out, "   8\t\ttotal := n * 2\n")
	assert.Contains(t, out, "*** could not get source of nowhere.go")
}

func TestConsoleListContinues(t *testing.T) {
	out := session(t, rehydrated(t), "list 1,3\nlist\nlist\n")

	assert.Contains(t, out, "   1   \tpackage main\n")
	assert.Contains(t, out, "   4   \t\trun(3)\n")
	assert.Contains(t, out, "   9 ->\t\tpanic(\"boom\")\n")
	assert.Contains(t, out, "[EOF]\n")
}

func TestConsoleStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	con := NewConsole(WithInput(strings.NewReader("where\n")), WithOutput(&bytes.Buffer{}))
	err := con.PostMortem(ctx, rehydrated(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWrap(t *testing.T) {
	con := NewConsole(WithWidth(30))
	got := con.wrap("items = ", "alpha beta gamma delta epsilon zeta")
	lines := strings.Split(got, "\n")
	require.Greater(t, len(lines), 1)
	assert.True(t, strings.HasPrefix(lines[0], "items = alpha"))
	for _, l := range lines[1:] {
		assert.True(t, strings.HasPrefix(l, "        "), "continuation %q is not indented", l)
	}
}

func TestCommandCompleter(t *testing.T) {
	con := NewConsole()
	comp := &commandCompleter{console: con}

	got, n := comp.Do([]rune("lo"), 2)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, [][]rune{[]rune("cals"), []rune("nglist")}, got)

	// No session yet
	got, _ = comp.Do([]rune("p to"), 4)
	assert.Empty(t, got)

	con.nav = replay.NewNavigator(sample().Stack)
	got, n = comp.Do([]rune("p to"), 4)
	assert.Equal(t, 2, n)
	assert.Equal(t, [][]rune{[]rune("tal")}, got)

	got, _ = comp.Do([]rune("up x"), 4)
	assert.Empty(t, got)
}
