package capsule

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/willibrandon/chronodump/pkg/instrumentation"
	"github.com/willibrandon/chronodump/pkg/linecache"
	"github.com/willibrandon/chronodump/pkg/record"
	"github.com/willibrandon/chronodump/pkg/recorder"
	"github.com/willibrandon/chronodump/pkg/sanitize"
	"github.com/willibrandon/chronodump/pkg/trace"
)

// configure applies cfg for the duration of the test.
func configure(t *testing.T, cfg Config) {
	t.Helper()
	require.NoError(t, Setup(cfg))
	t.Cleanup(func() { require.NoError(t, Setup(DefaultConfig())) })
}

//go:noinline
func foo() {
	a := 1
	defer instrumentation.Enter("a", &a).Exit()
	bar(a + 1)
}

//go:noinline
func bar(n int) {
	items := []int{1, 2, 3}
	defer instrumentation.Enter("n", &n, "items", &items).Exit()
	baz(items)
}

//go:noinline
func baz(items []int) {
	x := 42
	password := "hunter2"
	greet := strings.ToUpper
	defer instrumentation.Enter("items", &items, "x", &x, "password", &password, "greet", &greet).Exit()
	panic("boom")
}

//go:noinline
func crash(t *testing.T, opts ...Option) (c *Capsule) {
	defer func() {
		var err error
		c, err = CapturePanic(recover(), opts...)
		require.NoError(t, err)
	}()
	foo()
	return nil
}

func shortNames(c *Capsule) []string {
	var out []string
	for _, f := range c.Frames() {
		name := f.Code.Name
		out = append(out, name[strings.LastIndexByte(name, '.')+1:])
	}
	return out
}

func innermost(c *Capsule) *record.FrameRecord {
	frames := c.Frames()
	return frames[len(frames)-1]
}

func roundTrip(t *testing.T, c *Capsule, opts PersistOptions) *Capsule {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Persist(&buf, c, opts))
	loaded, err := Decode(buf.Bytes(), opts.Security)
	require.NoError(t, err)
	t.Cleanup(loaded.Release)
	return loaded
}

func TestCapturePanic(t *testing.T) {
	c := crash(t)
	require.NotNil(t, c)

	assert.Equal(t, []string{"crash", "foo", "bar", "baz"}, shortNames(c))
	assert.Equal(t, Version, c.Version)
	assert.Equal(t, "boom", c.Message)
	assert.Equal(t, "boom", c.Error.Scalar)
	assert.True(t, strings.HasSuffix(c.Top(), ".baz"))

	baz := innermost(c)
	assert.Equal(t, int64(42), baz.Locals["x"].Scalar)
	assert.Equal(t, record.KindStub, baz.Locals["greet"].Kind)
	assert.NotContains(t, baz.Globals, "append")

	// Values reached from two frames are one record
	bar := c.Frames()[2]
	assert.Same(t, bar.Locals["items"], baz.Locals["items"])

	// The retained scopes were released once the capsule was taken
	for _, s := range instrumentation.Scopes(instrumentation.GoroutineID()) {
		assert.False(t, strings.HasSuffix(s.Func, ".baz"), s.Func)
	}
}

func TestCapturePanicNil(t *testing.T) {
	c, err := CapturePanic(nil)
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestRoundTrip(t *testing.T) {
	c := crash(t)

	for _, ct := range []recorder.CompressionType{recorder.NoCompression, recorder.GzipCompression, recorder.ZstdCompression} {
		t.Run(string(ct), func(t *testing.T) {
			loaded := roundTrip(t, c, PersistOptions{Compression: ct})

			assert.Equal(t, c.ID, loaded.ID)
			assert.True(t, c.Created.Equal(loaded.Created))
			assert.Equal(t, c.Producer, loaded.Producer)
			assert.Equal(t, c.Message, loaded.Message)
			assert.Equal(t, c.Format(), loaded.Format())

			baz := innermost(loaded)
			assert.Equal(t, int64(42), baz.Locals["x"].Scalar)
			assert.Equal(t, []string{"a"}, nonBuiltins(loaded.Frames()[1].Locals))

			bar := loaded.Frames()[2]
			assert.Same(t, bar.Locals["items"], baz.Locals["items"])
			assert.Equal(t, "[1 2 3]", baz.Locals["items"].String())

			// Callables stay callable and fail loudly
			_, err := baz.Locals["greet"].Call("x")
			assert.ErrorIs(t, err, record.ErrStubInvoked)

			// Code is shared between the chain and the caller links
			assert.Same(t, loaded.Frames()[2].Code, baz.Back.Code)
		})
	}
}

//go:noinline
func binaryLocal() {
	blob := "\xff\xfeID"
	defer instrumentation.Enter("blob", &blob).Exit()
	panic("bad header \xff")
}

func TestRoundTripInvalidUTF8(t *testing.T) {
	var c *Capsule
	func() {
		defer func() {
			var err error
			c, err = CapturePanic(recover())
			require.NoError(t, err)
		}()
		binaryLocal()
	}()
	require.NotNil(t, c)
	require.Equal(t, "\xff\xfeID", innermost(c).Locals["blob"].Scalar)
	innermost(c).Locals["raw"] = record.Text("main.\xfeT", "<\xff>")

	loaded := roundTrip(t, c, PersistOptions{Compression: recorder.NoCompression})
	top := innermost(loaded)
	assert.Equal(t, "\xff\xfeID", top.Locals["blob"].Scalar)
	assert.Equal(t, "bad header \xff", loaded.Message)
	assert.Equal(t, c.Error.Scalar, loaded.Error.Scalar)

	raw := top.Locals["raw"]
	require.NotNil(t, raw)
	assert.Equal(t, "main.\xfeT", raw.Type)
	assert.Equal(t, "<\xff>", raw.Repr)

	var buf bytes.Buffer
	require.NoError(t, Persist(&buf, c, PersistOptions{Compression: recorder.NoCompression}))
	assert.Contains(t, buf.String(), `"message":"YmFkIGhlYWRlciD/"`)
	assert.Equal(t, "bad header \xff", PeekJSON(buf.Bytes()).Message)
}

func nonBuiltins(m map[string]*record.Value) []string {
	var out []string
	for name, v := range m {
		if v.Kind != record.KindBuiltin {
			out = append(out, name)
		}
	}
	return out
}

func TestRehydrate(t *testing.T) {
	c := crash(t)
	loaded := roundTrip(t, c, PersistOptions{})

	// Builtins are injected on load and never written out
	require.True(t, loaded.Rehydrated())
	for _, f := range loaded.Frames() {
		require.Contains(t, f.Globals, "append")
		assert.Equal(t, record.KindBuiltin, f.Globals["append"].Kind)
	}
	doc, err := Marshal(loaded)
	require.NoError(t, err)
	assert.NotContains(t, string(doc), `"kind":"builtin"`)

	// Rehydrating twice changes nothing
	before := len(innermost(loaded).Globals)
	loaded.Rehydrate()
	assert.Equal(t, before, len(innermost(loaded).Globals))
}

func TestSourceSnapshot(t *testing.T) {
	c := crash(t)
	baz := innermost(c)
	file := baz.Code.Filename

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, string(data), c.Files[file])
	assert.Contains(t, c.Source(file, baz.Line), `panic("boom")`)

	loaded := roundTrip(t, c, PersistOptions{})
	assert.False(t, linecache.Default.Checking())
	assert.Equal(t, c.Source(file, baz.Line)+"\n", linecache.Default.GetLine(file, baz.Line))

	loaded.Release()
	loaded.Release()
	assert.True(t, linecache.Default.Checking())

	// Without the snapshot the capsule carries no files
	bare := crash(t, WithSourceSnapshot(false))
	assert.Empty(t, bare.Files)
}

func TestSnapshotPlaceholder(t *testing.T) {
	code := record.NewCode("/nowhere/missing.go", "main.main")
	f := record.NewFrame()
	f.Code = code
	s := record.NewStack()
	s.Frame = f

	files := snapshotSources(s)
	assert.Equal(t, "Couldn't locate '/nowhere/missing.go' during dump.", files["/nowhere/missing.go"])
}

func TestRedaction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RedactPatterns = recorder.DefaultSecurityOptions().RedactionPatterns
	configure(t, cfg)

	c := crash(t, WithSourceSnapshot(false))
	baz := innermost(c)
	assert.Equal(t, sanitize.RedactedText, baz.Locals["password"].Repr)
	assert.Equal(t, int64(42), baz.Locals["x"].Scalar)

	doc, err := Marshal(c)
	require.NoError(t, err)
	assert.NotContains(t, string(doc), "hunter2")
}

//go:noinline
func here() (*Capsule, error) {
	return Capture()
}

func TestCapture(t *testing.T) {
	c, err := here()
	require.NoError(t, err)
	assert.Equal(t, []string{"TestCapture", "here"}, shortNames(c))
	assert.Empty(t, c.Message)
	assert.Nil(t, c.Error)
}

//go:noinline
func failing() error {
	return pkgerrors.New("disk full")
}

func TestCaptureError(t *testing.T) {
	c, err := CaptureError(pkgerrors.Wrap(failing(), "saving"))
	require.NoError(t, err)
	assert.Equal(t, "saving: disk full", c.Message)
	assert.True(t, strings.HasSuffix(c.Top(), ".failing"))
	assert.Empty(t, innermost(c).Locals)

	_, err = CaptureError(errors.New("no stack"))
	assert.ErrorIs(t, err, ErrNothingToCapture)
}

type brokenLink struct{}

func (brokenLink) Frame() trace.Frame    { return nil }
func (brokenLink) Line() int             { return 1 }
func (brokenLink) Next() trace.Traceback { panic("chain corrupted") }

func TestCaptureFailure(t *testing.T) {
	var hooked error
	cfg := DefaultConfig()
	cfg.OnFailure = func(err error) { hooked = err }
	configure(t, cfg)

	c, err := Capture(WithTraceback(brokenLink{}))
	assert.Nil(t, c)
	require.ErrorIs(t, err, ErrCaptureFailed)
	assert.Contains(t, err.Error(), "chain corrupted")
	assert.Same(t, err, hooked)
}

func TestCaptureContextSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	c, err := CaptureContext(context.Background())
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "chronodump.capture", spans[0].Name())
	assert.Equal(t, oteltrace.SpanKindInternal, spans[0].SpanKind())

	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, c.ID.String(), attrs["chronodump.id"].AsString())
	assert.Equal(t, int64(len(c.Frames())), attrs["chronodump.frames"].AsInt64())
}

func TestSaveOpenProtected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Compression = recorder.ZstdCompression
	cfg.Security = recorder.NewSecurityOptions(
		recorder.WithEncryption([]byte("0123456789ABCDEF")),
		recorder.WithIntegrityCheck([]byte("integrity")),
	)
	configure(t, cfg)

	c := crash(t)
	path := filepath.Join(t.TempDir(), "crash"+recorder.Extension)
	require.NoError(t, Save(path, c))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, recorder.Sealed(raw))
	assert.NotContains(t, string(raw), "boom")

	loaded, err := Open(path)
	require.NoError(t, err)
	defer loaded.Release()
	assert.Equal(t, c.Format(), loaded.Format())

	_, err = Decode(raw, recorder.DefaultSecurityOptions())
	assert.ErrorIs(t, err, recorder.ErrKeyRequired)

	// A document stripped of its envelope does not pass for a protected one
	plain, err := Encode(c, PersistOptions{Compression: recorder.NoCompression})
	require.NoError(t, err)
	_, err = Decode(plain, cfg.Security)
	assert.ErrorIs(t, err, recorder.ErrIntegrity)
	require.NoError(t, os.WriteFile(path, plain, 0o600))
	_, err = Open(path)
	assert.ErrorIs(t, err, recorder.ErrIntegrity)
}

func TestDecodeRejects(t *testing.T) {
	sec := recorder.DefaultSecurityOptions()

	_, err := Decode([]byte("not a capsule"), sec)
	assert.ErrorIs(t, err, ErrBadFormat)

	_, err = Decode([]byte(`{"version":"chronodump/0"}`), sec)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	_, err = Decode([]byte(`{"version":"chronodump/1","stack":5,"values":[],"codes":[],"frames":[],"stacks":[]}`), sec)
	assert.ErrorIs(t, err, ErrBadFormat)

	_, err = Open(filepath.Join(t.TempDir(), "missing.cdump"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPeek(t *testing.T) {
	c := crash(t)
	var buf bytes.Buffer
	require.NoError(t, Persist(&buf, c, PersistOptions{Compression: recorder.GzipCompression}))

	h, err := Peek(&buf)
	require.NoError(t, err)
	assert.Equal(t, c.ID.String(), h.ID)
	assert.Equal(t, Version, h.Version)
	assert.Equal(t, "boom", h.Message)
	assert.Equal(t, 4, h.Frames)
	assert.Equal(t, c.Top(), h.Top)
	assert.True(t, h.Created.Equal(c.Created))
	assert.Contains(t, h.Files, innermost(c).Code.Filename)
}

func TestModuleAlias(t *testing.T) {
	const from = "github.com/willibrandon/chronodump"
	RegisterModuleAlias(from, "example.com/renamed")
	t.Cleanup(func() {
		aliasMu.Lock()
		delete(aliases, from)
		aliasMu.Unlock()
	})

	loaded := roundTrip(t, crash(t), PersistOptions{})
	assert.Equal(t, "example.com/renamed/pkg/capsule.baz", loaded.Top())
}

func TestStoreFetch(t *testing.T) {
	c := crash(t)
	r := recorder.NewInMemoryRecorder()

	a, err := Store(r, c)
	require.NoError(t, err)
	assert.Equal(t, c.ID.String(), a.ID)
	assert.Equal(t, c.Top(), a.Top)
	assert.Equal(t, recorder.GzipCompression, a.Compression)

	loaded, err := Fetch(r, a.ID)
	require.NoError(t, err)
	defer loaded.Release()
	assert.Equal(t, c.Format(), loaded.Format())
}
