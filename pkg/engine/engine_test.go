package engine

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/vfhost/pkg/types"
)

// Hand-assembled validation functions sharing one header: a single
// (i32, i32) -> i64 function, one page of memory and __heap_base = 1024.
var (
	wasmHeader = []byte{
		0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
		// type: (i32, i32) -> i64
		0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7e,
		// function 0 has type 0
		0x03, 0x02, 0x01, 0x00,
		// memory: min 1 page
		0x05, 0x03, 0x01, 0x00, 0x01,
		// global i32 const 1024
		0x06, 0x07, 0x01, 0x7f, 0x00, 0x41, 0x80, 0x08, 0x0b,
		// exports
		0x07, 0x29, 0x03,
		0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
		0x0b, '_', '_', 'h', 'e', 'a', 'p', '_', 'b', 'a', 's', 'e', 0x03, 0x00,
		0x0e, 'v', 'a', 'l', 'i', 'd', 'a', 't', 'e', '_', 'b', 'l', 'o', 'c', 'k', 0x00, 0x00,
	}

	// Returns its input: (len << 32) | ptr.
	echoCode = []byte{0x0a, 0x0e, 0x01, 0x0c, 0x00,
		0x20, 0x01, 0xad, 0x42, 0x20, 0x86, 0x20, 0x00, 0xad, 0x84, 0x0b}

	// unreachable
	trapCode = []byte{0x0a, 0x05, 0x01, 0x03, 0x00, 0x00, 0x0b}

	// loop br 0 end
	loopCode = []byte{0x0a, 0x0b, 0x01, 0x09, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x42, 0x00, 0x0b}
)

func module(code []byte) []byte {
	return append(append([]byte(nil), wasmHeader...), code...)
}

func newTestEngine(t *testing.T, pages uint32) *Wazero {
	t.Helper()
	e := NewWazero(pages)
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func TestPrepareAndExecuteEcho(t *testing.T) {
	e := newTestEngine(t, 0)
	ctx := context.Background()

	artifact, err := e.Prepare(ctx, module(echoCode), 0)
	require.NoError(t, err)
	assert.Equal(t, module(echoCode), artifact)

	res, err := e.Execute(ctx, artifact, []byte("block"), Limits{Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, types.ExecValid, res.Kind)
	assert.Equal(t, "block", string(res.Output))

	// A second run in the same engine starts from a fresh instance.
	res, err = e.Execute(ctx, artifact, []byte("again"), Limits{Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "again", string(res.Output))
}

func TestExecuteReusesCompiledModule(t *testing.T) {
	e := newTestEngine(t, 0)
	ctx := context.Background()

	echo, err := e.Prepare(ctx, module(echoCode), 0)
	require.NoError(t, err)
	trap, err := e.Prepare(ctx, module(trapCode), 0)
	require.NoError(t, err)
	assert.Zero(t, e.loaded(), "preparing keeps nothing loaded")

	for _, input := range []string{"one", "two", "three"} {
		res, err := e.Execute(ctx, echo, []byte(input), Limits{Timeout: 5 * time.Second})
		require.NoError(t, err)
		assert.Equal(t, input, string(res.Output))
	}
	assert.Equal(t, 1, e.loaded())

	_, err = e.Execute(ctx, trap, nil, Limits{Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 2, e.loaded())

	// A different memory limit compiles in its own runtime.
	_, err = e.Execute(ctx, echo, []byte("x"), Limits{Timeout: 5 * time.Second, MemoryPages: 4})
	require.NoError(t, err)
	assert.Equal(t, 3, e.loaded())

	require.NoError(t, e.Close(ctx))
	assert.Zero(t, e.loaded())
}

func TestExecuteGrowsMemoryForInput(t *testing.T) {
	e := newTestEngine(t, 0)
	ctx := context.Background()

	artifact, err := e.Prepare(ctx, module(echoCode), 0)
	require.NoError(t, err)

	input := bytes.Repeat([]byte{0xab}, 3*pageSize)
	res, err := e.Execute(ctx, artifact, input, Limits{Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, types.ExecValid, res.Kind)
	assert.True(t, bytes.Equal(input, res.Output))
}

func TestExecuteMemoryLimit(t *testing.T) {
	e := newTestEngine(t, 2)
	ctx := context.Background()

	artifact, err := e.Prepare(ctx, module(echoCode), 0)
	require.NoError(t, err)

	res, err := e.Execute(ctx, artifact, make([]byte, 3*pageSize), Limits{Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, types.ExecResourceLimit, res.Kind)
	assert.Equal(t, types.LimitMemory, res.Limit)
}

func TestExecuteTrap(t *testing.T) {
	e := newTestEngine(t, 0)
	ctx := context.Background()

	artifact, err := e.Prepare(ctx, module(trapCode), 0)
	require.NoError(t, err)

	res, err := e.Execute(ctx, artifact, []byte("x"), Limits{Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, types.ExecTrap, res.Kind)
	assert.NotEmpty(t, res.Message)
}

func TestExecuteTimeout(t *testing.T) {
	e := newTestEngine(t, 0)
	ctx := context.Background()

	artifact, err := e.Prepare(ctx, module(loopCode), 0)
	require.NoError(t, err)

	start := time.Now()
	res, err := e.Execute(ctx, artifact, nil, Limits{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, types.ExecResourceLimit, res.Kind)
	assert.Equal(t, types.LimitTimeout, res.Limit)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPrepareCompileErrors(t *testing.T) {
	importing := []byte{
		0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
		0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7e,
		// import env.f as function of type 0
		0x02, 0x09, 0x01, 0x03, 'e', 'n', 'v', 0x01, 'f', 0x00, 0x00,
	}

	tests := []struct {
		name string
		code []byte
	}{
		{"garbage", []byte("definitely not wasm")},
		{"empty module", wasmHeader[:8]},
		{"imports", importing},
		{"truncated", module(echoCode)[:len(wasmHeader)+4]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, 0)
			_, err := e.Prepare(context.Background(), tt.code, 0)
			require.Error(t, err)

			var compileErr *CompileError
			assert.ErrorAs(t, err, &compileErr)
		})
	}
}

func TestPrepareCompressedBlob(t *testing.T) {
	e := newTestEngine(t, 0)

	blob, err := CompressBlob(module(echoCode))
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(blob, BlobMagic))

	artifact, err := e.Prepare(context.Background(), blob, 0)
	require.NoError(t, err)
	assert.Equal(t, module(echoCode), artifact)
}

func TestMaybeDecompress(t *testing.T) {
	raw := module(echoCode)

	got, err := MaybeDecompress(raw, 1024)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	_, err = MaybeDecompress(raw, 10)
	assert.ErrorIs(t, err, ErrCodeTooLarge)

	bomb, err := CompressBlob(make([]byte, 1<<20))
	require.NoError(t, err)
	_, err = MaybeDecompress(bomb, 64<<10)
	assert.ErrorIs(t, err, ErrCodeTooLarge)

	_, err = MaybeDecompress(append(append([]byte(nil), BlobMagic...), 0x01, 0x02), 1024)
	assert.Error(t, err)
}
