// Package engine runs validation functions. It is the only code that
// touches untrusted wasm, and it runs inside worker processes.
//
// A validation function is a wasm module that imports nothing and exports
// its linear memory as "memory", an i32 global "__heap_base" and a
// function "validate_block(ptr, len i32) i64". The input is copied to
// __heap_base; the result packs the output location as (len << 32) | ptr.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"github.com/zeebo/blake3"

	"github.com/cuemby/vfhost/pkg/types"
)

const (
	ExportMemory   = "memory"
	ExportHeapBase = "__heap_base"
	ExportValidate = "validate_block"

	pageSize = 65536

	// DefaultMemoryPages is the memory limit used when none is given.
	DefaultMemoryPages = 1024

	// maxLoadedModules bounds the compiled modules kept per memory limit.
	maxLoadedModules = 64
)

// CompileError reports that the code itself is not a valid validation
// function. It is an outcome, not a worker failure.
type CompileError struct {
	Reason string
}

func (e *CompileError) Error() string {
	return "compile: " + e.Reason
}

func compileErrorf(format string, args ...any) *CompileError {
	return &CompileError{Reason: fmt.Sprintf(format, args...)}
}

// Limits bound one execution.
type Limits struct {
	Timeout     time.Duration
	MemoryPages uint32
}

// Result is how untrusted code behaved during one execution.
type Result struct {
	Kind    types.ExecResult
	Output  []byte
	Message string
	Limit   types.ResourceLimit
}

// Engine compiles and runs validation functions. Returned errors other
// than *CompileError mean the engine itself failed.
type Engine interface {
	// Prepare validates code and returns the artifact to store.
	Prepare(ctx context.Context, code []byte, maxCodeSize uint64) ([]byte, error)

	// Execute runs an artifact against input.
	Execute(ctx context.Context, artifact, input []byte, limits Limits) (Result, error)

	Close(ctx context.Context) error
}

// Wazero is the Engine backed by the wazero runtime. An execute worker
// compiles each artifact once per memory limit and reuses the compiled
// module for later executions; every execution gets a fresh instance.
type Wazero struct {
	memoryPages uint32
	cache       wazero.CompilationCache

	mu       sync.Mutex
	runtimes map[uint32]*loadedRuntime
}

// loadedRuntime is a long-lived runtime and the modules compiled in it.
type loadedRuntime struct {
	rt      wazero.Runtime
	modules map[[32]byte]wazero.CompiledModule
}

// NewWazero returns an engine whose default memory limit is memoryPages.
func NewWazero(memoryPages uint32) *Wazero {
	if memoryPages == 0 {
		memoryPages = DefaultMemoryPages
	}
	return &Wazero{
		memoryPages: memoryPages,
		cache:       wazero.NewCompilationCache(),
		runtimes:    make(map[uint32]*loadedRuntime),
	}
}

// load returns the runtime for memoryPages and artifact compiled in it.
// Failed compilations are not kept.
func (w *Wazero) load(ctx context.Context, artifact []byte, memoryPages uint32) (wazero.Runtime, wazero.CompiledModule, error) {
	if memoryPages == 0 {
		memoryPages = w.memoryPages
	}
	key := blake3.Sum256(artifact)

	w.mu.Lock()
	defer w.mu.Unlock()

	lr, ok := w.runtimes[memoryPages]
	if !ok {
		lr = &loadedRuntime{
			rt:      w.newRuntime(context.Background(), memoryPages),
			modules: make(map[[32]byte]wazero.CompiledModule),
		}
		w.runtimes[memoryPages] = lr
	}
	if compiled, ok := lr.modules[key]; ok {
		return lr.rt, compiled, nil
	}

	compiled, err := lr.rt.CompileModule(ctx, artifact)
	if err != nil {
		return nil, nil, err
	}
	if len(lr.modules) >= maxLoadedModules {
		for k, old := range lr.modules {
			_ = old.Close(context.Background())
			delete(lr.modules, k)
			break
		}
	}
	lr.modules[key] = compiled
	return lr.rt, compiled, nil
}

// loaded returns how many compiled modules the engine holds.
func (w *Wazero) loaded() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, lr := range w.runtimes {
		n += len(lr.modules)
	}
	return n
}

func (w *Wazero) newRuntime(ctx context.Context, memoryPages uint32) wazero.Runtime {
	if memoryPages == 0 {
		memoryPages = w.memoryPages
	}
	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(memoryPages).
		WithCompilationCache(w.cache)
	return wazero.NewRuntimeWithConfig(ctx, cfg)
}

func moduleConfig() wazero.ModuleConfig {
	return wazero.NewModuleConfig().WithStartFunctions()
}

// Prepare decompresses code if needed, compiles it, checks the ABI and
// instantiates it once so that its start function and exports are known
// to work. The artifact is the raw module.
func (w *Wazero) Prepare(ctx context.Context, code []byte, maxCodeSize uint64) ([]byte, error) {
	module, err := MaybeDecompress(code, maxCodeSize)
	if err != nil {
		return nil, &CompileError{Reason: err.Error()}
	}

	rt := w.newRuntime(ctx, 0)
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, module)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &CompileError{Reason: err.Error()}
	}
	if err := checkABI(compiled); err != nil {
		return nil, err
	}

	mod, err := rt.InstantiateModule(ctx, compiled, moduleConfig())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, compileErrorf("instantiate: %v", err)
	}
	defer mod.Close(ctx)

	g := mod.ExportedGlobal(ExportHeapBase)
	if g == nil || g.Type() != api.ValueTypeI32 {
		return nil, compileErrorf("missing i32 global export %q", ExportHeapBase)
	}
	return module, nil
}

func checkABI(compiled wazero.CompiledModule) error {
	if n := len(compiled.ImportedFunctions()); n > 0 {
		return compileErrorf("module imports %d functions, none are provided", n)
	}
	if n := len(compiled.ImportedMemories()); n > 0 {
		return compileErrorf("module imports memory")
	}
	if _, ok := compiled.ExportedMemories()[ExportMemory]; !ok {
		return compileErrorf("missing memory export %q", ExportMemory)
	}

	fn, ok := compiled.ExportedFunctions()[ExportValidate]
	if !ok {
		return compileErrorf("missing function export %q", ExportValidate)
	}
	params, results := fn.ParamTypes(), fn.ResultTypes()
	if len(params) != 2 || params[0] != api.ValueTypeI32 || params[1] != api.ValueTypeI32 ||
		len(results) != 1 || results[0] != api.ValueTypeI64 {
		return compileErrorf("%s must have type (i32, i32) -> i64", ExportValidate)
	}
	return nil
}

// Execute runs artifact under limits. Traps and limit violations are
// reported in the Result.
func (w *Wazero) Execute(ctx context.Context, artifact, input []byte, limits Limits) (Result, error) {
	if limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limits.Timeout)
		defer cancel()
	}

	// Instance teardown must not be cut short by the execution deadline.
	closeCtx := context.WithoutCancel(ctx)

	rt, compiled, err := w.load(ctx, artifact, limits.MemoryPages)
	if err != nil {
		if r, ok := deadlineResult(ctx, err); ok {
			return r, nil
		}
		// Artifacts were validated during Prepare, so this is either a
		// memory limit the module does not fit in or a corrupt artifact.
		if limits.MemoryPages != 0 && limits.MemoryPages != w.memoryPages && w.compiles(closeCtx, artifact) {
			return Result{Kind: types.ExecResourceLimit, Limit: types.LimitMemory, Message: err.Error()}, nil
		}
		return Result{}, fmt.Errorf("compiling artifact: %w", err)
	}

	mod, err := rt.InstantiateModule(ctx, compiled, moduleConfig().WithName(""))
	if err != nil {
		if r, ok := deadlineResult(ctx, err); ok {
			return r, nil
		}
		return Result{Kind: types.ExecTrap, Message: "instantiate: " + err.Error()}, nil
	}
	defer mod.Close(closeCtx)

	mem := mod.ExportedMemory(ExportMemory)
	heap := mod.ExportedGlobal(ExportHeapBase)
	fn := mod.ExportedFunction(ExportValidate)
	if mem == nil || heap == nil || fn == nil {
		return Result{}, errors.New("artifact does not satisfy the validation function ABI")
	}

	base := uint64(uint32(heap.Get()))
	end := base + uint64(len(input))
	if end > uint64(mem.Size()) {
		delta := (end - uint64(mem.Size()) + pageSize - 1) / pageSize
		if delta > uint64(^uint32(0)) {
			return memoryLimit(len(input)), nil
		}
		if _, ok := mem.Grow(uint32(delta)); !ok {
			return memoryLimit(len(input)), nil
		}
	}
	if !mem.Write(uint32(base), input) {
		return memoryLimit(len(input)), nil
	}

	results, err := fn.Call(ctx, base, uint64(len(input)))
	if err != nil {
		if r, ok := deadlineResult(ctx, err); ok {
			return r, nil
		}
		return Result{Kind: types.ExecTrap, Message: err.Error()}, nil
	}

	packed := results[0]
	ptr, n := uint32(packed), uint32(packed>>32)
	out, ok := mem.Read(ptr, n)
	if !ok {
		return Result{Kind: types.ExecTrap, Message: fmt.Sprintf("output [%d, +%d) out of memory bounds", ptr, n)}, nil
	}
	return Result{Kind: types.ExecValid, Output: append([]byte(nil), out...)}, nil
}

// compiles reports whether artifact compiles under the default limits.
func (w *Wazero) compiles(ctx context.Context, artifact []byte) bool {
	rt := w.newRuntime(ctx, 0)
	defer rt.Close(ctx)
	_, err := rt.CompileModule(ctx, artifact)
	return err == nil
}

func memoryLimit(inputLen int) Result {
	return Result{
		Kind:    types.ExecResourceLimit,
		Limit:   types.LimitMemory,
		Message: fmt.Sprintf("input of %d bytes does not fit in memory", inputLen),
	}
}

func deadlineResult(ctx context.Context, err error) (Result, bool) {
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == sys.ExitCodeDeadlineExceeded {
		return Result{Kind: types.ExecResourceLimit, Limit: types.LimitTimeout, Message: err.Error()}, true
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Result{Kind: types.ExecResourceLimit, Limit: types.LimitTimeout, Message: ctx.Err().Error()}, true
	}
	return Result{}, false
}

// Close releases compiled code held by the engine.
func (w *Wazero) Close(ctx context.Context) error {
	w.mu.Lock()
	runtimes := w.runtimes
	w.runtimes = make(map[uint32]*loadedRuntime)
	w.mu.Unlock()

	var errs []error
	for _, lr := range runtimes {
		errs = append(errs, lr.rt.Close(ctx))
	}
	errs = append(errs, w.cache.Close(ctx))
	return errors.Join(errs...)
}
