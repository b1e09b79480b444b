// Package scripthost is the single process-wide gate around the
// embedded scripting runtime (spec.md §4.7): initialization, per-module
// namespace creation, function introspection/invocation, and orderly
// shutdown, all serialized behind one reentrant acquisition.
package scripthost

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/require"

	"github.com/creastat/meshline/telemetry"
)

// Bridge is the process-wide script-host singleton. Construct exactly
// one and call Initialize once before any script step runs.
type Bridge struct {
	logger telemetry.Logger

	initOnce    sync.Once
	initialized bool

	holderMu   sync.Mutex
	holderCond *sync.Cond
	holder     uint64
	depth      int

	modulesMu  sync.Mutex
	modules    map[string]*goja.Runtime
	autoKeySeq int

	registry *require.Registry

	none goja.Value
}

// New builds an uninitialized Bridge.
func New(logger telemetry.Logger) *Bridge {
	if logger == nil {
		logger = telemetry.Nop()
	}
	b := &Bridge{
		logger:  logger.WithModule("scripthost"),
		modules: make(map[string]*goja.Runtime),
		none:    goja.Undefined(),
	}
	b.holderCond = sync.NewCond(&b.holderMu)
	return b
}

// None is the cached None-equivalent, used to avoid a runtime round
// trip when forwarding a null argument.
func (b *Bridge) None() goja.Value {
	return b.none
}

// Initialize wires runtimeLocator (recorded for diagnostics only; goja
// is the fixed embedded engine) and, if moduleSearchRoot is non-empty,
// adds it as a global folder on every module's require() lookup path via
// goja_nodejs's CommonJS-style loader. A second call is a fatal error.
func (b *Bridge) Initialize(runtimeLocator, moduleSearchRoot string) error {
	called := false
	b.initOnce.Do(func() {
		called = true
		b.initialized = true

		var opts []require.Option
		if moduleSearchRoot != "" {
			opts = append(opts, require.WithGlobalFolders(moduleSearchRoot))
		}
		b.registry = require.NewRegistry(opts...)

		b.logger.Info("script host initialized",
			telemetry.String("runtime", runtimeLocator),
			telemetry.String("module_search_root", moduleSearchRoot))
	})
	if !called {
		return fmt.Errorf("scripthost: initialize called more than once")
	}
	return nil
}

// Lease is a scoped acquisition of the runtime's exclusive execution
// right. Release it when done; it must not outlive the goroutine that
// acquired it.
type Lease struct {
	b *Bridge
}

// Release gives up this acquisition. Releasing the outermost of a
// reentrant chain wakes the next waiting goroutine.
func (l *Lease) Release() {
	l.b.holderMu.Lock()
	l.b.depth--
	if l.b.depth == 0 {
		l.b.holder = 0
		l.b.holderCond.Signal()
	}
	l.b.holderMu.Unlock()
}

// Acquire blocks until the calling goroutine holds the runtime's
// exclusive execution right, then returns a Lease. A goroutine that
// already holds the lease may acquire it again; each acquisition must
// be matched by a Release.
func (b *Bridge) Acquire() *Lease {
	gid := goroutineID()

	b.holderMu.Lock()
	for b.holder != 0 && b.holder != gid {
		b.holderCond.Wait()
	}
	b.holder = gid
	b.depth++
	b.holderMu.Unlock()

	return &Lease{b: b}
}

// goroutineID extracts the calling goroutine's numeric id from the
// header line of its own stack trace. There is no public API for this;
// it is the standard recipe for a goroutine-scoped reentrant lock.
func goroutineID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	if i := bytes.IndexByte(buf, ' '); i >= 0 {
		buf = buf[:i]
	}
	id, _ := strconv.ParseUint(string(buf), 10, 64)
	return id
}

// AddModule creates a fresh namespace under key. sourceCodeOrImportName
// is treated as an import if it names an already-registered key
// (aliasing that module's namespace), otherwise as JavaScript source
// executed once into the new namespace. A duplicate key is a fatal
// error. Callers must hold a Lease.
func (b *Bridge) AddModule(key, sourceCodeOrImportName string) error {
	if !b.initialized {
		return fmt.Errorf("scripthost: add_module before initialize")
	}

	b.modulesMu.Lock()
	defer b.modulesMu.Unlock()

	if _, exists := b.modules[key]; exists {
		return fmt.Errorf("scripthost: module key %q already exists", key)
	}

	if imported, ok := b.modules[sourceCodeOrImportName]; ok {
		b.modules[key] = imported
		return nil
	}

	vm := goja.New()
	if b.registry != nil {
		b.registry.Enable(vm)
	}
	b.installConsole(vm)
	if _, err := vm.RunString(sourceCodeOrImportName); err != nil {
		return fmt.Errorf("scripthost: module %q: %w", key, err)
	}

	b.modules[key] = vm
	return nil
}

// AddModuleAutoKey is AddModule with a generated, unused key, returned
// for the caller to address the module by. Intended for test isolation.
func (b *Bridge) AddModuleAutoKey(sourceCodeOrImportName string) (string, error) {
	b.modulesMu.Lock()
	b.autoKeySeq++
	key := fmt.Sprintf("auto-%d", b.autoKeySeq)
	b.modulesMu.Unlock()

	if err := b.AddModule(key, sourceCodeOrImportName); err != nil {
		return "", err
	}
	return key, nil
}

// RemoveModule disposes the namespace cached under key. Idempotent.
func (b *Bridge) RemoveModule(key string) {
	b.modulesMu.Lock()
	delete(b.modules, key)
	b.modulesMu.Unlock()
}

// Clear disposes every cached namespace.
func (b *Bridge) Clear() {
	b.modulesMu.Lock()
	b.modules = make(map[string]*goja.Runtime)
	b.modulesMu.Unlock()
}

func (b *Bridge) vmFor(moduleKey string) (*goja.Runtime, error) {
	b.modulesMu.Lock()
	vm, ok := b.modules[moduleKey]
	b.modulesMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("scripthost: unknown module %q", moduleKey)
	}
	return vm, nil
}

// IsFunction reports whether module has an attribute named name that
// is callable with the given arity. A callable whose recorded argument
// count cannot be determined (a non-JS-native callable) counts as true
// for any arity, per spec.md §4.7.
func (b *Bridge) IsFunction(moduleKey, name string, arity int) (bool, error) {
	vm, err := b.vmFor(moduleKey)
	if err != nil {
		return false, err
	}

	val := vm.Get(name)
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return false, nil
	}

	obj, ok := val.(*goja.Object)
	if !ok || obj.ClassName() != "Function" {
		return false, nil
	}

	lengthVal := obj.Get("length")
	if lengthVal == nil || goja.IsUndefined(lengthVal) {
		return true, nil
	}

	recorded := lengthVal.ToInteger()
	return int(recorded) == arity, nil
}

// CallFunction invokes module.name with args, returning its result.
// Any runtime error is wrapped naming the function and argument count.
func (b *Bridge) CallFunction(moduleKey, name string, args ...any) (goja.Value, error) {
	vm, err := b.vmFor(moduleKey)
	if err != nil {
		return nil, err
	}

	val := vm.Get(name)
	obj, ok := val.(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("scripthost: %q has no function %q", moduleKey, name)
	}
	fn, ok := goja.AssertFunction(obj)
	if !ok {
		return nil, fmt.Errorf("scripthost: %q.%q is not callable", moduleKey, name)
	}

	values := make([]goja.Value, len(args))
	for i, a := range args {
		values[i] = vm.ToValue(a)
	}

	result, err := fn(goja.Undefined(), values...)
	if err != nil {
		return nil, fmt.Errorf("scripthost: call %s.%s/%d: %w", moduleKey, name, len(args), err)
	}
	return result, nil
}

// IsGlobal reports whether module has a top-level binding named name.
func (b *Bridge) IsGlobal(moduleKey, name string) (bool, error) {
	vm, err := b.vmFor(moduleKey)
	if err != nil {
		return false, err
	}
	// vm.Get returns nil only for an undefined name; a declared binding
	// whose value is undefined (`var x;`) still counts.
	return vm.Get(name) != nil, nil
}

// SetGlobal binds name to value at module's top level.
func (b *Bridge) SetGlobal(moduleKey, name string, value any) error {
	vm, err := b.vmFor(moduleKey)
	if err != nil {
		return err
	}
	vm.Set(name, value)
	return nil
}

// installConsole wires console.log/console.error into the bridge's
// logger, standing in for spec.md §4.7's stdout/stderr adapters.
func (b *Bridge) installConsole(vm *goja.Runtime) {
	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		b.logger.Info(joinArgs(call.Arguments))
		return goja.Undefined()
	})
	_ = console.Set("error", func(call goja.FunctionCall) goja.Value {
		b.logger.Error(joinArgs(call.Arguments))
		return goja.Undefined()
	})
	vm.Set("console", console)
}

func joinArgs(args []goja.Value) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	return strings.Join(parts, " ")
}
