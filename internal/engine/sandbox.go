package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/kestrelid/kestrel/internal/domain"
)

const maxCallStackSize = 500

// Interrupt values passed to goja, used to tell a forced timeout apart from
// the heap guard when RunProgram returns an InterruptedError.
const (
	interruptTimeout = "execution timeout"
	interruptOOM     = "out of memory"
)

const memGuardInterval = 50 * time.Millisecond

// preludeJS builds the entire sandbox global surface: fetch, setTimeout,
// clearTimeout, and console, all backed by policy-checked host calls. The
// raw host bindings are captured into the closure and removed from
// globalThis so scripts only ever see the curated API. Nothing resembling
// filesystem, process, or module access is ever defined.
const preludeJS = `(function() {
	'use strict';
	var hostFetch = globalThis.__hostFetch;
	var hostSleep = globalThis.__hostSleep;
	var hostLog = globalThis.__hostLog;
	delete globalThis.__hostFetch;
	delete globalThis.__hostSleep;
	delete globalThis.__hostLog;

	globalThis.fetch = function(url, options) {
		options = options || {};
		var method = String(options.method || 'GET').toUpperCase();
		var headers = options.headers || {};
		var body = options.body == null ? '' : String(options.body);
		return new Promise(function(resolve, reject) {
			var result;
			try {
				result = hostFetch(url, method, headers, body);
			} catch (e) {
				reject(e);
				return;
			}
			resolve({
				status: result.status,
				ok: result.status >= 200 && result.status < 300,
				headers: result.headers,
				text: function() { return Promise.resolve(result.body); },
				json: function() { return Promise.resolve(JSON.parse(result.body)); }
			});
		});
	};

	var timers = { nextId: 1, pending: {} };
	globalThis.setTimeout = function(callback, delay) {
		var id = timers.nextId++;
		timers.pending[id] = true;
		Promise.resolve().then(function() {
			hostSleep(delay == null ? 0 : Number(delay));
			if (timers.pending[id]) {
				delete timers.pending[id];
				callback();
			}
		});
		return id;
	};
	globalThis.clearTimeout = function(id) { delete timers.pending[id]; };

	function fmt(args) {
		var parts = [];
		for (var i = 0; i < args.length; i++) {
			var a = args[i];
			if (a !== null && typeof a === 'object') {
				try { parts.push(JSON.stringify(a)); } catch (e) { parts.push(String(a)); }
			} else {
				parts.push(String(a));
			}
		}
		return parts;
	}
	globalThis.console = {
		log: function() { hostLog('info', fmt(arguments)); },
		warn: function() { hostLog('warn', fmt(arguments)); },
		error: function() { hostLog('error', fmt(arguments)); }
	};
})();`

var preludeProgram = goja.MustCompile("<prelude>", preludeJS, false)

// Sandbox executes scripts in disposable, capability-restricted VMs. One
// Sandbox is shared across invocations; each Execute call builds a fresh VM
// and discards it afterwards, so no JS state survives between calls.
type Sandbox struct {
	cfg    domain.SandboxConfig
	policy *NetPolicy
	client *http.Client
	logger *slog.Logger
}

func NewSandbox(cfg domain.SandboxConfig, logger *slog.Logger) *Sandbox {
	return &Sandbox{
		cfg:    cfg,
		policy: NewNetPolicy(cfg),
		client: &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger.With("component", "sandbox"),
	}
}

// PrepareScript normalizes a stored script for execution: async scripts are
// wrapped in an async IIFE that returns the context, sync scripts get a
// trailing context expression appended when they lack one.
func PrepareScript(script string) string {
	trimmed := strings.TrimSpace(script)
	isAsync := strings.Contains(trimmed, "await ") ||
		strings.Contains(trimmed, "async ") ||
		strings.Contains(trimmed, "fetch(")
	if isAsync {
		return "(async () => {\n" + script + "\nreturn context;\n})()"
	}
	if strings.HasSuffix(trimmed, "context;") || strings.HasSuffix(trimmed, "context") ||
		strings.Contains(trimmed, "return context") {
		return script
	}
	return script + "\ncontext;"
}

// Compile parses a prepared script into a reusable program. Programs are
// immutable and safe to run on any number of fresh VMs.
func Compile(name, prepared string) (*goja.Program, error) {
	prog, err := goja.Compile(name, prepared, false)
	if err != nil {
		return nil, fmt.Errorf("script compile error: %w", err)
	}
	return prog, nil
}

// ExecuteScript prepares, compiles and runs a raw script once.
func (s *Sandbox) ExecuteScript(ctx context.Context, script string, actx *domain.ActionContext, timeout time.Duration) *domain.ExecutionResult {
	prog, err := Compile("<action>", PrepareScript(script))
	if err != nil {
		return &domain.ExecutionResult{Success: false, ErrorMessage: err.Error()}
	}
	return s.Execute(ctx, prog, actx, timeout)
}

// Execute runs one compiled script against a copy of the context in a fresh
// VM. It never returns a Go error: every failure mode (script exception,
// rejected promise, policy violation, timeout, heap guard) is folded into
// the result. The VM is forcibly interrupted at the deadline even if the
// script never yields.
func (s *Sandbox) Execute(ctx context.Context, prog *goja.Program, actx *domain.ActionContext, timeout time.Duration) *domain.ExecutionResult {
	start := time.Now()
	fail := func(msg string) *domain.ExecutionResult {
		return &domain.ExecutionResult{
			Success:      false,
			DurationMS:   time.Since(start).Milliseconds(),
			ErrorMessage: msg,
		}
	}

	if timeout <= 0 {
		timeout = domain.DefaultTimeoutMS * time.Millisecond
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	vm := goja.New()
	vm.SetMaxCallStackSize(maxCallStackSize)
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	br := newBridge(execCtx, s.cfg, s.policy, s.client, s.logger)
	_ = vm.Set("__hostFetch", br.Fetch)
	_ = vm.Set("__hostSleep", br.Sleep)
	_ = vm.Set("__hostLog", br.Log)
	if _, err := vm.RunProgram(preludeProgram); err != nil {
		return fail(fmt.Sprintf("failed to initialize sandbox: %v", err))
	}

	ctxMap, err := contextToMap(actx)
	if err != nil {
		return fail(fmt.Sprintf("failed to serialize context: %v", err))
	}
	_ = vm.Set("context", ctxMap)

	timer := time.AfterFunc(timeout, func() { vm.Interrupt(interruptTimeout) })
	defer timer.Stop()

	if s.cfg.MaxHeapMB > 0 {
		stop := make(chan struct{})
		defer close(stop)
		go memGuard(vm, s.cfg.MaxHeapMB, stop)
	}

	value, runErr := vm.RunProgram(prog)
	vm.ClearInterrupt()

	result := &domain.ExecutionResult{
		ConsoleLogs: br.ConsoleLogs(),
	}

	if runErr != nil {
		result.DurationMS = time.Since(start).Milliseconds()
		result.ErrorMessage = s.runErrorMessage(runErr, timeout)
		return result
	}

	// Async scripts evaluate to a promise. goja drains the microtask queue
	// inside RunProgram, and every host call is synchronous, so the promise
	// is settled by the time we get here.
	if p, ok := value.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			value = p.Result()
		case goja.PromiseStateRejected:
			result.DurationMS = time.Since(start).Milliseconds()
			result.ErrorMessage = jsValueMessage(p.Result())
			return result
		default:
			result.DurationMS = time.Since(start).Milliseconds()
			result.ErrorMessage = "script left a pending promise"
			return result
		}
	}

	modified, err := contextFromValue(value)
	if err != nil {
		result.DurationMS = time.Since(start).Milliseconds()
		result.ErrorMessage = fmt.Sprintf("failed to extract context from script result: %v", err)
		return result
	}

	result.Success = true
	result.DurationMS = time.Since(start).Milliseconds()
	result.ModifiedContext = modified
	return result
}

func (s *Sandbox) runErrorMessage(err error, timeout time.Duration) string {
	switch e := err.(type) {
	case *goja.InterruptedError:
		if v, ok := e.Value().(string); ok && v == interruptOOM {
			return fmt.Sprintf("out of memory: heap ceiling %dMB exceeded", s.cfg.MaxHeapMB)
		}
		return fmt.Sprintf("execution timeout: %dms budget exceeded", timeout.Milliseconds())
	case *goja.Exception:
		return jsValueMessage(e.Value())
	case *goja.StackOverflowError:
		return "call stack size exceeded"
	default:
		return err.Error()
	}
}

// jsValueMessage extracts a human-readable message from a thrown JS value
// or promise rejection value.
func jsValueMessage(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "unknown script error"
	}
	if obj, ok := v.(*goja.Object); ok {
		if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) && m.String() != "" {
			return m.String()
		}
	}
	return v.String()
}

// contextToMap round-trips the context through JSON so the script sees the
// wire-shape field names and plain objects, never Go structs.
func contextToMap(actx *domain.ActionContext) (map[string]any, error) {
	b, err := json.Marshal(actx)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if _, ok := m["claims"]; !ok {
		m["claims"] = map[string]any{}
	}
	return m, nil
}

func contextFromValue(v goja.Value) (*domain.ActionContext, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, fmt.Errorf("script did not evaluate to the context object")
	}
	b, err := json.Marshal(v.Export())
	if err != nil {
		return nil, err
	}
	var actx domain.ActionContext
	if err := json.Unmarshal(b, &actx); err != nil {
		return nil, err
	}
	return &actx, nil
}

// memGuard interrupts the VM when process heap growth since the start of
// the invocation exceeds the configured ceiling. goja has no per-VM heap
// accounting, so this is a best-effort approximation of an isolate limit.
func memGuard(vm *goja.Runtime, maxMB int, stop <-chan struct{}) {
	var base runtime.MemStats
	runtime.ReadMemStats(&base)
	limit := uint64(maxMB) << 20

	ticker := time.NewTicker(memGuardInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			if m.HeapAlloc > base.HeapAlloc && m.HeapAlloc-base.HeapAlloc > limit {
				vm.Interrupt(interruptOOM)
				return
			}
		}
	}
}
