// Package executor implements the Executor: runs one Starlark tool
// invocation to completion inside a fresh interpreter thread, with a
// minimal predeclared capability set, resource caps, stdout capture, and
// structured error translation.
//
// Isolation is in-process and language-level: the interpreter only ever
// sees the capabilities predeclared for it, and OS-level caps bound what
// the process as a whole may consume.
package executor

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.starlark.net/starlark"

	"github.com/mcpbox/mcpbox/internal/domainerr"
	"github.com/mcpbox/mcpbox/internal/egress"
	"github.com/mcpbox/mcpbox/internal/modulepolicy"
	"github.com/mcpbox/mcpbox/internal/validator"
)

// ErrorKind classifies how an invocation failed.
type ErrorKind string

const (
	ErrorNone           ErrorKind = ""
	ErrorValidation     ErrorKind = "Validation"
	ErrorImport         ErrorKind = "Import"
	ErrorTimeout        ErrorKind = "Timeout"
	ErrorMemoryExceeded ErrorKind = "MemoryExceeded"
	ErrorCpuExceeded    ErrorKind = "CpuExceeded"
	ErrorNetwork        ErrorKind = "Network"
	ErrorRuntime        ErrorKind = "Runtime"
)

// Detail carries the structured failure context.
type Detail struct {
	Message string
	Line    int32
	Excerpt string
	Stack   string
}

// Caps holds the resource limits applied to one invocation.
type Caps struct {
	MemoryBytes int64
	CPUTime     time.Duration
	MaxFDs      int
	Deadline    time.Duration // min(tool.timeout_ms, 300_000ms) already applied by caller
}

// DefaultCaps mirrors the configuration defaults
// (sandbox_memory_mb / cpu_s / fd_cap).
var DefaultCaps = Caps{
	MemoryBytes: 256 << 20,
	CPUTime:     60 * time.Second,
	MaxFDs:      64,
	Deadline:    300 * time.Second,
}

// stdoutCapBytes is the ring buffer size.
const stdoutCapBytes = 10 * 1024

// Truncate caps s at 10 KiB, the shared bound applied both to a tool
// result before it is returned to the MCP client and, a second time,
// before it is persisted in the execution log.
func Truncate(s string) string {
	if len(s) <= stdoutCapBytes {
		return s
	}
	return s[:stdoutCapBytes]
}

// SecretView is the read-only, server-scoped secret map the executor hands
// to guest code. capabilitySet copies it into a starlark.Dict and freezes
// that dict, so mutation attempts from Starlark fail synchronously.
type SecretView map[string]string

// Invocation describes one tool call.
type Invocation struct {
	ServerID  string
	ToolName  string
	Source    string
	Args      map[string]any
	Secrets   SecretView
	Policy    *modulepolicy.Manager
	Egress    *egress.Filter
	Caps      Caps
}

// Result is the outcome of one invocation.
type Result struct {
	Value        any
	Stdout       string
	Truncated    bool
	DurationMs   int64
	ErrorKind    ErrorKind
	Detail       Detail
}

// Run executes inv.Source's `main` entry point with inv.Args, under the
// configured resource caps and capability set.
//
// Step 1 (re-validate), step 2 (construct globals), step 3 (apply caps:
// the wall-clock deadline via the context, CPU time and memory via
// capWatchdog, the fd cap via egress.Filter.SetMaxFDs), step 4 (invoke +
// capture stdout), step 5 (redact), step 6 (translate errors) are
// implemented in that order below.
func Run(ctx context.Context, inv Invocation) Result {
	start := time.Now()

	// Step 1: re-validate even saved code.
	vr := validator.Validate(inv.Source)
	if !vr.Valid {
		return Result{
			ErrorKind: ErrorValidation,
			Detail:    Detail{Message: vr.Message},
		}
	}

	caps := fillCapDefaults(inv.Caps)

	runCtx, cancel := context.WithTimeout(ctx, caps.Deadline)
	defer cancel()

	if inv.Egress != nil {
		inv.Egress.SetMaxFDs(caps.MaxFDs)
	}

	out := &ringBuffer{cap: stdoutCapBytes}

	thread := &starlark.Thread{
		Name: inv.ServerID + "/" + inv.ToolName,
		Print: func(_ *starlark.Thread, msg string) {
			out.Write([]byte(msg + "\n"))
		},
		Load: makeLoader(inv.Policy),
	}
	thread.SetLocal("egress", inv.Egress)
	thread.SetLocal("ctx", runCtx)

	watchdog := newCapWatchdog(thread, caps)
	defer watchdog.stop()

	done := make(chan Result, 1)
	go func() {
		done <- execute(thread, inv, out, start)
	}()
	go func() {
		<-runCtx.Done()
		thread.Cancel("invocation exceeded its deadline")
	}()

	select {
	case <-runCtx.Done():
		kind, reason := watchdog.breach()
		if kind == "" {
			kind, reason = ErrorTimeout, "invocation exceeded its deadline"
		}
		return Result{
			ErrorKind:  kind,
			Detail:     Detail{Message: reason},
			DurationMs: time.Since(start).Milliseconds(),
			Stdout:     out.String(),
			Truncated:  out.truncated,
		}
	case r := <-done:
		if kind, reason := watchdog.breach(); kind != "" {
			r.ErrorKind = kind
			r.Detail = Detail{Message: reason}
		} else if runCtx.Err() != nil && r.ErrorKind != ErrorNone {
			// The deadline and the cancelled interpreter can race; a
			// cancellation-induced failure is a timeout, not a guest bug.
			r.ErrorKind = ErrorTimeout
			r.Detail = Detail{Message: "invocation exceeded its deadline"}
		}
		return r
	}
}

// fillCapDefaults substitutes DefaultCaps for any zero-valued field, so a
// caller that only cares about the wall-clock deadline (e.g. the
// admin-surface test-code dry run) still gets the full resource-cap set.
func fillCapDefaults(caps Caps) Caps {
	if caps.Deadline <= 0 {
		caps.Deadline = DefaultCaps.Deadline
	}
	if caps.CPUTime <= 0 {
		caps.CPUTime = DefaultCaps.CPUTime
	}
	if caps.MemoryBytes <= 0 {
		caps.MemoryBytes = DefaultCaps.MemoryBytes
	}
	if caps.MaxFDs <= 0 {
		caps.MaxFDs = DefaultCaps.MaxFDs
	}
	return caps
}

// makeLoader returns the starlark.Thread.Load hook that consults the
// module policy on every import.
func makeLoader(policy *modulepolicy.Manager) func(*starlark.Thread, string) (starlark.StringDict, error) {
	return func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
		name := strings.TrimSuffix(module, ".star")
		if policy == nil || !policy.IsAllowed(name) {
			return nil, domainerr.New(domainerr.KindSecurityViolation, "module %q is not on the approved whitelist", name)
		}
		builtin, ok := standardModules[name]
		if !ok {
			return nil, domainerr.New(domainerr.KindSecurityViolation, "module %q has no available implementation", name)
		}
		return builtin, nil
	}
}

func execute(thread *starlark.Thread, inv Invocation, out *ringBuffer, start time.Time) Result {
	predeclared := capabilitySet(inv)

	globals, err := starlark.ExecFile(thread, inv.ToolName+".star", inv.Source, predeclared)
	if err != nil {
		return translateError(err, out, start)
	}

	mainFn, ok := globals[validator.EntryPointName]
	if !ok {
		return Result{ErrorKind: ErrorRuntime, Detail: Detail{Message: "main disappeared between validation and execution"}}
	}

	kwargs := make([]starlark.Tuple, 0, len(inv.Args))
	for k, v := range inv.Args {
		val, err := toStarlarkValue(v)
		if err != nil {
			return Result{ErrorKind: ErrorRuntime, Detail: Detail{Message: err.Error()}}
		}
		kwargs = append(kwargs, starlark.Tuple{starlark.String(k), val})
	}

	result, err := starlark.Call(thread, mainFn, nil, kwargs)
	if err != nil {
		return translateError(err, out, start)
	}

	return Result{
		Value:      redactValue(inv.Secrets, fromStarlarkValue(result)),
		Stdout:     out.String(),
		Truncated:  out.truncated,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// RedactedToken replaces any string equal to a secret value before it is
// logged or returned.
const RedactedToken = "***REDACTED***"

// redactValue walks v, replacing any string equal to one of secrets'
// values with RedactedToken. Used on both the return value (here) and,
// via RedactArgs, on the input arguments before either is logged.
func redactValue(secrets SecretView, v any) any {
	if len(secrets) == 0 {
		return v
	}
	switch x := v.(type) {
	case string:
		for _, s := range secrets {
			if s != "" && x == s {
				return RedactedToken
			}
		}
		return x
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = redactValue(secrets, e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = redactValue(secrets, e)
		}
		return out
	default:
		return v
	}
}

// RedactArgs returns a copy of args with every string equal to a secret
// value replaced by RedactedToken, for safe logging of the execution log
// entry.
func RedactArgs(secrets SecretView, args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = redactValue(secrets, v)
	}
	return out
}

// translateError implements step 6: every failure mode collapses into one
// of the ErrorKind values plus a structured Detail.
func translateError(err error, out *ringBuffer, start time.Time) Result {
	kind := ErrorRuntime
	detail := Detail{Message: err.Error()}

	if evalErr, ok := err.(*starlark.EvalError); ok {
		detail.Stack = evalErr.Backtrace()
		if len(evalErr.CallStack) > 0 {
			detail.Line = evalErr.CallStack.At(0).Pos.Line
		}
	}
	if derr, ok := domainerr.As(err); ok {
		switch derr.Kind {
		case domainerr.KindSecurityViolation:
			// An egress denial is reported as a network failure; only
			// module-policy violations surface as import errors.
			if errors.Is(err, egress.ErrDenied) {
				kind = ErrorNetwork
			} else {
				kind = ErrorImport
			}
		case domainerr.KindTimeout:
			kind = ErrorTimeout
		case domainerr.KindPrecondition:
			// fd_cap is accounted for inside egress.Filter's dialer, so a
			// breach surfaces as a dial failure rather than a sandbox trap.
			kind = ErrorNetwork
		default:
			kind = ErrorRuntime
		}
	}
	if strings.Contains(detail.Message, "Get \"") || strings.Contains(detail.Message, "dial tcp") {
		kind = ErrorNetwork
	}

	return Result{
		ErrorKind:  kind,
		Detail:     detail,
		Stdout:     out.String(),
		Truncated:  out.truncated,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// ringBuffer captures stdout up to a fixed cap, setting a truncation
// flag for anything dropped past it.
type ringBuffer struct {
	buf       []byte
	cap       int
	truncated bool
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	room := r.cap - len(r.buf)
	if room <= 0 {
		r.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		r.buf = append(r.buf, p[:room]...)
		r.truncated = true
		return len(p), nil
	}
	r.buf = append(r.buf, p...)
	return len(p), nil
}

func (r *ringBuffer) String() string { return string(r.buf) }
