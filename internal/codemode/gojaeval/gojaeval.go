// Package gojaeval provides an in-process codemode evaluator backed by the
// goja JavaScript interpreter. It satisfies the scoped evaluator contract:
// acquire with New, run with Eval, release with Close on every exit path.
package gojaeval

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dop251/goja"

	"github.com/convoyai/convoy/internal/codemode"
	"github.com/convoyai/convoy/pkg/models"
)

// Evaluator runs generated codemode programs in a fresh JavaScript runtime
// with the tool function table installed as promise-returning globals.
// An Evaluator is single-use: one Eval, then Close.
type Evaluator struct {
	vm    *goja.Runtime
	funcs map[string]codemode.ToolFunc

	mu       sync.Mutex
	calls    []models.RecordedToolCall
	closed   bool
	closeOne sync.Once
}

// New builds an evaluator over the given function table.
func New(_ context.Context, funcs map[string]codemode.ToolFunc) (*Evaluator, error) {
	return &Evaluator{vm: goja.New(), funcs: funcs}, nil
}

// Setup adapts New to the codemode.SetupFunc contract.
func Setup(ctx context.Context, funcs map[string]codemode.ToolFunc) (codemode.Evaluator, error) {
	return New(ctx, funcs)
}

// Eval installs the tool table, runs the generated program, invokes
// codemode(), and unwraps its promise. Inner tool calls are recorded in
// call order.
func (e *Evaluator) Eval(ctx context.Context, code, statusText string) (codemode.EvalResult, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return codemode.EvalResult{}, errors.New("evaluator is closed")
	}
	e.mu.Unlock()

	for name, fn := range e.funcs {
		if err := e.vm.Set(name, e.bridge(ctx, name, fn)); err != nil {
			return codemode.EvalResult{}, fmt.Errorf("install tool %s: %w", name, err)
		}
	}

	// Interrupt the interpreter if the context dies mid-program.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			e.vm.Interrupt(ctx.Err())
		case <-watchDone:
		}
	}()

	program := code + "\n;codemode();"
	value, err := e.vm.RunString(program)
	if err != nil {
		return codemode.EvalResult{}, fmt.Errorf("codemode program failed: %w", err)
	}

	result, err := e.unwrap(value)
	if err != nil {
		return codemode.EvalResult{}, err
	}

	e.mu.Lock()
	calls := append([]models.RecordedToolCall(nil), e.calls...)
	e.mu.Unlock()

	return codemode.EvalResult{
		Result:            result,
		ToolCalls:         calls,
		DynamicWorkerCode: program,
	}, nil
}

// Close releases the runtime. Safe to call more than once.
func (e *Evaluator) Close() error {
	e.closeOne.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		e.vm.Interrupt(errors.New("evaluator closed"))
	})
	return nil
}

// bridge exposes a Go tool func as a promise-returning JavaScript function.
// Resolution is synchronous; goja drains the job queue before RunString
// returns, so awaiting these promises works without an event loop.
func (e *Evaluator) bridge(ctx context.Context, name string, fn codemode.ToolFunc) func(goja.FunctionCall) goja.Value {
	return func(jsCall goja.FunctionCall) goja.Value {
		var input map[string]any
		if arg := jsCall.Argument(0); arg != nil && !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			if m, ok := arg.Export().(map[string]any); ok {
				input = m
			}
		}

		promise, resolve, reject := e.vm.NewPromise()
		output, err := fn(ctx, input)

		e.mu.Lock()
		e.calls = append(e.calls, models.RecordedToolCall{Tool: name, Input: input, Output: output})
		e.mu.Unlock()

		if err != nil {
			_ = reject(e.vm.NewGoError(err))
		} else {
			_ = resolve(e.vm.ToValue(output))
		}
		return e.vm.ToValue(promise)
	}
}

// unwrap extracts the settled value of the promise codemode() returned.
// Non-promise return values pass through.
func (e *Evaluator) unwrap(value goja.Value) (any, error) {
	promise, ok := value.Export().(*goja.Promise)
	if !ok {
		return value.Export(), nil
	}
	switch promise.State() {
	case goja.PromiseStateFulfilled:
		return promise.Result().Export(), nil
	case goja.PromiseStateRejected:
		return nil, fmt.Errorf("codemode rejected: %s", promise.Result().String())
	default:
		// A pending promise after the job queue drained means the
		// program awaited something that never resolves.
		return nil, errors.New("codemode() did not settle; avoid awaiting external events")
	}
}
