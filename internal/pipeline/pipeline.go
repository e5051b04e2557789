// Package pipeline is a small interpreter for ordered lists of typed stages:
// contract validation, policy gates, model fetches, side-effecting steps and
// transactional groups. Stages run in declaration order against a shared
// named-result context and execution stops at the first failure.
package pipeline

import (
	"context"
	"fmt"
	"reflect"
)

type Kind string

const (
	KindContract    Kind = "contract"
	KindPolicy      Kind = "policy"
	KindModel       Kind = "model"
	KindStep        Kind = "step"
	KindTransaction Kind = "transaction"
)

// Context is the accumulating named-result map threaded through the stages.
// Later stages read the outputs of earlier ones by name.
type Context struct {
	values map[string]any
}

func NewContext() *Context {
	return &Context{values: make(map[string]any)}
}

func (c *Context) Set(name string, value any) {
	c.values[name] = value
}

func (c *Context) Get(name string) any {
	return c.values[name]
}

func (c *Context) Lookup(name string) (any, bool) {
	v, ok := c.values[name]
	return v, ok
}

func (c *Context) Delete(name string) {
	delete(c.values, name)
}

// ContractFunc validates and normalizes raw input, typically storing a typed
// value into the context. Any returned error fails the contract stage.
type ContractFunc func(ctx context.Context, pctx *Context) error

// PolicyFunc is a boolean gate. Returning (false, nil) is a named policy
// rejection; a non-nil error is an infrastructure failure of the gate itself.
type PolicyFunc func(ctx context.Context, pctx *Context) (bool, error)

// ModelFunc fetches or computes the stage's named value. Returning a nil
// value means the model was not found.
type ModelFunc func(ctx context.Context, pctx *Context) (any, error)

// StepFunc performs a side effect.
type StepFunc func(ctx context.Context, pctx *Context) error

// TxFunc wraps the nested stages of a transactional group in one atomic
// unit: fn runs the group and any error must roll the unit back.
type TxFunc func(ctx context.Context, pctx *Context, fn func() error) error

type Stage struct {
	name     string
	kind     Kind
	optional bool
	nonFatal bool

	contract ContractFunc
	policy   PolicyFunc
	model    ModelFunc
	step     StepFunc

	tx     TxFunc
	nested []Stage
}

func (s Stage) Name() string { return s.name }
func (s Stage) Kind() Kind   { return s.kind }

func Contract(name string, fn ContractFunc) Stage {
	return Stage{name: name, kind: KindContract, contract: fn}
}

func Policy(name string, fn PolicyFunc) Stage {
	return Stage{name: name, kind: KindPolicy, policy: fn}
}

func Model(name string, fn ModelFunc) Stage {
	return Stage{name: name, kind: KindModel, model: fn}
}

// OptionalModel is a model stage whose absence is not a failure: a nil value
// simply leaves the name unset.
func OptionalModel(name string, fn ModelFunc) Stage {
	return Stage{name: name, kind: KindModel, optional: true, model: fn}
}

func Step(name string, fn StepFunc) Stage {
	return Stage{name: name, kind: KindStep, step: fn}
}

// NonFatalStep records a failure as a warning on the result and lets
// execution continue. Used for post-commit notification stages whose errors
// must not unwind the committed work.
func NonFatalStep(name string, fn StepFunc) Stage {
	return Stage{name: name, kind: KindStep, nonFatal: true, step: fn}
}

// Transaction groups nested stages into one atomic unit driven by tx.
func Transaction(name string, tx TxFunc, nested ...Stage) Stage {
	return Stage{name: name, kind: KindTransaction, tx: tx, nested: nested}
}

// ContractError reports a failed contract stage.
type ContractError struct {
	Stage string
	Err   error
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("contract %s: %v", e.Stage, e.Err)
}

func (e *ContractError) Unwrap() error { return e.Err }

// PolicyError reports a policy gate that returned false.
type PolicyError struct {
	Policy string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("policy %s rejected", e.Policy)
}

// NotFoundError reports a required model that could not be fetched.
type NotFoundError struct {
	Model string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("model %s not found", e.Model)
}

// Warning captures a non-fatal stage failure.
type Warning struct {
	Stage string
	Err   error
}

// Result is the outcome of running a stage list. On failure, FailedStage
// identifies the first failing stage and Err carries its typed error; the
// context still holds every value produced by the stages that succeeded.
type Result struct {
	OK          bool
	FailedStage string
	Err         error
	Warnings    []Warning
	Ctx         *Context
}

// Failed reports whether the named stage is the one that failed.
func (r Result) Failed(stage string) bool {
	return !r.OK && r.FailedStage == stage
}

// Run executes the stages in order against pctx, short-circuiting at the
// first fatal failure.
func Run(ctx context.Context, pctx *Context, stages []Stage) Result {
	result := Result{OK: true, Ctx: pctx}
	runStages(ctx, pctx, stages, &result)
	return result
}

func runStages(ctx context.Context, pctx *Context, stages []Stage, result *Result) {
	for _, stage := range stages {
		err := runStage(ctx, pctx, stage, result)
		if !result.OK {
			// A nested stage inside a transaction already recorded the failure;
			// keep its identity rather than the group's.
			return
		}
		if err != nil {
			result.OK = false
			result.FailedStage = stage.name
			result.Err = err
			return
		}
	}
}

func runStage(ctx context.Context, pctx *Context, stage Stage, result *Result) error {
	switch stage.kind {
	case KindContract:
		if err := stage.contract(ctx, pctx); err != nil {
			return &ContractError{Stage: stage.name, Err: err}
		}
	case KindPolicy:
		ok, err := stage.policy(ctx, pctx)
		if err != nil {
			return err
		}
		if !ok {
			return &PolicyError{Policy: stage.name}
		}
	case KindModel:
		value, err := stage.model(ctx, pctx)
		if err != nil {
			return err
		}
		if isNil(value) {
			if stage.optional {
				return nil
			}
			return &NotFoundError{Model: stage.name}
		}
		pctx.Set(stage.name, value)
	case KindStep:
		if err := stage.step(ctx, pctx); err != nil {
			if stage.nonFatal {
				result.Warnings = append(result.Warnings, Warning{Stage: stage.name, Err: err})
				return nil
			}
			return err
		}
	case KindTransaction:
		return stage.tx(ctx, pctx, func() error {
			inner := Result{OK: true, Ctx: pctx}
			runStages(ctx, pctx, stage.nested, &inner)
			result.Warnings = append(result.Warnings, inner.Warnings...)
			if !inner.OK {
				result.OK = false
				result.FailedStage = inner.FailedStage
				result.Err = inner.Err
				return inner.Err
			}
			return nil
		})
	default:
		return fmt.Errorf("unknown stage kind %q", stage.kind)
	}
	return nil
}

func isNil(value any) bool {
	if value == nil {
		return true
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
