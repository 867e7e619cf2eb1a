// Package expr defines the narrow expression-evaluation contract that the
// engine consumes, along with Bindings: the mutable variable scope shared
// by the plan item instances of a case.
//
// An Evaluator may read and write Bindings, but it must never reach back
// into the engine (say to enqueue work).  That discipline keeps expression
// evaluation side-effect-free with respect to the engine's bookkeeping.
package expr

import (
	"context"
	"errors"
)

var (
	// EvaluatorNotFound occurs when a Source names a language with no
	// registered Evaluator.
	EvaluatorNotFound = errors.New("evaluator not found")

	// DefaultEvaluators will be used by Source.Compile when given nil
	// evaluators.
	DefaultEvaluators = make(map[string]Evaluator)
)

// Bindings is a map from variable names to their values.
type Bindings map[string]interface{}

func NewBindings() Bindings {
	return make(Bindings, 8)
}

// Extend adds the property; modifies and returns the Bindings.
func (bs Bindings) Extend(p string, v interface{}) Bindings {
	bs[p] = v
	return bs
}

// Remove removes the given keys.
//
// The Bindings are modified.
func (bs Bindings) Remove(ps ...string) Bindings {
	for _, p := range ps {
		delete(bs, p)
	}
	return bs
}

// Copy makes a shallow copy of the Bindings.
func (bs Bindings) Copy() Bindings {
	acc := make(Bindings, len(bs))
	for k, v := range bs {
		acc[k] = v
	}
	return acc
}

// Overlay writes all of the given Bindings into the receiver.
func (bs Bindings) Overlay(more Bindings) Bindings {
	for k, v := range more {
		bs[k] = v
	}
	return bs
}

// Evaluator can optionally compile and then evaluate expression source
// against some Bindings.
type Evaluator interface {
	// Compile can make something that helps when Eval()ing the source
	// later.
	Compile(ctx context.Context, src string) (interface{}, error)

	// Eval evaluates the source.  The result of a previous Compile()
	// might be provided.
	Eval(ctx context.Context, src string, compiled interface{}, bs Bindings) (interface{}, error)
}

// Source is a bit of expression source code tagged with the language that
// should evaluate it.
//
// A Source must be Compiled before Eval is called.  Usually that happens
// as part of model.CaseDef.Compile.
type Source struct {
	Language string `json:"language,omitempty" yaml:"language,omitempty"`
	Source   string `json:"source" yaml:"source"`

	evaluator Evaluator
	compiled  interface{}
}

// Compile resolves the Source's language against the given evaluators,
// which default to DefaultEvaluators, and precompiles the source.
func (s *Source) Compile(ctx context.Context, evaluators map[string]Evaluator) error {
	if evaluators == nil {
		evaluators = DefaultEvaluators
	}
	ev, have := evaluators[s.Language]
	if !have {
		return EvaluatorNotFound
	}
	compiled, err := ev.Compile(ctx, s.Source)
	if err != nil {
		return err
	}
	s.evaluator = ev
	s.compiled = compiled
	return nil
}

// Compiled reports whether Compile has succeeded.
func (s *Source) Compiled() bool {
	return s != nil && s.evaluator != nil
}

// Eval evaluates the compiled source against the given Bindings.
func (s *Source) Eval(ctx context.Context, bs Bindings) (interface{}, error) {
	if s.evaluator == nil {
		return nil, errors.New("expression not compiled: " + s.Source)
	}
	return s.evaluator.Eval(ctx, s.Source, s.compiled, bs)
}

// Truthy gives the boolean reading of an evaluation result.
//
// Only the boolean true (and its obvious encodings) count.  A condition
// that evaluates to anything else reads as false rather than an error,
// which is what you want for partially-populated variable scopes.
func Truthy(x interface{}) bool {
	switch v := x.(type) {
	case bool:
		return v
	case string:
		return v == "true"
	case nil:
		return false
	default:
		return false
	}
}
