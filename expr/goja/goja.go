// Package goja provides an expr.Evaluator backed by Goja, which is a Go
// implementation of ECMAScript 5.1+.
//
// See https://github.com/dop251/goja.
package goja

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/caseworks/docket/expr"

	"github.com/dop251/goja"
	"github.com/gorhill/cronexpr"
)

var (
	// InterruptedMessage is the string value of Interrupted.
	InterruptedMessage = "RuntimeError: timeout"

	// Interrupted is returned by Eval if the evaluation is
	// interrupted (say by a context deadline).
	Interrupted = errors.New(InterruptedMessage)
)

// init adds an Evaluator as one of the DefaultEvaluators under both "goja"
// and "" so that a Source with no explicit language gets this evaluator.
func init() {
	ev := NewEvaluator()
	expr.DefaultEvaluators["goja"] = ev
	expr.DefaultEvaluators[""] = ev
}

// Evaluator implements expr.Evaluator using Goja.
//
// Condition expressions (sentry if-parts, repetition conditions, blocking
// expressions) are ordinary ECMAScript expressions.  The current variable
// bindings are exposed both as globals (for names that are legal
// identifiers) and at _.bindings.
type Evaluator struct {

	// Testing exposes some runtime capabilities (such as sleep) that
	// production evaluation shouldn't see.
	Testing bool
}

// NewEvaluator makes a new Evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Compile calls goja.Compile on the source.
//
// The source is wrapped in a function, so a source produces its value
// with "return".
func (e *Evaluator) Compile(ctx context.Context, src string) (interface{}, error) {
	obj, err := goja.Compile("", wrap(src), true)
	if err != nil {
		return nil, errors.New(err.Error() + ": " + src)
	}
	return obj, nil
}

func wrap(src string) string {
	return "(function(){ " + src + " }())"
}

func protest(o *goja.Runtime, x interface{}) {
	panic(o.ToValue(x))
}

// Gensym makes a random string of the given length.
func Gensym(n int) string {
	const chars = "abcdefghijklmnopqrstuvwxyz0123456789"
	acc := make([]byte, n)
	for i := range acc {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			panic(err)
		}
		acc[i] = chars[j.Int64()]
	}
	return string(acc)
}

// Eval implements the Evaluator method of the same name.
//
// The following properties are available from the runtime at _.
//
// The most important:
//
//	bindings: the map of the current bindings.
//	set(name, value): write a binding (visible to the caller).
//
// Some useful utilities:
//
//	gensym(): generate a random string.
//	now(): the current time in RFC3339Nano.
//	cronNext(expr): the next cron fire time in RFC3339Nano.
//
// For testing only (requires the Testing flag):
//
//	sleep(ms): sleep for the given number of milliseconds.
func (e *Evaluator) Eval(ctx context.Context, src string, compiled interface{}, bs expr.Bindings) (interface{}, error) {

	var p *goja.Program
	if compiled == nil {
		var err error
		if compiled, err = e.Compile(ctx, src); err != nil {
			return nil, err
		}
	}
	var is bool
	if p, is = compiled.(*goja.Program); !is {
		return nil, fmt.Errorf("goja bad compilation: %T %#v", compiled, compiled)
	}

	o := goja.New()

	env := map[string]interface{}{}

	if bs != nil {
		env["bindings"] = map[string]interface{}(bs.Copy())
		for name, val := range bs {
			// Shadowing env would hide the helpers.
			if name == "_" {
				continue
			}
			o.Set(name, val)
		}
	}

	env["set"] = func(name goja.Value, val goja.Value) interface{} {
		s, isStr := name.Export().(string)
		if !isStr {
			protest(o, "set: name is not a string")
		}
		bs[s] = val.Export()
		return val
	}

	env["gensym"] = func() interface{} {
		return Gensym(32)
	}

	env["now"] = func() interface{} {
		return time.Now().UTC().Format(time.RFC3339Nano)
	}

	env["cronNext"] = func(x interface{}) interface{} {
		switch vv := x.(type) {
		case goja.Value:
			x = vv.Export()
		}
		cronExpr, isStr := x.(string)
		if !isStr {
			protest(o, "not a string")
		}

		c, err := cronexpr.Parse(cronExpr)
		if err != nil {
			protest(o, err.Error())
		}
		return c.Next(time.Now()).UTC().Format(time.RFC3339Nano)
	}

	env["log"] = func(x interface{}) interface{} {
		switch vv := x.(type) {
		case goja.Value:
			x = vv.Export()
		}
		js, err := json.Marshal(&x)
		if err != nil {
			log.Println("goja.log (can't marshal: " + err.Error() + ")")
		} else {
			log.Println(string(js))
		}
		return x
	}

	if e.Testing {
		env["sleep"] = func(ms int) {
			time.Sleep(time.Duration(ms) * time.Millisecond)
		}
	}

	o.Set("_", env)

	// We want to make sure that the following goroutine is terminated
	// as soon as possible.
	ictx, cancel := context.WithCancel(ctx)
	go func() {
		<-ictx.Done()
		// If Eval calls cancel() after RunProgram returns, then
		// we'll never see this InterruptedMessage, which is
		// actually the behavior we want.  In that case, we weren't
		// actually interrupted.
		o.Interrupt(InterruptedMessage)
	}()

	v, err := o.RunProgram(p)
	cancel()

	if err != nil {
		if _, isInt := err.(*goja.InterruptedError); isInt {
			return nil, Interrupted
		}
		return nil, err
	}

	return v.Export(), nil
}
