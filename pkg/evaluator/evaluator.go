// Package evaluator runs path expressions against a resolved context and
// renders the result as text for the expression debugger.
package evaluator

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/mapdebug/pkg/fhir"
)

// Evaluator computes the value of expression against root with the given
// named variables.
type Evaluator interface {
	Evaluate(root any, expression string, vars map[string]any) (any, error)
}

// Func adapts a plain function to Evaluator.
type Func func(root any, expression string, vars map[string]any) (any, error)

func (f Func) Evaluate(root any, expression string, vars map[string]any) (any, error) {
	return f(root, expression, vars)
}

// ─── expr-lang backend ──────────────────────────────────────────────────────

// varRef matches FHIRPath-style external constants (%Patient, %resource) that
// are not the modulo operator.
var varRef = regexp.MustCompile(`(^|[\s(\[,!=<>+*/-])%([A-Za-z_][A-Za-z0-9_]*)`)

// Expr evaluates expressions with expr-lang. %name references become plain
// identifiers, and the environment holds the root's top-level fields, every
// variable, and the root itself as "resource" and "context".
type Expr struct{}

func (Expr) Evaluate(root any, expression string, vars map[string]any) (any, error) {
	code := Rewrite(expression)
	if code == "" {
		return nil, fmt.Errorf("empty expression")
	}
	env := buildEnv(root, vars)
	program, err := expr.Compile(code, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("eval %q: %w", expression, err)
	}
	return out, nil
}

// Rewrite turns %name references into identifiers expr-lang understands.
func Rewrite(expression string) string {
	return varRef.ReplaceAllString(strings.TrimSpace(expression), "$1$2")
}

func buildEnv(root any, vars map[string]any) map[string]any {
	env := make(map[string]any, len(vars)+8)
	switch r := root.(type) {
	case fhir.Resource:
		for k, v := range r {
			env[k] = v
		}
	case map[string]any:
		for k, v := range r {
			env[k] = v
		}
	}
	for k, v := range vars {
		env[k] = v
	}
	env["resource"] = root
	env["context"] = root
	return env
}

// ─── Display ────────────────────────────────────────────────────────────────

// Facade turns any evaluation outcome into display text.
type Facade struct {
	Evaluator Evaluator
}

// NewFacade wraps ev; a nil ev selects the expr-lang backend.
func NewFacade(ev Evaluator) *Facade {
	if ev == nil {
		ev = Expr{}
	}
	return &Facade{Evaluator: ev}
}

// EvaluateForDisplay returns the rendered result, or the failure text when
// evaluation or rendering fails. It never panics.
func (f *Facade) EvaluateForDisplay(root any, expression string, vars map[string]any) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = fmt.Sprint(r)
		}
	}()
	result, err := f.Evaluator.Evaluate(root, expression, vars)
	if err != nil {
		return err.Error()
	}
	text, err := Render(result)
	if err != nil {
		return err.Error()
	}
	return text
}

// Render reduces v to plain data and writes it as block YAML with a two
// space indent.
func Render(v any) (string, error) {
	plain, err := fhir.Plain(v)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(plain); err != nil {
		return "", fmt.Errorf("render: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("render: %w", err)
	}
	return buf.String(), nil
}
