package sandbox

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ormasoftchile/mapdebug/pkg/evaluator"
	"github.com/ormasoftchile/mapdebug/pkg/fhir"
)

// exprPrefix marks a template string as an expression: "$ %Patient.id".
const exprPrefix = "$ "

// TemplateError locates a failing expression inside a mapping body.
type TemplateError struct {
	Path string
	Err  error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

// Render expands a mapping body against root. Every string value starting
// with "$ " is replaced by the result of its expression; everything else is
// copied. Object keys are visited in sorted order so the first error is
// stable.
func Render(ev evaluator.Evaluator, body any, root any, vars map[string]any) (any, error) {
	return render(ev, body, root, vars, "body")
}

func render(ev evaluator.Evaluator, node any, root any, vars map[string]any, path string) (any, error) {
	switch v := node.(type) {
	case string:
		if !strings.HasPrefix(v, exprPrefix) {
			return v, nil
		}
		out, err := ev.Evaluate(root, strings.TrimPrefix(v, exprPrefix), vars)
		if err != nil {
			return nil, &TemplateError{Path: path, Err: err}
		}
		return fhir.Plain(out)
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(v))
		for _, k := range keys {
			r, err := render(ev, v[k], root, vars, path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case fhir.Resource:
		return render(ev, map[string]any(v), root, vars, path)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := render(ev, item, root, vars, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}
