// Package evalctx builds the evaluation root and named variables for an
// expression, from either the launch context or the in-progress
// QuestionnaireResponse.
package evalctx

import (
	"strings"
	"sync"

	"github.com/ormasoftchile/mapdebug/pkg/fhir"
	"github.com/ormasoftchile/mapdebug/pkg/remote"
)

// Kind selects where an expression is evaluated.
type Kind string

const (
	// KindLaunchContext evaluates against one launch parameter, e.g. %Patient.name.
	KindLaunchContext Kind = "LaunchContext"
	// KindQuestionnaireResponse evaluates against the populated response.
	KindQuestionnaireResponse Kind = "QuestionnaireResponse"
)

// Target is the expression being debugged and where it runs.
type Target struct {
	Kind       Kind
	Expression string
}

// Resolution is everything an evaluator needs for one run.
type Resolution struct {
	Root any
	Vars *Vars
	// MatchedIndex is the launch parameter position that supplied Root,
	// or -1 for response targets.
	MatchedIndex int
}

// LeadingIdentifier returns the token between the first character of expr and
// its first '.': "%Patient.name" → "Patient".
func LeadingIdentifier(expr string) string {
	if len(expr) < 2 {
		return ""
	}
	rest := expr[1:]
	if i := strings.IndexByte(rest, '.'); i >= 0 {
		return rest[:i]
	}
	return rest
}

// Resolve produces the evaluation context for target. It reports false when
// the data is not available yet (response not loaded, launch parameter
// missing or still empty) and the caller must not evaluate.
func Resolve(target Target, launch fhir.Parameters, response remote.Data[fhir.Resource]) (Resolution, bool) {
	switch target.Kind {
	case KindLaunchContext:
		name := LeadingIdentifier(target.Expression)
		param, idx, ok := launch.Lookup(name)
		if !ok || param.Content() == nil {
			return Resolution{}, false
		}
		vars := NewVars()
		for _, p := range launch.Parameter {
			if content := p.Content(); content != nil {
				vars.Set(p.Name, content)
			}
		}
		return Resolution{Root: param.Content(), Vars: vars, MatchedIndex: idx}, true

	case KindQuestionnaireResponse:
		doc, ok := response.Get()
		if !ok || doc == nil {
			return Resolution{}, false
		}
		vars := NewVars()
		vars.Set(doc.Type(), doc)
		return Resolution{Root: doc, Vars: vars, MatchedIndex: -1}, true
	}
	return Resolution{}, false
}

// Resolver wraps Resolve and remembers which launch parameter the last
// launch-context resolution matched, so its value can be shown next to the
// expression result. Re-resolving the same target is idempotent.
type Resolver struct {
	mu      sync.Mutex
	matched int
	param   fhir.Parameter
}

// NewResolver returns a resolver with no recorded match.
func NewResolver() *Resolver {
	return &Resolver{matched: -1}
}

// Resolve resolves target and records the matched launch parameter.
func (r *Resolver) Resolve(target Target, launch fhir.Parameters, response remote.Data[fhir.Resource]) (Resolution, bool) {
	res, ok := Resolve(target, launch, response)
	if ok && target.Kind == KindLaunchContext {
		r.mu.Lock()
		r.matched = res.MatchedIndex
		r.param = launch.Parameter[res.MatchedIndex]
		r.mu.Unlock()
	}
	return res, ok
}

// Matched returns the launch parameter recorded by the last successful
// launch-context resolution.
func (r *Resolver) Matched() (fhir.Parameter, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.matched < 0 {
		return fhir.Parameter{}, -1, false
	}
	return r.param, r.matched, true
}
