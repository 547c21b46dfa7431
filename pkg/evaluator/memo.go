package evaluator

import (
	"sync"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/ormasoftchile/mapdebug/pkg/logging"
)

// Memo caches the last display text and re-evaluates only when the
// expression, root or variables change structurally.
type Memo struct {
	facade *Facade
	log    *zap.SugaredLogger

	mu    sync.Mutex
	valid bool
	expr  string
	root  any
	vars  map[string]any
	out   string
	runs  int
}

// NewMemo wraps facade.
func NewMemo(facade *Facade) *Memo {
	return &Memo{facade: facade, log: logging.Named("evaluator")}
}

// Display returns the text for the inputs, evaluating only on change.
func (m *Memo) Display(root any, expression string, vars map[string]any) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.valid && m.expr == expression && equal(m.root, root) && equal(m.vars, vars) {
		m.log.Debugw("memo hit", "expression", expression)
		return m.out
	}
	m.out = m.facade.EvaluateForDisplay(root, expression, vars)
	m.expr, m.root, m.vars = expression, root, vars
	m.valid = true
	m.runs++
	return m.out
}

// Runs returns how many evaluations actually ran.
func (m *Memo) Runs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs
}

// Reset forgets the cached result.
func (m *Memo) Reset() {
	m.mu.Lock()
	m.valid = false
	m.mu.Unlock()
}

// equal compares structurally; values cmp refuses to compare count as changed.
func equal(a, b any) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return cmp.Equal(a, b)
}
