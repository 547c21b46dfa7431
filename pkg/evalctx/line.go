package evalctx

import (
	"fmt"
	"strings"
)

// exprMarker introduces an expression value on a mapping line: `name: $ %Patient.name`.
const exprMarker = "$ "

// KindOf classifies an expression: a leading '%' references the launch
// context, anything else runs against the QuestionnaireResponse.
func KindOf(expression string) Kind {
	if strings.HasPrefix(expression, "%") {
		return KindLaunchContext
	}
	return KindQuestionnaireResponse
}

// LineTarget extracts the expression on a 0-based line of text.
func LineTarget(text string, line int) (Target, error) {
	lines := strings.Split(text, "\n")
	if line < 0 || line >= len(lines) {
		return Target{}, fmt.Errorf("line %d out of range (have %d)", line+1, len(lines))
	}
	i := strings.Index(lines[line], exprMarker)
	if i < 0 {
		return Target{}, fmt.Errorf("line %d has no expression", line+1)
	}
	expression := strings.TrimSpace(lines[line][i+len(exprMarker):])
	if expression == "" {
		return Target{}, fmt.Errorf("line %d has an empty expression", line+1)
	}
	return Target{Kind: KindOf(expression), Expression: expression}, nil
}

// ReplaceLine rewrites the expression on a 0-based line of text, keeping
// everything before the marker (indentation, key) intact.
func ReplaceLine(text string, line int, expression string) (string, error) {
	lines := strings.Split(text, "\n")
	if line < 0 || line >= len(lines) {
		return "", fmt.Errorf("line %d out of range (have %d)", line+1, len(lines))
	}
	i := strings.Index(lines[line], exprMarker)
	if i < 0 {
		return "", fmt.Errorf("line %d has no expression", line+1)
	}
	lines[line] = lines[line][:i+len(exprMarker)] + strings.TrimSpace(expression)
	return strings.Join(lines, "\n"), nil
}
