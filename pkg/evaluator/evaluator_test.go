package evaluator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ormasoftchile/mapdebug/pkg/errors"
	"github.com/ormasoftchile/mapdebug/pkg/fhir"
)

var patient = fhir.Resource{
	"resourceType": "Patient",
	"id":           "pt-1",
	"name": []any{
		map[string]any{"family": "Smith", "given": []any{"Ann", "Lee"}},
	},
}

func TestRewrite(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"%Patient.name", "Patient.name"},
		{"  %Patient.id  ", "Patient.id"},
		{"len(%Patient.name) > 0", "len(Patient.name) > 0"},
		{"a % b", "a % b"},
		{"status == 'done'", "status == 'done'"},
		{"%Patient.id + %Encounter.id", "Patient.id + Encounter.id"},
	}
	for _, tt := range tests {
		if got := Rewrite(tt.in); got != tt.want {
			t.Errorf("Rewrite(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExprEvaluate(t *testing.T) {
	vars := map[string]any{"Patient": patient}

	got, err := Expr{}.Evaluate(patient, "%Patient.name[0].family", vars)
	require.NoError(t, err)
	assert.Equal(t, "Smith", got)

	// Top-level fields of the root are directly addressable.
	got, err = Expr{}.Evaluate(patient, "id", vars)
	require.NoError(t, err)
	assert.Equal(t, "pt-1", got)

	got, err = Expr{}.Evaluate(patient, "resource.resourceType", vars)
	require.NoError(t, err)
	assert.Equal(t, "Patient", got)

	_, err = Expr{}.Evaluate(patient, "", vars)
	assert.Error(t, err)
}

func TestEvaluateForDisplayRendersYAML(t *testing.T) {
	f := NewFacade(nil)
	out := f.EvaluateForDisplay(patient, "%Patient.name", map[string]any{"Patient": patient})
	assert.True(t, strings.HasPrefix(out, "- family: Smith\n  given:\n"), "got:\n%s", out)
	assert.Contains(t, out, "- Ann\n")
	assert.Contains(t, out, "- Lee\n")
}

func TestEvaluateForDisplayErrorText(t *testing.T) {
	f := NewFacade(Func(func(any, string, map[string]any) (any, error) {
		return nil, errors.New("unexpected token")
	}))
	assert.Equal(t, "unexpected token", f.EvaluateForDisplay(nil, "x..y", nil))
}

func TestEvaluateForDisplayNeverPanics(t *testing.T) {
	f := NewFacade(Func(func(any, string, map[string]any) (any, error) {
		panic("evaluator exploded")
	}))
	var out string
	require.NotPanics(t, func() { out = f.EvaluateForDisplay(nil, "x", nil) })
	assert.Equal(t, "evaluator exploded", out)

	// A result that cannot be reduced to plain data is reported, not raised.
	f = NewFacade(Func(func(any, string, map[string]any) (any, error) {
		return make(chan int), nil
	}))
	require.NotPanics(t, func() { out = f.EvaluateForDisplay(nil, "x", nil) })
	assert.True(t, strings.Contains(out, "chan"), "got %q", out)

	// Syntax errors from the real backend come back as text.
	out = NewFacade(nil).EvaluateForDisplay(patient, "name[[", nil)
	assert.NotEmpty(t, out)
}

func TestRenderScalars(t *testing.T) {
	out, err := Render("Smith")
	require.NoError(t, err)
	assert.Equal(t, "Smith\n", out)

	out, err = Render(nil)
	require.NoError(t, err)
	assert.Equal(t, "null\n", out)
}

func TestMemoSkipsUnchangedInputs(t *testing.T) {
	calls := 0
	m := NewMemo(NewFacade(Func(func(root any, expr string, vars map[string]any) (any, error) {
		calls++
		return expr, nil
	})))
	vars := map[string]any{"Patient": patient}

	first := m.Display(patient, "%Patient.id", vars)
	second := m.Display(patient.Clone(), "%Patient.id", map[string]any{"Patient": patient.Clone()})
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, m.Runs())

	m.Display(patient, "%Patient.name", vars)
	assert.Equal(t, 2, calls)

	changed := patient.Clone()
	changed["id"] = "pt-2"
	m.Display(changed, "%Patient.name", vars)
	assert.Equal(t, 3, calls)

	m.Reset()
	m.Display(changed, "%Patient.name", vars)
	assert.Equal(t, 4, calls)
}
