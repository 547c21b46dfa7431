package fhir

import (
	"strings"
)

// Issue codes the reconciliation flow cares about.
const (
	IssueInvalid  = "invalid"
	IssueConflict = "conflict"
	IssueNotFound = "not-found"
)

// OperationOutcome is the structured failure report returned by the store.
type OperationOutcome struct {
	ResourceType string  `json:"resourceType"`
	ID           string  `json:"id,omitempty"`
	Issue        []Issue `json:"issue"`
}

// Issue is one entry of an OperationOutcome.
type Issue struct {
	Severity    string           `json:"severity,omitempty"`
	Code        string           `json:"code,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

// CodeableConcept carries the human-readable text of issue details.
type CodeableConcept struct {
	Text string `json:"text,omitempty"`
}

// Path returns the first expression locating the issue, or "".
func (i Issue) Path() string {
	if len(i.Expression) == 0 {
		return ""
	}
	return i.Expression[0]
}

// Description returns the diagnostics, falling back to details.text.
func (i Issue) Description() string {
	if i.Diagnostics != "" {
		return i.Diagnostics
	}
	if i.Details != nil {
		return i.Details.Text
	}
	return ""
}

// IsOutcome reports whether the report really is an OperationOutcome.
func (o *OperationOutcome) IsOutcome() bool {
	return o != nil && o.ResourceType == TypeOperationOutcome
}

// IssueAt returns the issue at index, or false when out of range.
func (o *OperationOutcome) IssueAt(index int) (Issue, bool) {
	if o == nil || index < 0 || index >= len(o.Issue) {
		return Issue{}, false
	}
	return o.Issue[index], true
}

func (o *OperationOutcome) Error() string {
	if o == nil || len(o.Issue) == 0 {
		return "operation outcome without issues"
	}
	parts := make([]string, 0, len(o.Issue))
	for _, is := range o.Issue {
		msg := is.Description()
		if msg == "" {
			msg = is.Code
		}
		if p := is.Path(); p != "" {
			msg += " at " + p
		}
		parts = append(parts, msg)
	}
	return strings.Join(parts, "; ")
}
