// Package issues maps the issues of a failed Questionnaire save back to the
// embedded mapping slots they refer to.
package issues

import (
	"strconv"
	"strings"

	"github.com/ormasoftchile/mapdebug/pkg/fhir"
)

// slotPrefix locates a mapping slot in an issue expression. Its length (21)
// is part of the store's contract.
const slotPrefix = fhir.TypeQuestionnaire + ".mapping"

// SlotResolution links one issue to the slot that must be created and
// re-referenced.
type SlotResolution struct {
	IssueIndex int
	SlotIndex  int
	// SlotID is the slot's current id; empty when never assigned.
	SlotID   string
	Document *fhir.Questionnaire
}

// SlotIndex parses "Questionnaire.mapping[N]" (or the dotted
// "Questionnaire.mapping.N") and returns N. Paths into a slot, such as
// "Questionnaire.mapping[0].body", are not slot references.
func SlotIndex(expression string) (int, bool) {
	if !strings.HasPrefix(expression, slotPrefix) {
		return 0, false
	}
	rest := expression[len(slotPrefix):]
	var digits string
	switch {
	case strings.HasPrefix(rest, "[") && strings.HasSuffix(rest, "]"):
		digits = rest[1 : len(rest)-1]
	case strings.HasPrefix(rest, "."):
		digits = rest[1:]
	default:
		return 0, false
	}
	if digits == "" || strings.TrimLeft(digits, "0123456789") != "" {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ResolveSlot resolves issue issueIndex of outcome against q. It reports
// false when the issue is not an invalid-reference issue on an existing
// Mapping slot; such issues are surfaced to the user as-is.
func ResolveSlot(outcome *fhir.OperationOutcome, issueIndex int, q *fhir.Questionnaire) (SlotResolution, bool) {
	if !outcome.IsOutcome() || q == nil {
		return SlotResolution{}, false
	}
	issue, ok := outcome.IssueAt(issueIndex)
	if !ok || issue.Code != fhir.IssueInvalid {
		return SlotResolution{}, false
	}
	idx, ok := SlotIndex(issue.Path())
	if !ok {
		return SlotResolution{}, false
	}
	slot, ok := q.Slot(idx)
	if !ok || !slot.IsMapping() {
		return SlotResolution{}, false
	}
	return SlotResolution{
		IssueIndex: issueIndex,
		SlotIndex:  idx,
		SlotID:     slot.ID,
		Document:   q,
	}, true
}

// Partition splits the issues of outcome into slot resolutions and the
// positions of issues that cannot be resolved, both in issue order. Issues
// resolving to the same slot stay separate entries.
func Partition(outcome *fhir.OperationOutcome, q *fhir.Questionnaire) (resolvable []SlotResolution, unresolvable []int) {
	if outcome == nil {
		return nil, nil
	}
	for i := range outcome.Issue {
		if res, ok := ResolveSlot(outcome, i, q); ok {
			resolvable = append(resolvable, res)
			continue
		}
		unresolvable = append(unresolvable, i)
	}
	return resolvable, unresolvable
}
