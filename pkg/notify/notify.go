// Package notify formats and delivers the toasts raised by save, reconcile
// and debug flows, and keeps the per-panel error state.
package notify

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ormasoftchile/mapdebug/pkg/errors"
	"github.com/ormasoftchile/mapdebug/pkg/fhir"
)

// Kind of notification.
type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
)

// MappingCreated is the text of the reconciliation success toast.
const MappingCreated = "New mapper created"

// Notification is one toast. IssueIndex tags error toasts with the position
// of the issue they report.
type Notification struct {
	Kind       Kind   `json:"kind"`
	Text       string `json:"text"`
	IssueIndex *int   `json:"issue_index,omitempty"`
}

// Index returns the issue tag, if any.
func (n Notification) Index() (int, bool) {
	if n.IssueIndex == nil {
		return 0, false
	}
	return *n.IssueIndex, true
}

// Notifier presents notifications to the user.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// Success builds the untagged success toast.
func Success() Notification {
	return Notification{Kind: KindSuccess, Text: MappingCreated}
}

// Error builds an error toast for err, tagged with issueIndex when
// issueIndex >= 0.
func Error(err error, issueIndex int) Notification {
	n := Notification{Kind: KindError, Text: FormatError(err, issueIndex)}
	if issueIndex >= 0 {
		idx := issueIndex
		n.IssueIndex = &idx
	}
	return n
}

// FormatError renders err for a toast. When err carries an OperationOutcome
// the issue at issueIndex supplies the text:
//
//	An error occurred: <diagnostics> <expression> (<code>).
//
// A conflict is reported as "Please reload page".
func FormatError(err error, issueIndex int) string {
	var outcome *fhir.OperationOutcome
	if !errors.As(err, &outcome) || len(outcome.Issue) == 0 {
		if errors.IsConflict(err) {
			return "Please reload page"
		}
		return fmt.Sprintf("An error occurred: %s", errorText(err))
	}
	return FormatOutcome(outcome, issueIndex)
}

// FormatOutcome renders one issue of outcome. Out-of-range indexes fall back
// to the first issue's description and an empty expression.
func FormatOutcome(outcome *fhir.OperationOutcome, issueIndex int) string {
	first, _ := outcome.IssueAt(0)
	code := first.Code
	if code == fhir.IssueConflict {
		return "Please reload page"
	}
	description := first.Description()
	var path string
	if issue, ok := outcome.IssueAt(issueIndex); ok {
		if issue.Diagnostics != "" {
			description = issue.Diagnostics
		}
		path = issue.Path()
	}
	if code == "" {
		code = "unknown"
	}
	return strings.TrimSpace(fmt.Sprintf("An error occurred: %s %s", description, path)) + fmt.Sprintf(" (%s).", code)
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// ─── Fan-out ────────────────────────────────────────────────────────────────

// Multi delivers every notification to each notifier in order.
type Multi []Notifier

func (m Multi) Notify(n Notification) {
	for _, each := range m {
		if each != nil {
			each.Notify(n)
		}
	}
}

// Recorder keeps every notification it receives.
type Recorder struct {
	mu  sync.Mutex
	all []Notification
}

func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	r.all = append(r.all, n)
	r.mu.Unlock()
}

// All returns a copy of the recorded notifications.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.all...)
}

// Count returns how many notifications of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, each := range r.all {
		if each.Kind == kind {
			n++
		}
	}
	return n
}
