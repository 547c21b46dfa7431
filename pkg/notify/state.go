package notify

import "sync"

// Panel identifies which error list an entry belongs to.
type Panel string

const (
	PanelQuestionnaire Panel = "questionnaire"
	PanelMapping       Panel = "mapping"
)

// ErrorEntry is one recorded failure. Seq counts entries since the panel's
// last reset, starting at 1.
type ErrorEntry struct {
	Seq        int
	Err        error
	IssueIndex int
}

// ErrorState holds the errors shown next to each panel. It is a value:
// Apply returns a new state and never modifies the receiver.
type ErrorState struct {
	Questionnaire []ErrorEntry
	Mapping       []ErrorEntry
}

// Event changes an ErrorState.
type Event interface {
	apply(ErrorState) ErrorState
}

// ResetQuestionnaireErrors clears the questionnaire panel.
type ResetQuestionnaireErrors struct{}

// AddQuestionnaireError records a questionnaire failure.
type AddQuestionnaireError struct {
	Err        error
	IssueIndex int
}

// ResetMappingErrors clears the mapping panel.
type ResetMappingErrors struct{}

// AddMappingError records a mapping failure.
type AddMappingError struct {
	Err        error
	IssueIndex int
}

func (ResetQuestionnaireErrors) apply(s ErrorState) ErrorState {
	s.Questionnaire = nil
	return s
}

func (e AddQuestionnaireError) apply(s ErrorState) ErrorState {
	s.Questionnaire = appendEntry(s.Questionnaire, e.Err, e.IssueIndex)
	return s
}

func (ResetMappingErrors) apply(s ErrorState) ErrorState {
	s.Mapping = nil
	return s
}

func (e AddMappingError) apply(s ErrorState) ErrorState {
	s.Mapping = appendEntry(s.Mapping, e.Err, e.IssueIndex)
	return s
}

// appendEntry copies so earlier states never share a backing array.
func appendEntry(list []ErrorEntry, err error, issueIndex int) []ErrorEntry {
	out := make([]ErrorEntry, len(list), len(list)+1)
	copy(out, list)
	return append(out, ErrorEntry{Seq: len(list) + 1, Err: err, IssueIndex: issueIndex})
}

// Apply folds events over s.
func (s ErrorState) Apply(events ...Event) ErrorState {
	for _, e := range events {
		s = e.apply(s)
	}
	return s
}

// Entries returns the list for panel.
func (s ErrorState) Entries(panel Panel) []ErrorEntry {
	if panel == PanelMapping {
		return s.Mapping
	}
	return s.Questionnaire
}

// Notifications replays a panel's errors as toasts.
func (s ErrorState) Notifications(panel Panel) []Notification {
	entries := s.Entries(panel)
	out := make([]Notification, 0, len(entries))
	for _, e := range entries {
		out = append(out, Error(e.Err, e.IssueIndex))
	}
	return out
}

// Board is the shared, current ErrorState.
type Board struct {
	mu    sync.Mutex
	state ErrorState
}

// Dispatch applies events and returns the resulting state.
func (b *Board) Dispatch(events ...Event) ErrorState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = b.state.Apply(events...)
	return b.state
}

// State returns the current state.
func (b *Board) State() ErrorState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
