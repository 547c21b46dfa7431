package notify

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// JournalEntry is one line of the notification journal.
type JournalEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	SessionID  string    `json:"session_id"`
	Kind       Kind      `json:"kind"`
	Text       string    `json:"text"`
	IssueIndex *int      `json:"issue_index,omitempty"`
}

// Journal appends every notification to a JSONL stream.
type Journal struct {
	mu        sync.Mutex
	enc       *json.Encoder
	closer    io.Closer
	sessionID string
	now       func() time.Time
}

// NewJournal writes to w.
func NewJournal(w io.Writer, sessionID string) *Journal {
	return &Journal{enc: json.NewEncoder(w), sessionID: sessionID, now: time.Now}
}

// OpenJournal appends to the JSONL file at path.
func OpenJournal(path, sessionID string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	j := NewJournal(f, sessionID)
	j.closer = f
	return j, nil
}

// Notify records n. Write failures are dropped; the journal never blocks a
// user flow.
func (j *Journal) Notify(n Notification) {
	j.mu.Lock()
	defer j.mu.Unlock()
	_ = j.enc.Encode(JournalEntry{
		Timestamp:  j.now().UTC(),
		SessionID:  j.sessionID,
		Kind:       n.Kind,
		Text:       n.Text,
		IssueIndex: n.IssueIndex,
	})
}

// Close closes the underlying file, if the journal opened one.
func (j *Journal) Close() error {
	if j.closer == nil {
		return nil
	}
	return j.closer.Close()
}

// ReadJournal decodes every entry of a journal stream.
func ReadJournal(r io.Reader) ([]JournalEntry, error) {
	dec := json.NewDecoder(r)
	var out []JournalEntry
	for dec.More() {
		var e JournalEntry
		if err := dec.Decode(&e); err != nil {
			return out, fmt.Errorf("decode journal entry %d: %w", len(out)+1, err)
		}
		out = append(out, e)
	}
	return out, nil
}
