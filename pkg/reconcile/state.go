package reconcile

import "fmt"

// State of the orchestrator.
type State int

const (
	Idle State = iota
	SaveAttempted
	Succeeded
	PartiallyFailed
	ModalOpen
	UserDecided
	Retrying
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SaveAttempted:
		return "save-attempted"
	case Succeeded:
		return "succeeded"
	case PartiallyFailed:
		return "partially-failed"
	case ModalOpen:
		return "modal-open"
	case UserDecided:
		return "user-decided"
	case Retrying:
		return "retrying"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// RefreshReason says why dependent reads must refetch.
type RefreshReason string

const (
	RefreshCancelled RefreshReason = "cancelled"
	RefreshRenamed   RefreshReason = "renamed"
)

// CloseMode is how the reconciliation modal was dismissed.
type CloseMode int

const (
	CloseSave CloseMode = iota
	CloseCancel
)

// ItemStatus is the terminal state of one reconciliation item.
type ItemStatus string

const (
	ItemSkipped      ItemStatus = "skipped"
	ItemCreateFailed ItemStatus = "create-failed"
	ItemSaveFailed   ItemStatus = "save-failed"
	ItemSucceeded    ItemStatus = "succeeded"
)
