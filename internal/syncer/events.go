package syncer

// Outcome is the per-message result surfaced to the host.
type Outcome string

const (
	OutcomeNew     Outcome = "NEW"
	OutcomeExists  Outcome = "EXISTS"
	OutcomeDeleted Outcome = "DELETED"
	OutcomeError   Outcome = "ERROR"
)

// EventType enumerates emitted sync events.
type EventType string

const (
	EventMailboxStart EventType = "mailbox_start"
	EventFolderStart  EventType = "folder_start"
	EventMessage      EventType = "message"
	EventMailboxDone  EventType = "mailbox_done"
)

// Event is one structured record from an engine run. Message events carry
// the UID on the source server, the outcome and the archive digest; folder
// events carry the number of messages in scope. Err holds the failure for
// ERROR outcomes, or a classification warning riding along with a NEW or
// EXISTS outcome.
type Event struct {
	Type    EventType
	Mailbox string
	Folder  string
	Seq     uint32
	Outcome Outcome
	Digest  string
	Total   int
	Err     error
}

// Result is the final per-mailbox verdict of a run.
type Result struct {
	Mailbox string
	Err     error
}
