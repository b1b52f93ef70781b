package model

import (
	"strconv"
	"time"
)

// MessageRef is the server-assigned UID of a message in its current folder.
type MessageRef uint32

func (r MessageRef) String() string {
	return strconv.FormatUint(uint64(r), 10)
}

// Outcome is the fate recorded for one message of a cycle.
type Outcome string

const (
	OutcomeTagged   Outcome = "tagged"
	OutcomeUntagged Outcome = "untagged"
	OutcomeFailed   Outcome = "failed"
	OutcomeSkipped  Outcome = "skipped"
)

// Result describes what happened to a single message.
type Result struct {
	Ref        MessageRef
	Subject    string
	Outcome    Outcome
	Folder     string
	Recipients []string
	Sent       int
	// SendErr holds the joined per-recipient send failures; the message has
	// already been filed when it is set.
	SendErr error
	// Err is set when the message could not be handled and was left in place.
	Err error
}

// Message is a raw message read outside a mailbox session, e.g. from an
// mbox archive.
type Message struct {
	Index      int
	ID         string
	ReceivedAt time.Time
	Raw        []byte
}

// Envelope wraps a message alongside an optional error encountered while decoding.
type Envelope struct {
	Message Message
	Err     error
}
