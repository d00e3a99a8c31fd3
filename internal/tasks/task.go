// Package tasks implements the moderation task queue: an ordered backlog of
// pending review decisions, one active task per review channel, resolved by a
// human moderator. Tasks are a tagged variant over their kind; each kind
// carries its own subject reference and its own set of valid outcomes.
package tasks

import (
	"database/sql"
	"errors"
	"time"
)

// Kind discriminates the task variants.
type Kind string

const (
	// KindScanSet is raised when a new set is first registered. It is
	// processed by the scanning collaborator, never by DequeueNext.
	KindScanSet Kind = "scan_set"

	// KindUserRevert asks a moderator whether a flagged user's changes
	// should be rolled back.
	KindUserRevert Kind = "user_revert"

	// KindVoteBan asks a moderator whether a set with accumulated ban
	// votes should be banned.
	KindVoteBan Kind = "vote_ban"
)

// Outcome is a moderator's decision on a task.
type Outcome string

const (
	// OutcomeConfirm confirms a user_revert task: roll the user back.
	OutcomeConfirm Outcome = "confirm"

	// OutcomeBan confirms a vote_ban task: ban the set.
	OutcomeBan Outcome = "ban"

	// OutcomeDismiss rejects either reviewable kind without data change
	// (for vote_ban it additionally clears the accumulated votes).
	OutcomeDismiss Outcome = "dismiss"
)

// ValidOutcome reports whether o is an accepted decision for kind k.
func (k Kind) ValidOutcome(o Outcome) bool {
	switch k {
	case KindUserRevert:
		return o == OutcomeConfirm || o == OutcomeDismiss
	case KindVoteBan:
		return o == OutcomeBan || o == OutcomeDismiss
	default:
		return false
	}
}

// Task is one pending or resolved moderation decision.
//
// SubjectUserID is set for user_revert tasks, SubjectSetName for scan_set and
// vote_ban tasks; the database enforces the pairing.
type Task struct {
	ID             int64
	Kind           Kind
	Reviewed       bool
	CreatedAt      time.Time
	SubjectUserID  sql.NullInt64
	SubjectSetName sql.NullString
}

var (
	// ErrChannelBusy is returned when a task is dequeued onto a channel
	// that already holds an active task. The caller must resolve or clear
	// the current task first; nothing changes.
	ErrChannelBusy = errors.New("tasks: channel already has an active task")

	// ErrAlreadyResolved is returned when resolving a task that was
	// already marked reviewed. Resolved tasks are terminal.
	ErrAlreadyResolved = errors.New("tasks: task already resolved")

	// ErrInvalidOutcome is returned when the outcome is not a valid
	// decision for the task's kind.
	ErrInvalidOutcome = errors.New("tasks: invalid outcome for task kind")
)
