package tasks

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/stickersearch/moderation/internal/db"
	"github.com/stickersearch/moderation/internal/metrics"
	"github.com/stickersearch/moderation/internal/sets"
)

// VoteBanThreshold is the number of accumulated ban votes that raises a
// vote_ban review task. The enqueue is idempotent, so crossing the threshold
// repeatedly is harmless.
const VoteBanThreshold = 2

// Reverter rolls back all of a user's changes. Implemented by the revert
// engine.
type Reverter interface {
	RevertUser(ctx context.Context, userID int64) error
}

// Queue manages review tasks and their assignment to channels in PostgreSQL.
// It also owns the two inbound paths that raise tasks as a side effect: set
// registration (scan_set) and ban voting (vote_ban).
type Queue struct {
	db       *sql.DB
	reverter Reverter
	sets     *sets.Store
}

// NewQueue creates a task queue over the given database handle. The reverter
// is invoked when a user_revert task is confirmed; the set store carries
// vote_ban outcomes.
func NewQueue(conn *sql.DB, reverter Reverter, setStore *sets.Store) *Queue {
	return &Queue{db: conn, reverter: reverter, sets: setStore}
}

const taskColumns = `id, kind, reviewed, created_at, subject_user_id, subject_set_name`

func scanTask(row *sql.Row) (*Task, error) {
	t := &Task{}
	err := row.Scan(&t.ID, &t.Kind, &t.Reviewed, &t.CreatedAt, &t.SubjectUserID, &t.SubjectSetName)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Get fetches a task by id. Returns db.ErrNotFound if it does not exist.
func (q *Queue) Get(ctx context.Context, id int64) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM review_tasks WHERE id = $1`
	t, err := scanTask(q.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tasks: get %d: %w", id, err)
	}
	return t, nil
}

// EnqueueUserRevert creates a user_revert task for the given user, unless an
// unresolved one already exists, in which case the existing task is returned.
// The second return value reports whether a new task was created.
func (q *Queue) EnqueueUserRevert(ctx context.Context, userID int64) (*Task, bool, error) {
	const insert = `
		INSERT INTO review_tasks (kind, subject_user_id)
		VALUES ('user_revert', $1)
		ON CONFLICT DO NOTHING
		RETURNING ` + taskColumns

	t, err := scanTask(q.db.QueryRowContext(ctx, insert, userID))
	if err == nil {
		metrics.TasksEnqueued.WithLabelValues(string(KindUserRevert)).Inc()
		return t, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("tasks: enqueue user_revert %d: %w", userID, err)
	}

	// Lost to the partial unique index: an open task for this user exists.
	const open = `
		SELECT ` + taskColumns + `
		FROM review_tasks
		WHERE kind = 'user_revert' AND subject_user_id = $1 AND NOT reviewed`
	t, err = scanTask(q.db.QueryRowContext(ctx, open, userID))
	if err != nil {
		return nil, false, fmt.Errorf("tasks: enqueue user_revert %d: %w", userID, err)
	}
	return t, false, nil
}

// EnqueueVoteBan creates a vote_ban task for the given set, unless an
// unresolved one already exists, in which case the existing task is returned.
func (q *Queue) EnqueueVoteBan(ctx context.Context, setName string) (*Task, bool, error) {
	const insert = `
		INSERT INTO review_tasks (kind, subject_set_name)
		VALUES ('vote_ban', $1)
		ON CONFLICT DO NOTHING
		RETURNING ` + taskColumns

	t, err := scanTask(q.db.QueryRowContext(ctx, insert, setName))
	if err == nil {
		metrics.TasksEnqueued.WithLabelValues(string(KindVoteBan)).Inc()
		return t, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("tasks: enqueue vote_ban %s: %w", setName, err)
	}

	const open = `
		SELECT ` + taskColumns + `
		FROM review_tasks
		WHERE kind = 'vote_ban' AND subject_set_name = $1 AND NOT reviewed`
	t, err = scanTask(q.db.QueryRowContext(ctx, open, setName))
	if err != nil {
		return nil, false, fmt.Errorf("tasks: enqueue vote_ban %s: %w", setName, err)
	}
	return t, false, nil
}

// EnqueueScanSetTx creates a scan_set task inside the caller's transaction.
// Set registration uses this so the set row and its scan task commit together.
func (q *Queue) EnqueueScanSetTx(ctx context.Context, tx *sql.Tx, setName string) error {
	const insert = `
		INSERT INTO review_tasks (kind, subject_set_name)
		VALUES ('scan_set', $1)
		ON CONFLICT DO NOTHING`

	res, err := tx.ExecContext(ctx, insert, setName)
	if err != nil {
		return fmt.Errorf("tasks: enqueue scan_set %s: %w", setName, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		metrics.TasksEnqueued.WithLabelValues(string(KindScanSet)).Inc()
	}
	return nil
}

// RegisterSet registers a set on first reference: the set row and a scan_set
// task for the scanning collaborator commit in one transaction. Racing
// registrations of the same name are expected — the loser's unique violation
// is absorbed and the winner's row returned. The bool reports whether this
// call created the set.
func (q *Queue) RegisterSet(ctx context.Context, name, title string) (*sets.Set, bool, error) {
	name = sets.Normalize(name)

	set, err := q.sets.Get(ctx, name)
	if err == nil {
		return set, false, nil
	}
	if err != db.ErrNotFound {
		return nil, false, err
	}

	err = db.WithTx(ctx, q.db, func(tx *sql.Tx) error {
		if err := q.sets.CreateTx(ctx, tx, name, title); err != nil {
			return err
		}
		return q.EnqueueScanSetTx(ctx, tx, name)
	})
	if err != nil {
		if db.IsUniqueViolation(err) {
			set, err := q.sets.Get(ctx, name)
			if err != nil {
				return nil, false, err
			}
			return set, false, nil
		}
		return nil, false, fmt.Errorf("tasks: register set %s: %w", name, err)
	}

	set, err = q.sets.Get(ctx, name)
	if err != nil {
		return nil, false, err
	}
	log.Printf("[tasks] registered set=%s", name)
	return set, true, nil
}

// AddBanVote records a ban vote against a set and raises a vote_ban review
// task once the accumulated votes reach VoteBanThreshold. Returns whether a
// new vote was recorded.
func (q *Queue) AddBanVote(ctx context.Context, setName string, userID int64, reason string) (bool, error) {
	recorded, votes, err := q.sets.AddVote(ctx, setName, userID, reason)
	if err != nil {
		return false, err
	}

	if votes >= VoteBanThreshold {
		if _, _, err := q.EnqueueVoteBan(ctx, sets.Normalize(setName)); err != nil {
			return recorded, err
		}
	}
	return recorded, nil
}

// schedulable restricts scheduling to the kinds a review channel handles.
// scan_set tasks belong to the scanning collaborator and are never offered.
const schedulable = `NOT t.reviewed AND t.kind IN ('user_revert', 'vote_ban')`

// DequeueNext assigns the oldest pending reviewable task to the given channel
// and returns it. FIFO order is by creation time with insertion id as the
// tiebreak. Returns (nil, nil) when the backlog is empty.
//
// The assignment is a compare-and-set: the channel row is locked and must have
// no current task, otherwise ErrChannelBusy is returned and nothing changes.
// Candidate tasks already held by another channel are skipped, and the row
// lock on the chosen task keeps racing dequeues on different channels from
// picking the same one.
func (q *Queue) DequeueNext(ctx context.Context, channelID string) (*Task, error) {
	if err := q.ensureChannel(ctx, channelID); err != nil {
		return nil, err
	}

	var task *Task
	err := db.WithTx(ctx, q.db, func(tx *sql.Tx) error {
		var current sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT current_task_id FROM review_channels WHERE id = $1 FOR UPDATE`,
			channelID,
		).Scan(&current)
		if err != nil {
			return fmt.Errorf("tasks: lock channel %s: %w", channelID, err)
		}
		if current.Valid {
			return ErrChannelBusy
		}

		const candidate = `
			SELECT t.id, t.kind, t.reviewed, t.created_at, t.subject_user_id, t.subject_set_name
			FROM review_tasks t
			WHERE ` + schedulable + `
			  AND NOT EXISTS (
				SELECT 1 FROM review_channels rc WHERE rc.current_task_id = t.id
			  )
			ORDER BY t.created_at, t.id
			LIMIT 1
			FOR UPDATE OF t SKIP LOCKED`

		task, err = scanTask(tx.QueryRowContext(ctx, candidate))
		if err == sql.ErrNoRows {
			task = nil
			return nil
		}
		if err != nil {
			return fmt.Errorf("tasks: select candidate: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE review_channels SET current_task_id = $1 WHERE id = $2`,
			task.ID, channelID,
		)
		if err != nil {
			return fmt.Errorf("tasks: assign task %d to %s: %w", task.ID, channelID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if task != nil {
		log.Printf("[tasks] assigned task=%d kind=%s to channel=%s", task.ID, task.Kind, channelID)
	}
	return task, nil
}

// CurrentTask returns the task currently assigned to the channel, or
// (nil, nil) if the channel is idle or unknown.
func (q *Queue) CurrentTask(ctx context.Context, channelID string) (*Task, error) {
	const query = `
		SELECT t.id, t.kind, t.reviewed, t.created_at, t.subject_user_id, t.subject_set_name
		FROM review_channels rc
		JOIN review_tasks t ON t.id = rc.current_task_id
		WHERE rc.id = $1`

	t, err := scanTask(q.db.QueryRowContext(ctx, query, channelID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tasks: current task of %s: %w", channelID, err)
	}
	return t, nil
}

// ClearChannel detaches the channel's current task without resolving it. The
// task returns to the pending backlog.
func (q *Queue) ClearChannel(ctx context.Context, channelID string) error {
	const query = `UPDATE review_channels SET current_task_id = NULL WHERE id = $1`
	if _, err := q.db.ExecContext(ctx, query, channelID); err != nil {
		return fmt.Errorf("tasks: clear channel %s: %w", channelID, err)
	}
	return nil
}

// NextPending is the read-only "what would DequeueNext return" projection.
// It does not assign anything.
func (q *Queue) NextPending(ctx context.Context) (*Task, error) {
	const query = `
		SELECT t.id, t.kind, t.reviewed, t.created_at, t.subject_user_id, t.subject_set_name
		FROM review_tasks t
		WHERE ` + schedulable + `
		  AND NOT EXISTS (
			SELECT 1 FROM review_channels rc WHERE rc.current_task_id = t.id
		  )
		ORDER BY t.created_at, t.id
		LIMIT 1`

	t, err := scanTask(q.db.QueryRowContext(ctx, query))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tasks: next pending: %w", err)
	}
	return t, nil
}

// PendingCount returns the number of unresolved schedulable tasks.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	const query = `SELECT COUNT(*) FROM review_tasks t WHERE ` + schedulable

	var n int
	if err := q.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("tasks: pending count: %w", err)
	}
	return n, nil
}

// Resolve applies a moderator's decision to a task, then marks it reviewed
// and detaches it from any channel holding it.
//
// The side effect runs before the task is marked: a user_revert confirm
// invokes the revert engine (itself transactional per item), a vote_ban ban
// sets the set's banned flag, a vote_ban dismiss clears the set's accumulated
// votes. The final mark is guarded so a racing second resolver gets
// ErrAlreadyResolved; the side effects are idempotent, so the losing racer has
// done no harm.
func (q *Queue) Resolve(ctx context.Context, taskID int64, outcome Outcome) error {
	task, err := q.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Reviewed {
		return ErrAlreadyResolved
	}
	if !task.Kind.ValidOutcome(outcome) {
		return ErrInvalidOutcome
	}

	switch task.Kind {
	case KindUserRevert:
		if outcome == OutcomeConfirm {
			if err := q.reverter.RevertUser(ctx, task.SubjectUserID.Int64); err != nil {
				return fmt.Errorf("tasks: resolve %d: %w", taskID, err)
			}
		}
	case KindVoteBan:
		switch outcome {
		case OutcomeBan:
			if err := q.sets.SetBanned(ctx, task.SubjectSetName.String, true); err != nil {
				return fmt.Errorf("tasks: resolve %d: %w", taskID, err)
			}
		case OutcomeDismiss:
			if err := q.sets.ClearVotes(ctx, task.SubjectSetName.String); err != nil {
				return fmt.Errorf("tasks: resolve %d: %w", taskID, err)
			}
		}
	}

	err = db.WithTx(ctx, q.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE review_tasks SET reviewed = TRUE WHERE id = $1 AND NOT reviewed`,
			taskID,
		)
		if err != nil {
			return fmt.Errorf("tasks: mark resolved %d: %w", taskID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrAlreadyResolved
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE review_channels SET current_task_id = NULL WHERE current_task_id = $1`,
			taskID,
		)
		if err != nil {
			return fmt.Errorf("tasks: detach %d: %w", taskID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.TasksResolved.WithLabelValues(string(task.Kind), string(outcome)).Inc()
	log.Printf("[tasks] resolved task=%d kind=%s outcome=%s", taskID, task.Kind, outcome)
	return nil
}

// ensureChannel registers the channel row on first contact. A concurrent
// first contact is harmless.
func (q *Queue) ensureChannel(ctx context.Context, channelID string) error {
	const query = `INSERT INTO review_channels (id) VALUES ($1) ON CONFLICT DO NOTHING`
	if _, err := q.db.ExecContext(ctx, query, channelID); err != nil {
		return fmt.Errorf("tasks: ensure channel %s: %w", channelID, err)
	}
	return nil
}
