package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stickersearch/moderation/internal/changelog"
	"github.com/stickersearch/moderation/internal/sets"
)

// RenderWindow is the trailing span of a flagged user's changes shown to the
// moderator, ending at the task's creation time.
const RenderWindow = 24 * time.Hour

// MaxChunkLen caps one outbound message. The messaging collaborator's
// transport rejects longer payloads, so rendered text is split into chunks.
const MaxChunkLen = 4000

// Button is one labeled action offered to the moderator.
type Button struct {
	Label  string `json:"label"`
	Action string `json:"action"`
}

// Keyboard is the response keyboard handed to the messaging collaborator
// alongside the rendered task text.
type Keyboard struct {
	Buttons []Button `json:"buttons"`
}

// Renderer produces the moderator-facing content for a task. It is a
// stateless projection over the change log and the ban votes; rendering the
// same task twice yields the same content.
type Renderer struct {
	changes *changelog.Store
	sets    *sets.Store
}

// NewRenderer creates a renderer over the given projections.
func NewRenderer(changes *changelog.Store, setStore *sets.Store) *Renderer {
	return &Renderer{changes: changes, sets: setStore}
}

// Render returns the task's text (chunked to MaxChunkLen) and its response
// keyboard. Only reviewable kinds render; scan_set tasks are handled by the
// scanning collaborator and produce an error here.
func (r *Renderer) Render(ctx context.Context, task *Task) ([]string, Keyboard, error) {
	switch task.Kind {
	case KindUserRevert:
		return r.renderUserRevert(ctx, task)
	case KindVoteBan:
		return r.renderVoteBan(ctx, task)
	default:
		return nil, Keyboard{}, fmt.Errorf("tasks: render: kind %s has no review content", task.Kind)
	}
}

func (r *Renderer) renderUserRevert(ctx context.Context, task *Task) ([]string, Keyboard, error) {
	userID := task.SubjectUserID.Int64
	changes, err := r.changes.ForActorWindow(ctx, userID, task.CreatedAt, RenderWindow)
	if err != nil {
		return nil, Keyboard{}, fmt.Errorf("tasks: render task %d: %w", task.ID, err)
	}

	lines := []string{
		fmt.Sprintf("User %d made %d changes", userID, len(changes)),
		fmt.Sprintf("Detected at %s:", task.CreatedAt.Format(time.RFC3339)),
		"",
	}
	for _, c := range changes {
		lines = append(lines, describeChange(c)...)
	}

	keyboard := Keyboard{Buttons: []Button{
		{Label: "Revert changes", Action: action(task, OutcomeConfirm)},
		{Label: "Dismiss", Action: action(task, OutcomeDismiss)},
	}}

	return chunkLines(lines, MaxChunkLen), keyboard, nil
}

func (r *Renderer) renderVoteBan(ctx context.Context, task *Task) ([]string, Keyboard, error) {
	setName := task.SubjectSetName.String
	votes, err := r.sets.VotesFor(ctx, setName)
	if err != nil {
		return nil, Keyboard{}, fmt.Errorf("tasks: render task %d: %w", task.ID, err)
	}

	lines := []string{fmt.Sprintf("Ban set %s?", setName), ""}
	for _, v := range votes {
		lines = append(lines, v.Reason)
	}

	keyboard := Keyboard{Buttons: []Button{
		{Label: "Ban set", Action: action(task, OutcomeBan)},
		{Label: "Dismiss", Action: action(task, OutcomeDismiss)},
	}}

	return chunkLines(lines, MaxChunkLen), keyboard, nil
}

// describeChange summarizes one change entry. The newest state is what the
// moderator judges, so it is shown when present; a pair whose new side is
// empty reads as a removal.
func describeChange(c *changelog.Change) []string {
	var lines []string

	if c.NewTags.Valid && c.NewTags.String != "" {
		lines = append(lines, c.NewTags.String)
	} else if c.OldTags.Valid {
		lines = append(lines, fmt.Sprintf("Removed tags %s", c.OldTags.String))
	}

	if c.NewText.Valid && c.NewText.String != "" {
		lines = append(lines, c.NewText.String)
	} else if c.OldText.Valid {
		lines = append(lines, fmt.Sprintf("Removed text %s", c.OldText.String))
	}

	return lines
}

func action(task *Task, outcome Outcome) string {
	return fmt.Sprintf("task:%d:%s", task.ID, outcome)
}

// chunkLines packs lines into newline-joined chunks no longer than limit.
// A single oversized line is hard-split rather than dropped.
func chunkLines(lines []string, limit int) []string {
	var chunks []string
	var b strings.Builder

	flush := func() {
		if b.Len() > 0 {
			chunks = append(chunks, b.String())
			b.Reset()
		}
	}

	for _, line := range lines {
		for len(line) > limit {
			flush()
			chunks = append(chunks, line[:limit])
			line = line[limit:]
		}
		if b.Len() > 0 && b.Len()+1+len(line) > limit {
			flush()
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	flush()

	return chunks
}
