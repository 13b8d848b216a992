// Package merge applies incremental extraction decisions to the chunk store.
//
// A decision batch carries one keep/modify/delete verdict per existing chunk
// plus a list of wholly new chunk contents. Decisions omitted for a supplied
// id leave the chunk unmodified; malformed entries are skipped without
// aborting the rest of the batch.
package merge

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/notekeep/retain/internal/model"
	"github.com/notekeep/retain/internal/sm2"
	"github.com/notekeep/retain/internal/store"
)

// Action is the per-chunk verdict from incremental extraction.
type Action string

const (
	ActionKeep   Action = "keep"
	ActionModify Action = "modify"
	ActionDelete Action = "delete"
)

// IsValid reports whether a is a known action.
func (a Action) IsValid() bool {
	switch a {
	case ActionKeep, ActionModify, ActionDelete:
		return true
	}
	return false
}

// UpdateLevel grades how much a modify decision changed the chunk's meaning.
// It drives how much learning progress is forgotten.
type UpdateLevel string

const (
	UpdateMinor    UpdateLevel = "minor"
	UpdateModerate UpdateLevel = "moderate"
	UpdateMajor    UpdateLevel = "major"
)

// IsValid reports whether l is a known level.
func (l UpdateLevel) IsValid() bool {
	switch l {
	case UpdateMinor, UpdateModerate, UpdateMajor:
		return true
	}
	return false
}

// retention is the fraction of the familiar score kept per update level.
func (l UpdateLevel) retention() float64 {
	switch l {
	case UpdateMinor:
		return 0.9
	case UpdateMajor:
		return 0.4
	default:
		return 0.7
	}
}

// Decision is one externally-produced verdict for an existing chunk.
type Decision struct {
	ID              string      `json:"id"`
	Action          Action      `json:"action"`
	ModifiedContent string      `json:"modified_content,omitempty"`
	UpdateLevel     UpdateLevel `json:"update_level,omitempty"`
}

// NewChunk is a wholly new piece of knowledge from extraction.
type NewChunk struct {
	Content string `json:"content"`
}

// ExistingChunk is the view of a stored chunk handed to the extraction
// service for incremental decisions.
type ExistingChunk struct {
	ID          string           `json:"id"`
	Content     string           `json:"content"`
	Importance  model.Importance `json:"importance"`
	NeedsReview bool             `json:"needs_review"`
}

// Batch is the full output of one incremental extraction call.
type Batch struct {
	Decisions []Decision `json:"existing_decisions"`
	NewChunks []NewChunk `json:"new_chunks"`
}

// Extractor is the knowledge extraction collaborator.
type Extractor interface {
	// Extract produces chunks for a note that has none yet.
	Extract(ctx context.Context, noteTitle, noteContent string) ([]NewChunk, error)

	// ExtractIncremental produces a decision batch against the existing
	// chunks of a note.
	ExtractIncremental(ctx context.Context, noteTitle, noteContent string, existing []ExistingChunk) (Batch, error)
}

// Result counts what a batch application did.
type Result struct {
	Kept     int `json:"kept"`
	Modified int `json:"modified"`
	Deleted  int `json:"deleted"`
	Created  int `json:"created"`
	Skipped  int `json:"skipped"`
}

// Applier merges decision batches into a chunk store.
type Applier struct {
	store *store.ChunkStore
}

// NewApplier returns an Applier writing to the given store.
func NewApplier(s *store.ChunkStore) *Applier {
	return &Applier{store: s}
}

// Apply merges the batch into the store. Invalid entries (unknown ids,
// unknown actions, empty modified content) are counted as skipped and do not
// abort the batch. New-chunk entries that are empty after trimming are
// silently skipped. Each chunk mutation is atomic.
func (a *Applier) Apply(ctx context.Context, notePath string, batch Batch, now time.Time) (Result, error) {
	var res Result

	for _, d := range batch.Decisions {
		c, ok := a.store.Get(d.ID)
		if !ok {
			res.Skipped++
			continue
		}
		switch d.Action {
		case ActionKeep:
			res.Kept++
		case ActionDelete:
			if err := a.store.Delete(ctx, d.ID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					res.Skipped++
					continue
				}
				return res, err
			}
			res.Deleted++
		case ActionModify:
			content := strings.TrimSpace(d.ModifiedContent)
			if content == "" {
				res.Skipped++
				continue
			}
			level := d.UpdateLevel
			if !level.IsValid() {
				level = UpdateModerate
			}
			rewritten := rewrite(c, content, level, now)
			if _, err := a.store.Replace(ctx, rewritten, now); err != nil {
				return res, err
			}
			res.Modified++
		default:
			res.Skipped++
		}
	}

	for _, nc := range batch.NewChunks {
		if strings.TrimSpace(nc.Content) == "" {
			res.Skipped++
			continue
		}
		if _, err := a.store.Create(ctx, store.CreateParams{
			NotePath: notePath,
			Content:  nc.Content,
		}, now); err != nil {
			return res, err
		}
		res.Created++
	}

	return res, nil
}

// rewrite applies the content-edit decay policy to a copy of the chunk.
// A content edit is not a review: lastReviewedAt is left untouched.
//
//	level     familiar×   ef                     repetitions
//	minor     0.9         max(1.3, ef − 0.1)     unchanged
//	moderate  0.7         max(1.3, ef − 0.3)     max(0, r − 1)
//	major     0.4         max(1.3, ef × 0.7)     0
//
// The interval resets to the initial importance-scaled value when the
// repetition streak is gone, otherwise it halves (floored at one day).
func rewrite(c model.Chunk, content string, level UpdateLevel, now time.Time) model.Chunk {
	out := c.Clone()
	out.Content = content
	out.FamiliarScore = out.FamiliarScore * level.retention()

	switch level {
	case UpdateMinor:
		out.EF = math.Max(sm2.MinEF, out.EF-0.1)
	case UpdateModerate:
		out.EF = math.Max(sm2.MinEF, out.EF-0.3)
		if out.Repetitions > 0 {
			out.Repetitions--
		}
	case UpdateMajor:
		out.EF = math.Max(sm2.MinEF, out.EF*0.7)
		out.Repetitions = 0
	}

	if out.Repetitions == 0 {
		out.IntervalDays = sm2.InitialInterval(out.Importance)
	} else {
		out.IntervalDays = c.IntervalDays / 2
		if out.IntervalDays < 1 {
			out.IntervalDays = 1
		}
	}
	out.DueAt = now.AddDate(0, 0, out.IntervalDays)
	return out
}
