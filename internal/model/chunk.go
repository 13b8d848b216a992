// Package model defines the core chunk and push data types.
package model

import (
	"fmt"
	"time"
)

// ChunkTypeKnowledge is the only chunk type today. The field exists so that
// other chunk kinds can be added without a schema change.
const ChunkTypeKnowledge = "knowledge"

// Importance is the learner-assigned weight of a chunk. It stretches review
// intervals and contributes to the push-priority score.
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceMedium Importance = "medium"
	ImportanceHigh   Importance = "high"
)

// IsValid reports whether i is one of the three known levels.
func (i Importance) IsValid() bool {
	switch i {
	case ImportanceLow, ImportanceMedium, ImportanceHigh:
		return true
	}
	return false
}

// Grade is a 0–5 recall quality rating, SM2 convention: grades below 3 are
// failed recalls.
type Grade int

// IsValid reports whether g is in [0, 5].
func (g Grade) IsValid() bool {
	return g >= 0 && g <= 5
}

// Passing reports whether g counts as a successful recall.
func (g Grade) Passing() bool {
	return g >= 3
}

func (g Grade) String() string {
	return fmt.Sprintf("%d", int(g))
}

// Chunk is a unit of knowledge extracted from one source note, carrying its
// full spaced-repetition state.
type Chunk struct {
	ID              string     `json:"id"`
	NotePath        string     `json:"note_path"`
	Content         string     `json:"content"`
	ChunkType       string     `json:"chunk_type"`
	Importance      Importance `json:"importance"`
	NeedsReview     bool       `json:"needs_review"`
	EF              float64    `json:"ef"`
	Repetitions     int        `json:"repetitions"`
	IntervalDays    int        `json:"interval_days"`
	FamiliarScore   float64    `json:"familiar_score"`
	ChunkScore      float64    `json:"chunk_score"`
	DueAt           time.Time  `json:"due_at"`
	CreatedAt       time.Time  `json:"created_at"`
	LastReviewedAt  *time.Time `json:"last_reviewed_at,omitempty"`
}

// Clone returns a deep copy of the chunk. Pointer fields are copied by value.
func (c Chunk) Clone() Chunk {
	out := c
	if c.LastReviewedAt != nil {
		t := *c.LastReviewedAt
		out.LastReviewedAt = &t
	}
	return out
}

// Overdue reports whether the chunk is due at or before now.
func (c Chunk) Overdue(now time.Time) bool {
	return !c.DueAt.After(now)
}
