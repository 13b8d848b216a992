package model

import "time"

// PushState is the lifecycle state of a review push.
type PushState string

const (
	PushPending   PushState = "pending"
	PushActive    PushState = "active"
	PushCompleted PushState = "completed"
	PushExpired   PushState = "expired"
)

// IsValid reports whether s is a known push state.
func (s PushState) IsValid() bool {
	switch s {
	case PushPending, PushActive, PushCompleted, PushExpired:
		return true
	}
	return false
}

// Open reports whether the push still counts against the open-push limit.
func (s PushState) Open() bool {
	return s == PushPending || s == PushActive
}

// Sender identifies who produced a push message.
type Sender string

const (
	SenderTutor Sender = "tutor"
	SenderUser  Sender = "user"
)

// Evaluation is the graded outcome of a completed review session.
type Evaluation struct {
	Grade          Grade    `json:"grade"`
	Recommendation string   `json:"recommendation"`
	Confidence     *float64 `json:"confidence,omitempty"`
}

// PushMessage is one turn of a review conversation. Messages are append-only
// while the push is active.
type PushMessage struct {
	ID        string    `json:"id"`
	PushID    string    `json:"push_id"`
	Sender    Sender    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Push is a scheduled or in-progress review session bound to exactly one
// chunk.
type Push struct {
	ID         string      `json:"id"`
	ChunkID    string      `json:"chunk_id"`
	State      PushState   `json:"state"`
	CreatedAt  time.Time   `json:"created_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
	Evaluation *Evaluation `json:"evaluation,omitempty"`
}

// Clone returns a deep copy of the push.
func (p Push) Clone() Push {
	out := p
	if p.Evaluation != nil {
		ev := *p.Evaluation
		if p.Evaluation.Confidence != nil {
			c := *p.Evaluation.Confidence
			ev.Confidence = &c
		}
		out.Evaluation = &ev
	}
	return out
}

// Expired reports whether the push's due window has elapsed without
// completion.
func (p Push) Expired(now time.Time) bool {
	return p.State.Open() && !p.ExpiresAt.After(now)
}
