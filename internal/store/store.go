// Package store provides the chunk store and its persistence contract.
//
// The ChunkStore is an in-memory keyed collection loaded once at startup;
// every successful mutation is followed by a full save through the Persister.
// A store instance is not safe for concurrent use; callers serialize access.
package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/notekeep/retain/internal/model"
	"github.com/notekeep/retain/internal/scoring"
	"github.com/notekeep/retain/internal/sm2"
)

var (
	// ErrNotFound is returned when an operation references an unknown
	// chunk id. Mutating callers may treat it as a no-op.
	ErrNotFound = errors.New("store: chunk not found")

	// ErrEmptyContent is returned when chunk content is empty after
	// trimming.
	ErrEmptyContent = errors.New("store: empty content")
)

// Persister is the durable-storage collaborator: load the full data set on
// start, save it after every mutation. Implementations are keyed by stable
// ids and are synchronous from the engine's perspective.
type Persister interface {
	LoadChunks(ctx context.Context) ([]model.Chunk, error)
	SaveChunks(ctx context.Context, chunks []model.Chunk) error
	LoadPushes(ctx context.Context) ([]model.Push, []model.PushMessage, error)
	SavePushes(ctx context.Context, pushes []model.Push, messages []model.PushMessage) error
}

// CreateParams holds parameters for creating a chunk.
type CreateParams struct {
	NotePath   string
	Content    string
	Importance model.Importance // empty → medium
}

// UpdateParams is the explicit partial-update command. Nil fields are left
// untouched. If importance, familiar score or due time actually change and
// ChunkScore is not supplied, the score is recomputed.
type UpdateParams struct {
	Content       *string
	Importance    *model.Importance
	NeedsReview   *bool
	FamiliarScore *float64
	DueAt         *time.Time
	ChunkScore    *float64
}

// ChunkStore owns every chunk record. All chunk mutation goes through its
// operations so the scheduling bounds (ef ≥ 1.3, interval ≥ 1, familiar
// score in [0,1]) hold at a single choke point.
type ChunkStore struct {
	persist Persister
	chunks  map[string]model.Chunk
	entropy *rand.Rand

	// cascade deletes dependent pushes before a chunk is removed.
	// Registered by the push scheduler.
	cascade func(ctx context.Context, chunkID string) error
}

// Open loads the chunk set from the persister and returns a ready store.
func Open(ctx context.Context, p Persister) (*ChunkStore, error) {
	chunks, err := p.LoadChunks(ctx)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	m := make(map[string]model.Chunk, len(chunks))
	for _, c := range chunks {
		m[c.ID] = c
	}
	return &ChunkStore{
		persist: p,
		chunks:  m,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// SetCascade registers the push-deletion hook invoked before a chunk is
// removed.
func (s *ChunkStore) SetCascade(fn func(ctx context.Context, chunkID string) error) {
	s.cascade = fn
}

func (s *ChunkStore) newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// Create adds a new chunk with default scheduling state and persists.
func (s *ChunkStore) Create(ctx context.Context, p CreateParams, now time.Time) (model.Chunk, error) {
	content := strings.TrimSpace(p.Content)
	if content == "" {
		return model.Chunk{}, ErrEmptyContent
	}
	importance := p.Importance
	if !importance.IsValid() {
		importance = model.ImportanceMedium
	}

	interval := sm2.InitialInterval(importance)
	c := model.Chunk{
		ID:           s.newID(),
		NotePath:     p.NotePath,
		Content:      content,
		ChunkType:    model.ChunkTypeKnowledge,
		Importance:   importance,
		NeedsReview:  true,
		EF:           sm2.InitialEF,
		Repetitions:  0,
		IntervalDays: interval,
		DueAt:        now.AddDate(0, 0, interval),
		CreatedAt:    now,
	}
	c.ChunkScore = scoring.ChunkScore(c, now)

	s.chunks[c.ID] = c
	if err := s.save(ctx); err != nil {
		return c, err
	}
	return c, nil
}

// Get returns the chunk with the given id, if present.
func (s *ChunkStore) Get(id string) (model.Chunk, bool) {
	c, ok := s.chunks[id]
	return c, ok
}

// ListAll returns every chunk, oldest first.
func (s *ChunkStore) ListAll() []model.Chunk {
	out := make([]model.Chunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		out = append(out, c)
	}
	sortChunks(out)
	return out
}

// ListByNotePath returns the chunks owned by the given note, oldest first.
func (s *ChunkStore) ListByNotePath(path string) []model.Chunk {
	var out []model.Chunk
	for _, c := range s.chunks {
		if c.NotePath == path {
			out = append(out, c)
		}
	}
	sortChunks(out)
	return out
}

// ListDue returns chunks due at or before now that still want review,
// oldest first.
func (s *ChunkStore) ListDue(now time.Time) []model.Chunk {
	var out []model.Chunk
	for _, c := range s.chunks {
		if c.NeedsReview && c.Overdue(now) {
			out = append(out, c)
		}
	}
	sortChunks(out)
	return out
}

// Update applies the provided fields to the chunk. Unknown id returns
// ErrNotFound without mutation. If importance, familiar score or due time
// changed value and the caller did not supply ChunkScore, the score is
// recomputed at now.
func (s *ChunkStore) Update(ctx context.Context, id string, p UpdateParams, now time.Time) (model.Chunk, error) {
	c, ok := s.chunks[id]
	if !ok {
		return model.Chunk{}, ErrNotFound
	}

	scoreInputsChanged := false
	if p.Content != nil {
		content := strings.TrimSpace(*p.Content)
		if content == "" {
			return model.Chunk{}, ErrEmptyContent
		}
		c.Content = content
	}
	if p.Importance != nil && *p.Importance != c.Importance {
		if !p.Importance.IsValid() {
			return model.Chunk{}, fmt.Errorf("store: invalid importance %q", *p.Importance)
		}
		c.Importance = *p.Importance
		scoreInputsChanged = true
	}
	if p.NeedsReview != nil {
		c.NeedsReview = *p.NeedsReview
	}
	if p.FamiliarScore != nil && *p.FamiliarScore != c.FamiliarScore {
		c.FamiliarScore = clamp01(*p.FamiliarScore)
		scoreInputsChanged = true
	}
	if p.DueAt != nil && !p.DueAt.Equal(c.DueAt) {
		c.DueAt = *p.DueAt
		scoreInputsChanged = true
	}
	if p.ChunkScore != nil {
		c.ChunkScore = *p.ChunkScore
	} else if scoreInputsChanged {
		c.ChunkScore = scoring.ChunkScore(c, now)
	}

	s.chunks[id] = c
	if err := s.save(ctx); err != nil {
		return c, err
	}
	return c, nil
}

// Replace writes back a derived chunk state produced by the merge applier.
// Bounds are enforced and the score recomputed here, so callers cannot
// bypass the store's invariants. Unknown id returns ErrNotFound.
func (s *ChunkStore) Replace(ctx context.Context, c model.Chunk, now time.Time) (model.Chunk, error) {
	if _, ok := s.chunks[c.ID]; !ok {
		return model.Chunk{}, ErrNotFound
	}
	if strings.TrimSpace(c.Content) == "" {
		return model.Chunk{}, ErrEmptyContent
	}
	c.EF = math.Max(c.EF, sm2.MinEF)
	if c.Repetitions < 0 {
		c.Repetitions = 0
	}
	if c.IntervalDays < 1 {
		c.IntervalDays = 1
	}
	c.FamiliarScore = clamp01(c.FamiliarScore)
	c.ChunkScore = scoring.ChunkScore(c, now)

	s.chunks[c.ID] = c
	if err := s.save(ctx); err != nil {
		return c, err
	}
	return c, nil
}

// ApplyReview feeds a graded review through the SM2 recurrence and writes
// the outcome back: ef, repetitions, interval, familiar score, due time,
// last-reviewed time and score. Unknown id returns ErrNotFound.
func (s *ChunkStore) ApplyReview(ctx context.Context, id string, grade model.Grade, now time.Time) (model.Chunk, error) {
	c, ok := s.chunks[id]
	if !ok {
		return model.Chunk{}, ErrNotFound
	}
	if !grade.IsValid() {
		return model.Chunk{}, fmt.Errorf("store: invalid grade %d", grade)
	}

	next := sm2.Update(grade, sm2.State{
		EF:           c.EF,
		Repetitions:  c.Repetitions,
		IntervalDays: c.IntervalDays,
	}, c.Importance)

	c.EF = next.EF
	c.Repetitions = next.Repetitions
	c.IntervalDays = next.IntervalDays
	c.FamiliarScore = sm2.FamiliarScore(c.FamiliarScore, grade)
	c.DueAt = now.AddDate(0, 0, next.IntervalDays)
	reviewed := now
	c.LastReviewedAt = &reviewed
	c.ChunkScore = scoring.ChunkScore(c, now)

	s.chunks[id] = c
	if err := s.save(ctx); err != nil {
		return c, err
	}
	return c, nil
}

// Delete removes the chunk, cascading deletion of its pushes first.
// Unknown id returns ErrNotFound.
func (s *ChunkStore) Delete(ctx context.Context, id string) error {
	if _, ok := s.chunks[id]; !ok {
		return ErrNotFound
	}
	if s.cascade != nil {
		if err := s.cascade(ctx, id); err != nil {
			return fmt.Errorf("cascade pushes: %w", err)
		}
	}
	delete(s.chunks, id)
	return s.save(ctx)
}

// CleanupOrphans removes every chunk whose note no longer exists according
// to the predicate, cascading push deletion, then persists once. It returns
// the number of chunks removed.
func (s *ChunkStore) CleanupOrphans(ctx context.Context, exists func(notePath string) bool) (int, error) {
	known := make(map[string]bool)
	var orphaned []string
	for id, c := range s.chunks {
		live, checked := known[c.NotePath]
		if !checked {
			live = exists(c.NotePath)
			known[c.NotePath] = live
		}
		if !live {
			orphaned = append(orphaned, id)
		}
	}
	if len(orphaned) == 0 {
		return 0, nil
	}
	for _, id := range orphaned {
		if s.cascade != nil {
			if err := s.cascade(ctx, id); err != nil {
				return 0, fmt.Errorf("cascade pushes: %w", err)
			}
		}
		delete(s.chunks, id)
	}
	return len(orphaned), s.save(ctx)
}

// save persists the full chunk set. The in-memory mutation is kept even if
// the save fails; at most one update is lost on a crash, never consistency.
func (s *ChunkStore) save(ctx context.Context) error {
	if err := s.persist.SaveChunks(ctx, s.ListAll()); err != nil {
		return fmt.Errorf("save chunks: %w", err)
	}
	return nil
}

func sortChunks(cs []model.Chunk) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].ID < cs[j].ID
		}
		return cs[i].CreatedAt.Before(cs[j].CreatedAt)
	})
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}
