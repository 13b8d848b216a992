// Package push turns scored chunks into bounded review sessions and runs
// their lifecycle: pending → active → completed, with an independent
// pending|active → expired transition driven by the wall clock. Completed
// and expired pushes are deleted on the next refresh.
//
// The scheduler owns every Push and PushMessage record; chunks stay owned by
// the chunk store, which the scheduler reads and writes grades back into.
// A scheduler instance is not safe for concurrent use; callers serialize.
package push

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/notekeep/retain/internal/model"
	"github.com/notekeep/retain/internal/scoring"
	"github.com/notekeep/retain/internal/store"
)

var (
	// ErrNotFound is returned when an operation references an unknown
	// push id.
	ErrNotFound = errors.New("push: push not found")

	// ErrInvalidState is returned when a push is not in a state the
	// operation accepts.
	ErrInvalidState = errors.New("push: invalid state for operation")

	// ErrInvalidGrade is returned for grades outside 0–5.
	ErrInvalidGrade = errors.New("push: grade out of range")

	// ErrNoTutor is returned when a tutoring operation is invoked but no
	// tutoring service is configured.
	ErrNoTutor = errors.New("push: tutoring service not configured")
)

// OpeningRequest asks the tutoring service for an opening question.
type OpeningRequest struct {
	ChunkContent  string
	FamiliarScore float64
	Language      string
}

// TurnRequest asks the tutoring service for its next conversational turn.
type TurnRequest struct {
	ChunkContent  string
	FamiliarScore float64
	Language      string
	History       []model.PushMessage
	ForceEvaluate bool
}

// TurnReply is one tutoring turn. When ShouldEnd is set, Evaluation carries
// the graded outcome of the session.
type TurnReply struct {
	Response   string
	ShouldEnd  bool
	Evaluation *model.Evaluation
}

// Tutor is the tutoring collaborator. Any failure means no engine state was
// mutated.
type Tutor interface {
	OpeningQuestion(ctx context.Context, req OpeningRequest) (string, error)
	Respond(ctx context.Context, req TurnRequest) (TurnReply, error)
}

// Config bounds the push set.
type Config struct {
	MaxActive      int           // open (pending+active) push cap; zero → 5
	DueWindow      time.Duration // push lifetime; zero → 24h
	ScoreThreshold float64       // minimum chunk score for selection
	Language       string        // tutoring language; empty → "English"
}

func (c Config) withDefaults() Config {
	if c.MaxActive == 0 {
		c.MaxActive = 5
	}
	if c.DueWindow == 0 {
		c.DueWindow = 24 * time.Hour
	}
	if c.Language == "" {
		c.Language = "English"
	}
	return c
}

// RefreshResult counts what one refresh pass did.
type RefreshResult struct {
	Deleted int `json:"deleted"`
	Created int `json:"created"`
	Kept    int `json:"kept"`
}

// Scheduler owns the push set. It registers itself as the chunk store's
// cascade so deleting a chunk deletes its pushes and messages.
type Scheduler struct {
	cfg     Config
	chunks  *store.ChunkStore
	persist store.Persister
	tutor   Tutor

	pushes   map[string]model.Push
	messages map[string][]model.PushMessage // push id → conversation order

	observers []func()
	entropy   *rand.Rand
}

// New loads the push set from the persister and wires the cascade into the
// chunk store. tutor may be nil; tutoring operations then fail with
// ErrNoTutor.
func New(ctx context.Context, cfg Config, chunks *store.ChunkStore, persist store.Persister, tutor Tutor) (*Scheduler, error) {
	pushes, messages, err := persist.LoadPushes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pushes: %w", err)
	}
	s := &Scheduler{
		cfg:      cfg.withDefaults(),
		chunks:   chunks,
		persist:  persist,
		tutor:    tutor,
		pushes:   make(map[string]model.Push, len(pushes)),
		messages: make(map[string][]model.PushMessage),
		entropy:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, p := range pushes {
		s.pushes[p.ID] = p
	}
	for _, m := range messages {
		s.messages[m.PushID] = append(s.messages[m.PushID], m)
	}
	chunks.SetCascade(s.cascadeDelete)
	return s, nil
}

// Subscribe registers an observer called after every push-mutating
// operation. The notification carries no payload; observers resynchronize
// by re-reading.
func (s *Scheduler) Subscribe(fn func()) {
	s.observers = append(s.observers, fn)
}

func (s *Scheduler) notify() {
	for _, fn := range s.observers {
		fn()
	}
}

func (s *Scheduler) newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// Get returns the push with the given id, if present.
func (s *Scheduler) Get(id string) (model.Push, bool) {
	p, ok := s.pushes[id]
	return p, ok
}

// List returns every push, oldest first.
func (s *Scheduler) List() []model.Push {
	out := make([]model.Push, 0, len(s.pushes))
	for _, p := range s.pushes {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Messages returns the conversation of a push in order.
func (s *Scheduler) Messages(pushID string) []model.PushMessage {
	msgs := s.messages[pushID]
	out := make([]model.PushMessage, len(msgs))
	copy(out, msgs)
	return out
}

// openCount counts pushes in pending or active state.
func (s *Scheduler) openCount() int {
	n := 0
	for _, p := range s.pushes {
		if p.State.Open() {
			n++
		}
	}
	return n
}

// openChunkIDs returns the chunk ids referenced by open pushes.
func (s *Scheduler) openChunkIDs() map[string]bool {
	out := make(map[string]bool)
	for _, p := range s.pushes {
		if p.State.Open() {
			out[p.ChunkID] = true
		}
	}
	return out
}

// Refresh deletes completed and expired pushes, then fills the open set up
// to MaxActive with pending pushes for the highest-scoring due chunks at or
// above the score threshold that have no open push yet.
func (s *Scheduler) Refresh(ctx context.Context, now time.Time) (RefreshResult, error) {
	var res RefreshResult

	for id, p := range s.pushes {
		if p.State == model.PushCompleted || p.State == model.PushExpired || p.Expired(now) {
			delete(s.pushes, id)
			delete(s.messages, id)
			res.Deleted++
		}
	}

	open := s.openChunkIDs()
	type scored struct {
		chunk model.Chunk
		score float64
	}
	var candidates []scored
	for _, c := range s.chunks.ListDue(now) {
		if open[c.ID] {
			continue
		}
		// Score at the current instant; the cached chunk score does
		// not track the clock.
		sc := scoring.ChunkScore(c, now)
		if sc < s.cfg.ScoreThreshold {
			continue
		}
		candidates = append(candidates, scored{chunk: c, score: sc})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score == candidates[j].score {
			return candidates[i].chunk.ID < candidates[j].chunk.ID
		}
		return candidates[i].score > candidates[j].score
	})

	res.Kept = s.openCount()
	for _, cand := range candidates {
		if s.openCount() >= s.cfg.MaxActive {
			break
		}
		p := model.Push{
			ID:        s.newID(),
			ChunkID:   cand.chunk.ID,
			State:     model.PushPending,
			CreatedAt: now,
			ExpiresAt: now.Add(s.cfg.DueWindow),
		}
		s.pushes[p.ID] = p
		res.Created++
	}

	if err := s.save(ctx); err != nil {
		return res, err
	}
	s.notify()
	return res, nil
}

// StartConversation transitions a pending push to active and appends the
// tutoring service's opening question. On tutor failure nothing is mutated.
func (s *Scheduler) StartConversation(ctx context.Context, pushID string) (model.PushMessage, error) {
	p, ok := s.pushes[pushID]
	if !ok {
		return model.PushMessage{}, ErrNotFound
	}
	if p.State != model.PushPending {
		return model.PushMessage{}, fmt.Errorf("%w: %s is %s, want pending", ErrInvalidState, pushID, p.State)
	}
	if s.tutor == nil {
		return model.PushMessage{}, ErrNoTutor
	}
	chunk, ok := s.chunks.Get(p.ChunkID)
	if !ok {
		return model.PushMessage{}, fmt.Errorf("push %s: %w", pushID, store.ErrNotFound)
	}

	question, err := s.tutor.OpeningQuestion(ctx, OpeningRequest{
		ChunkContent:  chunk.Content,
		FamiliarScore: chunk.FamiliarScore,
		Language:      s.cfg.Language,
	})
	if err != nil {
		return model.PushMessage{}, fmt.Errorf("opening question: %w", err)
	}

	p.State = model.PushActive
	s.pushes[pushID] = p
	msg := s.appendMessage(pushID, model.SenderTutor, question)

	if err := s.save(ctx); err != nil {
		return msg, err
	}
	s.notify()
	return msg, nil
}

// SendUserMessage appends a user turn to an active push, obtains the tutor's
// reply, and appends it. When the tutor signals session end, the push
// completes and the evaluation grade is applied to the owning chunk. On
// tutor failure nothing is mutated — the user message is not kept either.
func (s *Scheduler) SendUserMessage(ctx context.Context, pushID, text string) (TurnReply, error) {
	p, ok := s.pushes[pushID]
	if !ok {
		return TurnReply{}, ErrNotFound
	}
	if p.State != model.PushActive {
		return TurnReply{}, fmt.Errorf("%w: %s is %s, want active", ErrInvalidState, pushID, p.State)
	}
	if s.tutor == nil {
		return TurnReply{}, ErrNoTutor
	}
	chunk, ok := s.chunks.Get(p.ChunkID)
	if !ok {
		return TurnReply{}, fmt.Errorf("push %s: %w", pushID, store.ErrNotFound)
	}

	userMsg := model.PushMessage{
		ID:        s.newID(),
		PushID:    pushID,
		Sender:    model.SenderUser,
		Content:   text,
		Timestamp: time.Now(),
	}
	history := append(s.Messages(pushID), userMsg)

	reply, err := s.tutor.Respond(ctx, TurnRequest{
		ChunkContent:  chunk.Content,
		FamiliarScore: chunk.FamiliarScore,
		Language:      s.cfg.Language,
		History:       history,
		ForceEvaluate: false,
	})
	if err != nil {
		return TurnReply{}, fmt.Errorf("tutor turn: %w", err)
	}
	// A session end without a grade would strand the push active while the
	// caller believes it finished. Reject it before touching state.
	if reply.ShouldEnd && reply.Evaluation == nil {
		return TurnReply{}, fmt.Errorf("tutor turn: session ended without an evaluation")
	}

	s.messages[pushID] = append(s.messages[pushID], userMsg)
	s.appendMessage(pushID, model.SenderTutor, reply.Response)

	if reply.ShouldEnd {
		if err := s.complete(ctx, pushID, reply.Evaluation, time.Now()); err != nil {
			return reply, err
		}
	} else {
		if err := s.save(ctx); err != nil {
			return reply, err
		}
		s.notify()
	}
	return reply, nil
}

// ForceAutoEvaluate asks the tutor for an immediate evaluation of an active
// push and completes it with the returned grade.
func (s *Scheduler) ForceAutoEvaluate(ctx context.Context, pushID string) (model.Evaluation, error) {
	p, ok := s.pushes[pushID]
	if !ok {
		return model.Evaluation{}, ErrNotFound
	}
	if p.State != model.PushActive {
		return model.Evaluation{}, fmt.Errorf("%w: %s is %s, want active", ErrInvalidState, pushID, p.State)
	}
	if s.tutor == nil {
		return model.Evaluation{}, ErrNoTutor
	}
	chunk, ok := s.chunks.Get(p.ChunkID)
	if !ok {
		return model.Evaluation{}, fmt.Errorf("push %s: %w", pushID, store.ErrNotFound)
	}

	reply, err := s.tutor.Respond(ctx, TurnRequest{
		ChunkContent:  chunk.Content,
		FamiliarScore: chunk.FamiliarScore,
		Language:      s.cfg.Language,
		History:       s.Messages(pushID),
		ForceEvaluate: true,
	})
	if err != nil {
		return model.Evaluation{}, fmt.Errorf("forced evaluation: %w", err)
	}
	if reply.Evaluation == nil {
		return model.Evaluation{}, fmt.Errorf("forced evaluation: tutor returned no evaluation")
	}

	if reply.Response != "" {
		s.appendMessage(pushID, model.SenderTutor, reply.Response)
	}
	if err := s.complete(ctx, pushID, reply.Evaluation, time.Now()); err != nil {
		return *reply.Evaluation, err
	}
	return *reply.Evaluation, nil
}

// ManualEvaluate grades a pending or active push directly, bypassing the
// tutoring service.
func (s *Scheduler) ManualEvaluate(ctx context.Context, pushID string, grade model.Grade, now time.Time) error {
	p, ok := s.pushes[pushID]
	if !ok {
		return ErrNotFound
	}
	if !p.State.Open() {
		return fmt.Errorf("%w: %s is %s, want pending or active", ErrInvalidState, pushID, p.State)
	}
	if !grade.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidGrade, grade)
	}
	return s.complete(ctx, pushID, &model.Evaluation{
		Grade:          grade,
		Recommendation: "manually graded",
	}, now)
}

// DeletePush removes a push and its messages, in any state. Unknown id
// returns ErrNotFound.
func (s *Scheduler) DeletePush(ctx context.Context, id string) error {
	if _, ok := s.pushes[id]; !ok {
		return ErrNotFound
	}
	delete(s.pushes, id)
	delete(s.messages, id)
	if err := s.save(ctx); err != nil {
		return err
	}
	s.notify()
	return nil
}

// DeletePushesForChunk removes every push referencing the chunk, and their
// messages. Removing nothing is not an error.
func (s *Scheduler) DeletePushesForChunk(ctx context.Context, chunkID string) error {
	return s.cascadeDelete(ctx, chunkID)
}

// cascadeDelete is the hook the chunk store calls before deleting a chunk.
// Observers are notified whenever the push set actually changed.
func (s *Scheduler) cascadeDelete(ctx context.Context, chunkID string) error {
	removed := false
	for id, p := range s.pushes {
		if p.ChunkID == chunkID {
			delete(s.pushes, id)
			delete(s.messages, id)
			removed = true
		}
	}
	if !removed {
		return nil
	}
	if err := s.save(ctx); err != nil {
		return err
	}
	s.notify()
	return nil
}

// complete marks the push completed with the evaluation and writes the grade
// back into the owning chunk through the SM2 recurrence.
func (s *Scheduler) complete(ctx context.Context, pushID string, ev *model.Evaluation, now time.Time) error {
	p := s.pushes[pushID]

	if _, err := s.chunks.ApplyReview(ctx, p.ChunkID, ev.Grade, now); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("apply grade: %w", err)
	}

	p.State = model.PushCompleted
	p.Evaluation = ev
	s.pushes[pushID] = p

	if err := s.save(ctx); err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *Scheduler) appendMessage(pushID string, sender model.Sender, content string) model.PushMessage {
	msg := model.PushMessage{
		ID:        s.newID(),
		PushID:    pushID,
		Sender:    sender,
		Content:   content,
		Timestamp: time.Now(),
	}
	s.messages[pushID] = append(s.messages[pushID], msg)
	return msg
}

// save persists the full push and message set.
func (s *Scheduler) save(ctx context.Context) error {
	pushes := s.List()
	var messages []model.PushMessage
	for _, p := range pushes {
		messages = append(messages, s.messages[p.ID]...)
	}
	if err := s.persist.SavePushes(ctx, pushes, messages); err != nil {
		return fmt.Errorf("save pushes: %w", err)
	}
	return nil
}
