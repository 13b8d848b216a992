package push

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/notekeep/retain/internal/model"
	"github.com/notekeep/retain/internal/store"
)

type memPersister struct {
	chunks   []model.Chunk
	pushes   []model.Push
	messages []model.PushMessage
}

func (m *memPersister) LoadChunks(context.Context) ([]model.Chunk, error) { return m.chunks, nil }
func (m *memPersister) SaveChunks(_ context.Context, cs []model.Chunk) error {
	m.chunks = cs
	return nil
}
func (m *memPersister) LoadPushes(context.Context) ([]model.Push, []model.PushMessage, error) {
	return m.pushes, m.messages, nil
}
func (m *memPersister) SavePushes(_ context.Context, ps []model.Push, ms []model.PushMessage) error {
	m.pushes, m.messages = ps, ms
	return nil
}

// fakeTutor scripts one reply, or fails every call.
type fakeTutor struct {
	opening string
	reply   TurnReply
	fail    bool
	calls   int
}

func (f *fakeTutor) OpeningQuestion(context.Context, OpeningRequest) (string, error) {
	f.calls++
	if f.fail {
		return "", errors.New("tutor unavailable")
	}
	return f.opening, nil
}

func (f *fakeTutor) Respond(_ context.Context, req TurnRequest) (TurnReply, error) {
	f.calls++
	if f.fail {
		return TurnReply{}, errors.New("tutor unavailable")
	}
	reply := f.reply
	if req.ForceEvaluate {
		reply.ShouldEnd = true
		if reply.Evaluation == nil {
			reply.Evaluation = &model.Evaluation{Grade: 3, Recommendation: "forced"}
		}
	}
	return reply, nil
}

func newTestScheduler(t *testing.T, cfg Config, tutor Tutor) (*Scheduler, *store.ChunkStore) {
	t.Helper()
	ctx := context.Background()
	p := &memPersister{}
	chunks, err := store.Open(ctx, p)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	s, err := New(ctx, cfg, chunks, p, tutor)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s, chunks
}

// seedDue creates n overdue chunks.
func seedDue(t *testing.T, chunks *store.ChunkStore, n int, now time.Time) []model.Chunk {
	t.Helper()
	out := make([]model.Chunk, 0, n)
	for i := 0; i < n; i++ {
		c, err := chunks.Create(context.Background(), store.CreateParams{
			NotePath:   "n.md",
			Content:    fmt.Sprintf("fact %d", i),
			Importance: model.ImportanceHigh,
		}, now.AddDate(0, 0, -3))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		out = append(out, c)
	}
	return out
}

func TestRefreshBounded(t *testing.T) {
	ctx := context.Background()
	s, chunks := newTestScheduler(t, Config{MaxActive: 3, ScoreThreshold: 2}, nil)
	now := time.Now()
	seedDue(t, chunks, 10, now)

	res, err := s.Refresh(ctx, now)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if res.Created != 3 {
		t.Errorf("created = %d, want 3", res.Created)
	}
	if open := s.openCount(); open != 3 {
		t.Errorf("open pushes = %d, want 3", open)
	}
}

func TestRefreshIdempotent(t *testing.T) {
	ctx := context.Background()
	s, chunks := newTestScheduler(t, Config{MaxActive: 5, ScoreThreshold: 2}, nil)
	now := time.Now()
	seedDue(t, chunks, 2, now)

	first, err := s.Refresh(ctx, now)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if first.Created != 2 {
		t.Fatalf("created = %d, want 2", first.Created)
	}

	second, err := s.Refresh(ctx, now)
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if second.Created != 0 || second.Deleted != 0 {
		t.Errorf("second refresh = %+v, want no churn", second)
	}
	if second.Kept != 2 {
		t.Errorf("kept = %d, want 2", second.Kept)
	}
}

func TestRefreshThreshold(t *testing.T) {
	ctx := context.Background()
	s, chunks := newTestScheduler(t, Config{MaxActive: 5, ScoreThreshold: 2}, nil)
	now := time.Now()

	// Overdue, high importance, barely familiar: selected.
	hot, _ := chunks.Create(ctx, store.CreateParams{
		NotePath: "n.md", Content: "hot", Importance: model.ImportanceHigh,
	}, now.AddDate(0, 0, -3))
	familiar := 0.1
	chunks.Update(ctx, hot.ID, store.UpdateParams{FamiliarScore: &familiar}, now)

	// Due in 10 days, low importance, mastered: excluded (and not due).
	cold, _ := chunks.Create(ctx, store.CreateParams{
		NotePath: "n.md", Content: "cold", Importance: model.ImportanceLow,
	}, now)
	mastered := 0.9
	future := now.AddDate(0, 0, 10)
	chunks.Update(ctx, cold.ID, store.UpdateParams{FamiliarScore: &mastered, DueAt: &future}, now)

	res, err := s.Refresh(ctx, now)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if res.Created != 1 {
		t.Fatalf("created = %d, want 1", res.Created)
	}
	created := s.List()[0]
	if created.ChunkID != hot.ID {
		t.Errorf("selected chunk %s, want %s", created.ChunkID, hot.ID)
	}
}

func TestRefreshDeletesExpired(t *testing.T) {
	ctx := context.Background()
	s, chunks := newTestScheduler(t, Config{MaxActive: 5, ScoreThreshold: 0, DueWindow: time.Hour}, nil)
	now := time.Now()
	seedDue(t, chunks, 1, now)

	if _, err := s.Refresh(ctx, now); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(s.List()) != 1 {
		t.Fatal("expected one push")
	}

	// Two hours later the push has expired; the same chunk is still due,
	// so a replacement is created.
	later := now.Add(2 * time.Hour)
	res, err := s.Refresh(ctx, later)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if res.Deleted != 1 || res.Created != 1 {
		t.Errorf("refresh = %+v, want 1 deleted, 1 created", res)
	}
}

func TestStartConversation(t *testing.T) {
	ctx := context.Background()
	tutor := &fakeTutor{opening: "what is an ease factor?"}
	s, chunks := newTestScheduler(t, Config{MaxActive: 1, ScoreThreshold: 0}, tutor)
	now := time.Now()
	seedDue(t, chunks, 1, now)
	s.Refresh(ctx, now)
	pushID := s.List()[0].ID

	msg, err := s.StartConversation(ctx, pushID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if msg.Sender != model.SenderTutor || msg.Content != tutor.opening {
		t.Errorf("opening message = %+v", msg)
	}
	if p, _ := s.Get(pushID); p.State != model.PushActive {
		t.Errorf("state = %s, want active", p.State)
	}

	// Not pending anymore.
	if _, err := s.StartConversation(ctx, pushID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second start err = %v, want ErrInvalidState", err)
	}
	if _, err := s.StartConversation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id err = %v, want ErrNotFound", err)
	}
}

func TestStartConversationTutorFailure(t *testing.T) {
	ctx := context.Background()
	tutor := &fakeTutor{fail: true}
	s, chunks := newTestScheduler(t, Config{MaxActive: 1, ScoreThreshold: 0}, tutor)
	now := time.Now()
	seedDue(t, chunks, 1, now)
	s.Refresh(ctx, now)
	pushID := s.List()[0].ID

	if _, err := s.StartConversation(ctx, pushID); err == nil {
		t.Fatal("expected tutor error")
	}
	// Nothing mutated.
	if p, _ := s.Get(pushID); p.State != model.PushPending {
		t.Errorf("state = %s, want still pending", p.State)
	}
	if msgs := s.Messages(pushID); len(msgs) != 0 {
		t.Errorf("messages = %d, want 0", len(msgs))
	}
}

func TestSendUserMessageCompletes(t *testing.T) {
	ctx := context.Background()
	confidence := 0.8
	tutor := &fakeTutor{
		opening: "q?",
		reply: TurnReply{
			Response:  "correct, session over",
			ShouldEnd: true,
			Evaluation: &model.Evaluation{
				Grade: 5, Recommendation: "well done", Confidence: &confidence,
			},
		},
	}
	s, chunks := newTestScheduler(t, Config{MaxActive: 1, ScoreThreshold: 0}, tutor)
	now := time.Now()
	seeded := seedDue(t, chunks, 1, now)
	s.Refresh(ctx, now)
	pushID := s.List()[0].ID
	s.StartConversation(ctx, pushID)

	reply, err := s.SendUserMessage(ctx, pushID, "my answer")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !reply.ShouldEnd {
		t.Fatal("expected session end")
	}

	p, _ := s.Get(pushID)
	if p.State != model.PushCompleted {
		t.Errorf("state = %s, want completed", p.State)
	}
	if p.Evaluation == nil || p.Evaluation.Grade != 5 {
		t.Errorf("evaluation = %+v", p.Evaluation)
	}

	// Opening + user + closing reply.
	if msgs := s.Messages(pushID); len(msgs) != 3 {
		t.Errorf("messages = %d, want 3", len(msgs))
	}

	// The grade reached the chunk through SM2.
	c, _ := chunks.Get(seeded[0].ID)
	if c.Repetitions != 1 {
		t.Errorf("chunk repetitions = %d, want 1", c.Repetitions)
	}
	if c.LastReviewedAt == nil {
		t.Error("lastReviewedAt not set by the graded review")
	}
	if c.FamiliarScore == 0 {
		t.Error("familiar score unchanged after grade 5")
	}
}

func TestSendUserMessageTutorFailure(t *testing.T) {
	ctx := context.Background()
	tutor := &fakeTutor{opening: "q?"}
	s, chunks := newTestScheduler(t, Config{MaxActive: 1, ScoreThreshold: 0}, tutor)
	now := time.Now()
	seedDue(t, chunks, 1, now)
	s.Refresh(ctx, now)
	pushID := s.List()[0].ID
	s.StartConversation(ctx, pushID)

	tutor.fail = true
	if _, err := s.SendUserMessage(ctx, pushID, "my answer"); err == nil {
		t.Fatal("expected tutor error")
	}
	// The user message was not kept: prior state fully unchanged.
	if msgs := s.Messages(pushID); len(msgs) != 1 {
		t.Errorf("messages = %d, want just the opening", len(msgs))
	}
	if p, _ := s.Get(pushID); p.State != model.PushActive {
		t.Errorf("state = %s, want still active", p.State)
	}
}

func TestForceAutoEvaluate(t *testing.T) {
	ctx := context.Background()
	tutor := &fakeTutor{opening: "q?", reply: TurnReply{Response: "wrapping up"}}
	s, chunks := newTestScheduler(t, Config{MaxActive: 1, ScoreThreshold: 0}, tutor)
	now := time.Now()
	seedDue(t, chunks, 1, now)
	s.Refresh(ctx, now)
	pushID := s.List()[0].ID

	// Requires active state.
	if _, err := s.ForceAutoEvaluate(ctx, pushID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState on pending", err)
	}

	s.StartConversation(ctx, pushID)
	ev, err := s.ForceAutoEvaluate(ctx, pushID)
	if err != nil {
		t.Fatalf("force evaluate: %v", err)
	}
	if !ev.Grade.IsValid() {
		t.Errorf("grade = %d", ev.Grade)
	}
	if p, _ := s.Get(pushID); p.State != model.PushCompleted {
		t.Errorf("state = %s, want completed", p.State)
	}
}

func TestManualEvaluate(t *testing.T) {
	ctx := context.Background()
	s, chunks := newTestScheduler(t, Config{MaxActive: 1, ScoreThreshold: 0}, nil)
	now := time.Now()
	seeded := seedDue(t, chunks, 1, now)
	s.Refresh(ctx, now)
	pushID := s.List()[0].ID

	if err := s.ManualEvaluate(ctx, pushID, 9, now); !errors.Is(err, ErrInvalidGrade) {
		t.Fatalf("err = %v, want ErrInvalidGrade", err)
	}

	// Valid straight from pending; no tutor involved.
	if err := s.ManualEvaluate(ctx, pushID, 2, now); err != nil {
		t.Fatalf("manual evaluate: %v", err)
	}
	p, _ := s.Get(pushID)
	if p.State != model.PushCompleted || p.Evaluation == nil || p.Evaluation.Grade != 2 {
		t.Errorf("push = %+v", p)
	}

	// A failing grade reset the chunk's streak.
	c, _ := chunks.Get(seeded[0].ID)
	if c.Repetitions != 0 {
		t.Errorf("repetitions = %d, want 0", c.Repetitions)
	}

	// Completed pushes cannot be graded again.
	if err := s.ManualEvaluate(ctx, pushID, 4, now); !errors.Is(err, ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
}

func TestChunkDeleteCascades(t *testing.T) {
	ctx := context.Background()
	tutor := &fakeTutor{opening: "q?"}
	s, chunks := newTestScheduler(t, Config{MaxActive: 1, ScoreThreshold: 0}, tutor)
	now := time.Now()
	seeded := seedDue(t, chunks, 1, now)
	s.Refresh(ctx, now)
	pushID := s.List()[0].ID
	s.StartConversation(ctx, pushID)

	if err := chunks.Delete(ctx, seeded[0].ID); err != nil {
		t.Fatalf("delete chunk: %v", err)
	}
	if _, ok := s.Get(pushID); ok {
		t.Error("push survived chunk deletion")
	}
	if msgs := s.Messages(pushID); len(msgs) != 0 {
		t.Errorf("messages = %d, want 0 after cascade", len(msgs))
	}
}

func TestCascadeDeleteNotifies(t *testing.T) {
	ctx := context.Background()
	s, chunks := newTestScheduler(t, Config{MaxActive: 1, ScoreThreshold: 0}, nil)
	now := time.Now()
	seeded := seedDue(t, chunks, 1, now)
	s.Refresh(ctx, now)

	notified := 0
	s.Subscribe(func() { notified++ })

	if err := chunks.Delete(ctx, seeded[0].ID); err != nil {
		t.Fatalf("delete chunk: %v", err)
	}
	if len(s.List()) != 0 {
		t.Fatal("push survived chunk deletion")
	}
	if notified != 1 {
		t.Errorf("notifications = %d, want 1 after cascade", notified)
	}

	// Cascading with nothing to remove stays silent.
	if err := s.DeletePushesForChunk(ctx, seeded[0].ID); err != nil {
		t.Fatalf("delete pushes: %v", err)
	}
	if notified != 1 {
		t.Errorf("notifications = %d, empty cascade should not notify", notified)
	}
}

func TestSendUserMessageEndWithoutEvaluation(t *testing.T) {
	ctx := context.Background()
	tutor := &fakeTutor{
		opening: "q?",
		reply:   TurnReply{Response: "bye", ShouldEnd: true},
	}
	s, chunks := newTestScheduler(t, Config{MaxActive: 1, ScoreThreshold: 0}, tutor)
	now := time.Now()
	seedDue(t, chunks, 1, now)
	s.Refresh(ctx, now)
	pushID := s.List()[0].ID
	s.StartConversation(ctx, pushID)

	if _, err := s.SendUserMessage(ctx, pushID, "my answer"); err == nil {
		t.Fatal("expected error for session end without evaluation")
	}
	// Rejected before any mutation.
	if p, _ := s.Get(pushID); p.State != model.PushActive {
		t.Errorf("state = %s, want still active", p.State)
	}
	if msgs := s.Messages(pushID); len(msgs) != 1 {
		t.Errorf("messages = %d, want just the opening", len(msgs))
	}
}

func TestNoTutorConfigured(t *testing.T) {
	ctx := context.Background()
	s, chunks := newTestScheduler(t, Config{MaxActive: 1, ScoreThreshold: 0}, nil)
	now := time.Now()
	seedDue(t, chunks, 1, now)
	s.Refresh(ctx, now)
	pushID := s.List()[0].ID

	if _, err := s.StartConversation(ctx, pushID); !errors.Is(err, ErrNoTutor) {
		t.Errorf("err = %v, want ErrNoTutor", err)
	}
}

func TestObserverNotified(t *testing.T) {
	ctx := context.Background()
	s, chunks := newTestScheduler(t, Config{MaxActive: 2, ScoreThreshold: 0}, nil)
	now := time.Now()
	seedDue(t, chunks, 1, now)

	notified := 0
	s.Subscribe(func() { notified++ })

	s.Refresh(ctx, now)
	if notified != 1 {
		t.Errorf("notifications after refresh = %d, want 1", notified)
	}

	pushID := s.List()[0].ID
	s.ManualEvaluate(ctx, pushID, 4, now)
	if notified != 2 {
		t.Errorf("notifications after grade = %d, want 2", notified)
	}

	s.DeletePush(ctx, pushID)
	if notified != 3 {
		t.Errorf("notifications after delete = %d, want 3", notified)
	}
}

func TestSchedulerReload(t *testing.T) {
	ctx := context.Background()
	p := &memPersister{}
	chunks, _ := store.Open(ctx, p)
	s, _ := New(ctx, Config{MaxActive: 2, ScoreThreshold: 0}, chunks, p, nil)
	now := time.Now()

	chunks.Create(ctx, store.CreateParams{NotePath: "n.md", Content: "fact"}, now.AddDate(0, 0, -2))
	s.Refresh(ctx, now)
	if len(s.List()) != 1 {
		t.Fatal("expected one push")
	}

	// A second scheduler over the same persister sees the saved set.
	reloaded, err := New(ctx, Config{MaxActive: 2, ScoreThreshold: 0}, chunks, p, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded.List()) != 1 {
		t.Errorf("reloaded pushes = %d, want 1", len(reloaded.List()))
	}
}
