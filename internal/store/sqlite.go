package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/notekeep/retain/internal/model"
)

// SQLiteStore implements Persister on a SQLite database. Saves replace the
// full keyed set in one transaction, matching the save-on-mutation contract.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{db: db, dbPath: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chunks (
		id               TEXT PRIMARY KEY,
		note_path        TEXT NOT NULL,
		content          TEXT NOT NULL,
		chunk_type       TEXT NOT NULL DEFAULT 'knowledge',
		importance       TEXT NOT NULL DEFAULT 'medium',
		needs_review     INTEGER NOT NULL DEFAULT 1,
		ef               REAL NOT NULL,
		repetitions      INTEGER NOT NULL DEFAULT 0,
		interval_days    INTEGER NOT NULL DEFAULT 1,
		familiar_score   REAL NOT NULL DEFAULT 0,
		chunk_score      REAL NOT NULL DEFAULT 0,
		due_at           TEXT NOT NULL,
		created_at       TEXT NOT NULL,
		last_reviewed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_note ON chunks(note_path);
	CREATE INDEX IF NOT EXISTS idx_chunks_due ON chunks(due_at);

	CREATE TABLE IF NOT EXISTS pushes (
		id         TEXT PRIMARY KEY,
		chunk_id   TEXT NOT NULL,
		state      TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		grade      INTEGER,
		recommendation TEXT,
		confidence REAL
	);
	CREATE INDEX IF NOT EXISTS idx_pushes_chunk ON pushes(chunk_id);

	CREATE TABLE IF NOT EXISTS push_messages (
		id        TEXT PRIMARY KEY,
		push_id   TEXT NOT NULL REFERENCES pushes(id),
		seq       INTEGER NOT NULL,
		sender    TEXT NOT NULL,
		content   TEXT NOT NULL,
		timestamp TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_push ON push_messages(push_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// LoadChunks reads the full chunk set.
func (s *SQLiteStore) LoadChunks(ctx context.Context) ([]model.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, note_path, content, chunk_type, importance, needs_review,
		       ef, repetitions, interval_days, familiar_score, chunk_score,
		       due_at, created_at, last_reviewed_at
		FROM chunks ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []model.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// SaveChunks replaces the stored chunk set in one transaction.
func (s *SQLiteStore) SaveChunks(ctx context.Context, chunks []model.Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks`); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}
	for _, c := range chunks {
		var lastReviewed *string
		if c.LastReviewedAt != nil {
			v := c.LastReviewedAt.UTC().Format(time.RFC3339)
			lastReviewed = &v
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (id, note_path, content, chunk_type, importance, needs_review,
			                    ef, repetitions, interval_days, familiar_score, chunk_score,
			                    due_at, created_at, last_reviewed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.NotePath, c.Content, c.ChunkType, string(c.Importance), boolInt(c.NeedsReview),
			c.EF, c.Repetitions, c.IntervalDays, c.FamiliarScore, c.ChunkScore,
			c.DueAt.UTC().Format(time.RFC3339), c.CreatedAt.UTC().Format(time.RFC3339), lastReviewed)
		if err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
	}
	return tx.Commit()
}

// LoadPushes reads the full push and message set.
func (s *SQLiteStore) LoadPushes(ctx context.Context) ([]model.Push, []model.PushMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chunk_id, state, created_at, expires_at, grade, recommendation, confidence
		FROM pushes ORDER BY created_at, id`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var pushes []model.Push
	for rows.Next() {
		var p model.Push
		var state, createdAt, expiresAt string
		var grade sql.NullInt64
		var recommendation sql.NullString
		var confidence sql.NullFloat64
		if err := rows.Scan(&p.ID, &p.ChunkID, &state, &createdAt, &expiresAt,
			&grade, &recommendation, &confidence); err != nil {
			return nil, nil, err
		}
		p.State = model.PushState(state)
		p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		p.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt)
		if grade.Valid {
			ev := &model.Evaluation{
				Grade:          model.Grade(grade.Int64),
				Recommendation: recommendation.String,
			}
			if confidence.Valid {
				c := confidence.Float64
				ev.Confidence = &c
			}
			p.Evaluation = ev
		}
		pushes = append(pushes, p)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	msgRows, err := s.db.QueryContext(ctx, `
		SELECT id, push_id, sender, content, timestamp
		FROM push_messages ORDER BY push_id, seq`)
	if err != nil {
		return nil, nil, err
	}
	defer msgRows.Close()

	var messages []model.PushMessage
	for msgRows.Next() {
		var m model.PushMessage
		var sender, ts string
		if err := msgRows.Scan(&m.ID, &m.PushID, &sender, &m.Content, &ts); err != nil {
			return nil, nil, err
		}
		m.Sender = model.Sender(sender)
		m.Timestamp, _ = time.Parse(time.RFC3339, ts)
		messages = append(messages, m)
	}
	return pushes, messages, msgRows.Err()
}

// SavePushes replaces the stored push and message set in one transaction.
// Messages are saved in the order given, which is their conversation order.
func (s *SQLiteStore) SavePushes(ctx context.Context, pushes []model.Push, messages []model.PushMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM push_messages`); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pushes`); err != nil {
		return fmt.Errorf("clear pushes: %w", err)
	}
	for _, p := range pushes {
		var grade *int
		var recommendation *string
		var confidence *float64
		if p.Evaluation != nil {
			g := int(p.Evaluation.Grade)
			grade = &g
			recommendation = &p.Evaluation.Recommendation
			confidence = p.Evaluation.Confidence
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pushes (id, chunk_id, state, created_at, expires_at, grade, recommendation, confidence)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.ChunkID, string(p.State),
			p.CreatedAt.UTC().Format(time.RFC3339), p.ExpiresAt.UTC().Format(time.RFC3339),
			grade, recommendation, confidence)
		if err != nil {
			return fmt.Errorf("insert push: %w", err)
		}
	}
	seq := make(map[string]int, len(pushes))
	for _, m := range messages {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO push_messages (id, push_id, seq, sender, content, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, m.PushID, seq[m.PushID], string(m.Sender), m.Content,
			m.Timestamp.UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		seq[m.PushID]++
	}
	return tx.Commit()
}

// SearchParams holds parameters for searching chunks.
type SearchParams struct {
	Query    string
	NotePath string
	Limit    int
}

// Search finds chunks whose content or note path match the query substring.
func (s *SQLiteStore) Search(ctx context.Context, p SearchParams) ([]model.Chunk, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	query := "%" + p.Query + "%"
	where := []string{"(content LIKE ? OR note_path LIKE ?)"}
	args := []interface{}{query, query}
	if p.NotePath != "" {
		where = append(where, "note_path = ?")
		args = append(args, p.NotePath)
	}

	sqlQuery := fmt.Sprintf(`
		SELECT id, note_path, content, chunk_type, importance, needs_review,
		       ef, repetitions, interval_days, familiar_score, chunk_score,
		       due_at, created_at, last_reviewed_at
		FROM chunks WHERE %s
		ORDER BY chunk_score DESC, created_at DESC
		LIMIT ?`, strings.Join(where, " AND "))
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []model.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// Stats holds database statistics.
type Stats struct {
	DBPath        string         `json:"db_path"`
	DBSizeBytes   int64          `json:"db_size_bytes"`
	TotalChunks   int            `json:"total_chunks"`
	DueChunks     int            `json:"due_chunks"`
	OpenPushes    int            `json:"open_pushes"`
	Notes         int            `json:"notes"`
	ByImportance  map[string]int `json:"by_importance"`
	AvgEF         float64        `json:"avg_ef"`
	AvgFamiliar   float64        `json:"avg_familiar"`
	TotalMessages int            `json:"total_messages"`
}

// Stats returns aggregate statistics for the database.
func (s *SQLiteStore) Stats(ctx context.Context, now time.Time) (*Stats, error) {
	st := &Stats{DBPath: s.dbPath, ByImportance: map[string]int{}}

	if info, err := os.Stat(s.dbPath); err == nil {
		st.DBSizeBytes = info.Size()
	}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&st.TotalChunks)
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE needs_review = 1 AND due_at <= ?`,
		now.UTC().Format(time.RFC3339)).Scan(&st.DueChunks)
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pushes WHERE state IN ('pending', 'active')`).Scan(&st.OpenPushes)
	s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT note_path) FROM chunks`).Scan(&st.Notes)
	s.db.QueryRowContext(ctx,
		`SELECT COALESCE(AVG(ef), 0), COALESCE(AVG(familiar_score), 0) FROM chunks`).
		Scan(&st.AvgEF, &st.AvgFamiliar)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM push_messages`).Scan(&st.TotalMessages)

	rows, err := s.db.QueryContext(ctx,
		`SELECT importance, COUNT(*) FROM chunks GROUP BY importance`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var level string
		var count int
		rows.Scan(&level, &count)
		st.ByImportance[level] = count
	}
	return st, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanChunk(row scanner) (model.Chunk, error) {
	var c model.Chunk
	var importance, dueAt, createdAt string
	var needsReview int
	var lastReviewed sql.NullString

	err := row.Scan(
		&c.ID, &c.NotePath, &c.Content, &c.ChunkType, &importance, &needsReview,
		&c.EF, &c.Repetitions, &c.IntervalDays, &c.FamiliarScore, &c.ChunkScore,
		&dueAt, &createdAt, &lastReviewed,
	)
	if err != nil {
		return c, err
	}

	c.Importance = model.Importance(importance)
	c.NeedsReview = needsReview != 0
	c.DueAt, _ = time.Parse(time.RFC3339, dueAt)
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if lastReviewed.Valid {
		t, _ := time.Parse(time.RFC3339, lastReviewed.String)
		c.LastReviewedAt = &t
	}
	return c, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
