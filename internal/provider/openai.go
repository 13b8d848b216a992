// Package provider implements the knowledge-extraction and tutoring
// collaborators on the OpenAI responses API with strict JSON-schema output.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"github.com/notekeep/retain/internal/merge"
	"github.com/notekeep/retain/internal/model"
	"github.com/notekeep/retain/internal/push"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "gpt-4o-mini"

// Config configures the OpenAI-backed services.
type Config struct {
	APIKey string
	Model  string
}

// Client implements merge.Extractor and push.Tutor.
type Client struct {
	client openai.Client
	model  string
}

// Compile-time interface checks.
var (
	_ merge.Extractor = (*Client)(nil)
	_ push.Tutor      = (*Client)(nil)
)

// New returns a client, or a ConfigError when the API key is absent. The
// check happens here so no call is ever attempted without credentials.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, &ConfigError{Missing: "OPENAI_API_KEY"}
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		client: openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  model,
	}, nil
}

// Structured-output shapes. Strict mode requires every field present, so the
// turn evaluation is a zeroed object rather than null while a session is
// still running.

type chunkOut struct {
	Content string `json:"content"`
}

type extractOut struct {
	Chunks []chunkOut `json:"chunks"`
}

type decisionOut struct {
	ID              string `json:"id"`
	Action          string `json:"action"`
	ModifiedContent string `json:"modified_content"`
	UpdateLevel     string `json:"update_level"`
}

type incrementalOut struct {
	ExistingDecisions []decisionOut `json:"existing_decisions"`
	NewChunks         []chunkOut    `json:"new_chunks"`
}

type evaluationOut struct {
	Grade          int     `json:"grade"`
	Recommendation string  `json:"recommendation"`
	Confidence     float64 `json:"confidence"`
}

type openingOut struct {
	Question string `json:"question"`
}

type turnOut struct {
	Response   string        `json:"response"`
	ShouldEnd  bool          `json:"should_end"`
	Evaluation evaluationOut `json:"evaluation"`
}

var (
	extractSchema     = generateSchema[extractOut]()
	incrementalSchema = generateSchema[incrementalOut]()
	openingSchema     = generateSchema[openingOut]()
	turnSchema        = generateSchema[turnOut]()
)

// Extract produces chunks for a note with no existing chunks.
func (c *Client) Extract(ctx context.Context, noteTitle, noteContent string) ([]merge.NewChunk, error) {
	input := fmt.Sprintf("Note title: %s\n\nNote content:\n%s", noteTitle, noteContent)

	var out extractOut
	if err := c.structured(ctx, "extract", extractPrompt, input, "KnowledgeChunks", extractSchema, &out); err != nil {
		return nil, err
	}

	chunks := make([]merge.NewChunk, 0, len(out.Chunks))
	for _, ch := range out.Chunks {
		chunks = append(chunks, merge.NewChunk{Content: strings.TrimSpace(ch.Content)})
	}
	return chunks, nil
}

// ExtractIncremental produces a keep/modify/delete decision per existing
// chunk plus new chunks for the updated note.
func (c *Client) ExtractIncremental(ctx context.Context, noteTitle, noteContent string, existing []merge.ExistingChunk) (merge.Batch, error) {
	existingJSON, err := json.Marshal(existing)
	if err != nil {
		return merge.Batch{}, &ServiceError{Op: "extract incremental", Err: err}
	}
	input := fmt.Sprintf("Note title: %s\n\nNote content:\n%s\n\nExisting chunks:\n%s",
		noteTitle, noteContent, existingJSON)

	var out incrementalOut
	if err := c.structured(ctx, "extract incremental", extractIncrementalPrompt, input, "ChunkDecisions", incrementalSchema, &out); err != nil {
		return merge.Batch{}, err
	}

	batch := merge.Batch{}
	for _, d := range out.ExistingDecisions {
		batch.Decisions = append(batch.Decisions, merge.Decision{
			ID:              d.ID,
			Action:          merge.Action(d.Action),
			ModifiedContent: d.ModifiedContent,
			UpdateLevel:     merge.UpdateLevel(d.UpdateLevel),
		})
	}
	for _, ch := range out.NewChunks {
		batch.NewChunks = append(batch.NewChunks, merge.NewChunk{Content: strings.TrimSpace(ch.Content)})
	}
	return batch, nil
}

// OpeningQuestion asks the tutor for the first question of a review session.
func (c *Client) OpeningQuestion(ctx context.Context, req push.OpeningRequest) (string, error) {
	input := fmt.Sprintf("Language: %s\nFamiliarity: %.2f\n\nChunk:\n%s",
		req.Language, req.FamiliarScore, req.ChunkContent)

	var out openingOut
	if err := c.structured(ctx, "opening question", tutorOpeningPrompt, input, "OpeningQuestion", openingSchema, &out); err != nil {
		return "", err
	}
	question := strings.TrimSpace(out.Question)
	if question == "" {
		return "", &ServiceError{Op: "opening question", Err: fmt.Errorf("empty question in response")}
	}
	return question, nil
}

// Respond produces the tutor's next turn given the full conversation.
func (c *Client) Respond(ctx context.Context, req push.TurnRequest) (push.TurnReply, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Language: %s\nFamiliarity: %.2f\nForce evaluation: %v\n\nChunk:\n%s\n\nConversation:\n",
		req.Language, req.FamiliarScore, req.ForceEvaluate, req.ChunkContent)
	for _, m := range req.History {
		fmt.Fprintf(&sb, "[%s] %s\n", m.Sender, m.Content)
	}

	instructions := tutorTurnPrompt
	if req.ForceEvaluate {
		instructions += "\nThe session must end now: set should_end to true and evaluate."
	}

	var out turnOut
	if err := c.structured(ctx, "tutor turn", instructions, sb.String(), "TutorTurn", turnSchema, &out); err != nil {
		return push.TurnReply{}, err
	}

	reply := push.TurnReply{
		Response:  strings.TrimSpace(out.Response),
		ShouldEnd: out.ShouldEnd || req.ForceEvaluate,
	}
	if reply.ShouldEnd {
		grade := model.Grade(out.Evaluation.Grade)
		if !grade.IsValid() {
			return push.TurnReply{}, &ServiceError{
				Op:  "tutor turn",
				Err: fmt.Errorf("evaluation grade %d out of range", out.Evaluation.Grade),
			}
		}
		confidence := out.Evaluation.Confidence
		reply.Evaluation = &model.Evaluation{
			Grade:          grade,
			Recommendation: strings.TrimSpace(out.Evaluation.Recommendation),
			Confidence:     &confidence,
		}
	}
	return reply, nil
}

// structured performs one strict JSON-schema call and decodes the output.
func (c *Client) structured(ctx context.Context, op, instructions, input, schemaName string, schema map[string]interface{}, out interface{}) error {
	format := responses.ResponseFormatTextConfigUnionParam{
		OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
			Name:   schemaName,
			Schema: schema,
			Strict: openai.Bool(true),
			Type:   "json_schema",
		},
	}

	params := responses.ResponseNewParams{
		Model:        c.model,
		Instructions: openai.String(instructions),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(input, responses.EasyInputMessageRoleUser),
			},
		},
		Text: responses.ResponseTextConfigParam{
			Format: format,
		},
	}

	resp, err := callWithRetry(ctx, &c.client, params)
	if err != nil {
		return &ServiceError{Op: op, Err: err}
	}
	if err := json.Unmarshal([]byte(resp.OutputText()), out); err != nil {
		return &ServiceError{Op: op, Err: fmt.Errorf("unmarshal response: %w", err)}
	}
	return nil
}

// callWithRetry retries rate-limited and server-errored calls with fixed
// backoff. Other failures surface immediately.
func callWithRetry(ctx context.Context, client *openai.Client, params responses.ResponseNewParams) (*responses.Response, error) {
	const maxRetries = 3
	waits := []time.Duration{2 * time.Second, 10 * time.Second, 30 * time.Second}

	for attempt := 0; attempt < maxRetries; attempt++ {
		resp, err := client.Responses.New(ctx, params)
		if err != nil {
			if (isRateLimitError(err) || isServerError(err)) && attempt < maxRetries-1 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(waits[attempt]):
				}
				continue
			}
			return nil, err
		}
		return resp, nil
	}
	return nil, fmt.Errorf("failed after %d attempts", maxRetries)
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "429") ||
		strings.Contains(s, "rate limit") ||
		strings.Contains(s, "too many requests")
}

func isServerError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "500") ||
		strings.Contains(s, "internal server error") ||
		strings.Contains(s, "server_error")
}
