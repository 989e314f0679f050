// Package oracle asks a language model to adjudicate reconciliation
// decisions that the rule engine could not settle on its own. All
// escalated entities in a batch go out in a single prompt.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Client adjudicates a batch of ambiguous entities in one call.
type Client interface {
	Decide(ctx context.Context, req BatchRequest) (*BatchResponse, error)
}

// EntityRequest is one entity awaiting adjudication, with the candidates
// the matcher found for it.
type EntityRequest struct {
	Name       string      `json:"name"`
	EntityType string      `json:"entity_type,omitempty"`
	Industry   string      `json:"industry,omitempty"`
	Contacts   []Contact   `json:"contacts,omitempty"`
	Candidates []Candidate `json:"candidates"`
}

// Contact is the slice of contact data the model needs to compare entities.
type Contact struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Candidate is an existing entity the model may pick as a merge or update
// target.
type Candidate struct {
	Path      string  `json:"path"`
	Name      string  `json:"name"`
	MatchType string  `json:"match_type"`
	Score     float64 `json:"score"`
}

// BatchRequest carries every escalated entity from one pipeline batch.
type BatchRequest struct {
	Entities []EntityRequest `json:"entities"`
}

// Verdict is the model's decision for one entity.
type Verdict struct {
	EntityName string  `json:"entity_name"`
	Action     string  `json:"action"`
	TargetPath string  `json:"target_path,omitempty"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// BatchResponse holds the verdicts keyed by lowercased entity name.
type BatchResponse struct {
	verdicts map[string]Verdict
}

// NewBatchResponse builds a response from verdicts directly, for fakes and
// non-LLM client implementations.
func NewBatchResponse(verdicts ...Verdict) *BatchResponse {
	m := make(map[string]Verdict, len(verdicts))
	for _, v := range verdicts {
		m[strings.ToLower(strings.TrimSpace(v.EntityName))] = v
	}
	return &BatchResponse{verdicts: m}
}

// For looks up the verdict for an entity, case-insensitively.
func (r *BatchResponse) For(entityName string) (Verdict, bool) {
	v, ok := r.verdicts[strings.ToLower(strings.TrimSpace(entityName))]
	return v, ok
}

// Len reports how many verdicts the model returned.
func (r *BatchResponse) Len() int { return len(r.verdicts) }

const systemPrompt = `You are an entity reconciliation assistant. For each extracted entity you receive, decide whether it should be merged into an existing entity, used to update one, or created as a new entity.

Rules:
- "merge" when the entity is the same organization or person as a candidate.
- "update" when it clearly refers to a candidate but adds new information.
- "create" when no candidate is the same entity.
- target_path is required for merge and update, and must be one of the candidate paths.
- confidence is your certainty in the decision, between 0 and 1.

Respond with JSON only, no prose, in this shape:
{"decisions": [{"entity_name": "...", "action": "merge|update|create", "target_path": "...", "confidence": 0.0, "reasoning": "..."}]}`

// anthropicClient implements Client using the official anthropic-sdk-go.
type anthropicClient struct {
	client    sdk.Client
	model     string
	maxTokens int64
}

// New creates an adjudication client backed by the Anthropic API.
func New(apiKey, model string, maxTokens int64) Client {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &anthropicClient{
		client:    sdk.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (c *anthropicClient) Decide(ctx context.Context, req BatchRequest) (*BatchResponse, error) {
	if len(req.Entities) == 0 {
		return &BatchResponse{verdicts: map[string]Verdict{}}, nil
	}

	payload, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "oracle: marshal request")
	}

	msg, err := c.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: c.maxTokens,
		System: []sdk.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(string(payload))),
		},
		Temperature: sdk.Float(0),
	})
	if err != nil {
		return nil, eris.Wrap(err, "oracle: create message")
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	resp, err := ParseResponse(text.String())
	if err != nil {
		return nil, err
	}

	zap.L().Debug("oracle batch adjudicated",
		zap.String("model", c.model),
		zap.Int("entities", len(req.Entities)),
		zap.Int("verdicts", resp.Len()),
		zap.Int64("input_tokens", msg.Usage.InputTokens),
		zap.Int64("output_tokens", msg.Usage.OutputTokens),
	)
	return resp, nil
}

// ParseResponse parses the model's JSON reply into a BatchResponse.
// Markdown code fences around the JSON are tolerated.
func ParseResponse(text string) (*BatchResponse, error) {
	text = stripFences(strings.TrimSpace(text))

	var parsed struct {
		Decisions []Verdict `json:"decisions"`
	}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, eris.Wrap(err, "oracle: parse response")
	}

	verdicts := make(map[string]Verdict, len(parsed.Decisions))
	for _, v := range parsed.Decisions {
		key := strings.ToLower(strings.TrimSpace(v.EntityName))
		if key == "" {
			continue
		}
		if v.Confidence < 0 || v.Confidence > 1 {
			return nil, eris.New(fmt.Sprintf("oracle: confidence out of range for %q: %v", v.EntityName, v.Confidence))
		}
		verdicts[key] = v
	}
	return &BatchResponse{verdicts: verdicts}, nil
}

func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
