package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const systemPrompt = `You are a meeting notes assistant. Extract important information concisely, ordered by priority.

Analyze the transcript and provide:
1. executive_summary: the main purpose and key outcomes; scale the length to the topics covered.
2. action_items: tasks ordered by importance, as [{"assignee": "Name", "task": "concise description"}].
   The assignee is whoever volunteered, was asked, or proposed the task. Skip trivial tasks. Use [] if none.
3. key_decisions: decisions ordered by impact, each under 15 words. Skip procedural decisions.
4. topics_discussed: main topics as 2-4 word phrases.

Speaker names appear before the colon (e.g. "Shaun:"). Always use that exact spelling for names.

Respond with a JSON object with exactly the keys executive_summary, action_items, key_decisions, topics_discussed.`

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAI summarizes with a chat completion constrained to JSON output.
type OpenAI struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai summarizer requires OPENAI_API_KEY")
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAI{client: &client, model: model, logger: logger}, nil
}

func (o *OpenAI) Summarize(ctx context.Context, lines []Line, language string) (Summary, error) {
	transcript, truncated := FormatTranscript(lines)
	if strings.TrimSpace(transcript) == "" {
		return Summary{}, ErrEmptyTranscript
	}
	if truncated {
		o.logger.Warn("transcript truncated for summary", "limit_chars", MaxTranscriptChars)
	}

	user := "Please summarize this meeting transcript:\n\n" + transcript
	if language != "" && language != "unknown" {
		user = fmt.Sprintf("The meeting language is %q; write the summary in that language.\n\n%s", language, user)
	}

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: o.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(user),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return Summary{}, fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Summary{}, fmt.Errorf("openai chat: empty response")
	}
	out, err := ParseSummary(resp.Choices[0].Message.Content)
	if err != nil {
		return Summary{}, err
	}
	o.logger.Info("summary generated",
		"action_items", len(out.ActionItems),
		"decisions", len(out.KeyDecisions),
		"usage_prompt", resp.Usage.PromptTokens,
		"usage_completion", resp.Usage.CompletionTokens,
	)
	return out, nil
}

// ParseSummary decodes a model JSON response, normalizing missing lists to empty.
func ParseSummary(raw string) (Summary, error) {
	var out Summary
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return Summary{}, fmt.Errorf("decode summary json: %w", err)
	}
	if out.ActionItems == nil {
		out.ActionItems = []ActionItem{}
	}
	if out.KeyDecisions == nil {
		out.KeyDecisions = []string{}
	}
	if out.TopicsDiscussed == nil {
		out.TopicsDiscussed = []string{}
	}
	return out, nil
}
