// Package llm drafts narrative feedback for scored attempts through an
// OpenAI-compatible chat completion API.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/evalcard/internal/llm/prompts"
	"github.com/pavelanni/evalcard/internal/model"
)

// DraftResult is the JSON object the model is asked to return.
type DraftResult struct {
	Feedback string `json:"feedback"`
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api     *openai.Client
	model   string
	style   prompts.Style
	prompts *prompts.Set
}

// New creates a new LLM client. An empty style means standard.
func New(baseURL, apiKey, modelName, style string) (*Client, error) {
	if style == "" {
		style = string(prompts.StyleStandard)
	}
	if !prompts.IsValidStyle(style) {
		return nil, fmt.Errorf("invalid feedback style %q", style)
	}
	set, err := prompts.Load(prompts.Templates)
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:     openai.NewClientWithConfig(config),
		model:   modelName,
		style:   prompts.Style(style),
		prompts: set,
	}, nil
}

// ModelName returns the configured model name.
func (c *Client) ModelName() string { return c.model }

// Ping checks that the API is reachable and the credentials are accepted.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("LLM API ping: %w", err)
	}
	return nil
}

// DraftFeedback asks the model for feedback on a scored attempt. The score
// itself is never changed by the draft.
func (c *Client) DraftFeedback(ctx context.Context, r model.Rubric, a model.Attempt, lang string) (string, error) {
	system, err := c.prompts.BuildFeedbackPrompt(c.style, r, a, lang)
	if err != nil {
		return "", fmt.Errorf("build prompt: %w", err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: "Write the feedback now."},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.4,
	})
	if err != nil {
		return "", fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("LLM returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "attempt_id", a.ID, "raw", raw)
	return parseDraft(raw)
}

func parseDraft(raw string) (string, error) {
	var result DraftResult
	if err := json.Unmarshal([]byte(stripFences(raw)), &result); err != nil {
		return "", fmt.Errorf("parse LLM response: %w (raw: %s)", err, raw)
	}
	text := strings.TrimSpace(result.Feedback)
	if text == "" {
		return "", errors.New("LLM returned empty feedback")
	}
	return text, nil
}

// stripFences removes a markdown code fence some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
