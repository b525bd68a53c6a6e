// Package synthesis turns fetched web context into a report draft via an
// OpenAI chat model.
package synthesis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"

	"github.com/finsightlabs/researchd/internal/config"
	"github.com/finsightlabs/researchd/internal/faults"
	"github.com/finsightlabs/researchd/internal/models"
	"github.com/finsightlabs/researchd/internal/search"
)

// Draft is the synthesized report before rendering and persistence.
type Draft struct {
	Title           string            `json:"title"`
	SummaryMarkdown string            `json:"markdown"`
	Citations       []models.Citation `json:"citations"`
}

const systemPrompt = `You are a research analyst. Write a factual research report in Markdown
based strictly on the provided sources. Respond with a JSON object of the form
{"title": string, "markdown": string}. The markdown must open with a short
executive summary, then cover each subject in its own section, and must not
invent facts absent from the sources.`

// Synthesizer produces report drafts.
type Synthesizer struct {
	client *openai.Client
	cfg    config.OpenAIConfig
}

// New creates a synthesizer.
func New(cfg config.OpenAIConfig) *Synthesizer {
	return &Synthesizer{
		client: openai.NewClient(cfg.APIKey.Value()),
		cfg:    cfg,
	}
}

// Synthesize generates a draft from the gathered context. Provider overload
// surfaces as a transient error; content-policy rejection and malformed
// requests are permanent.
func (s *Synthesizer) Synthesize(ctx context.Context, prompt string, symbols []string, bundles []search.Bundle) (*Draft, error) {
	if !s.cfg.APIKey.IsSet() {
		return nil, faults.Permanentf("synthesis provider not configured")
	}
	if len(bundles) == 0 {
		return nil, faults.Permanentf("no context to synthesize")
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: s.buildUserPrompt(prompt, symbols, bundles)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("synthesis returned no choices")
	}

	draft, err := parseDraft(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	draft.Citations = collectCitations(bundles)
	if draft.Title == "" {
		draft.Title = defaultTitle(prompt, symbols)
	}
	return draft, nil
}

// buildUserPrompt lays out the research request followed by the numbered
// sources, each truncated to the configured budget.
func (s *Synthesizer) buildUserPrompt(prompt string, symbols []string, bundles []search.Bundle) string {
	maxChars := s.cfg.MaxSourceChars
	if maxChars <= 0 {
		maxChars = 4000
	}

	var b strings.Builder
	if len(symbols) > 0 {
		fmt.Fprintf(&b, "Research subjects: %s\n", strings.Join(symbols, ", "))
	}
	if prompt != "" {
		fmt.Fprintf(&b, "Research request: %s\n", prompt)
	}
	b.WriteString("\nSources:\n")

	n := 0
	for _, bundle := range bundles {
		for _, doc := range bundle.Documents {
			n++
			text := truncate(doc.Text, maxChars)
			fmt.Fprintf(&b, "\n[%d] %s (%s)\n%s\n", n, doc.Title, doc.URL, text)
		}
	}
	return b.String()
}

// parseDraft reads the model's JSON reply, tolerating a plain-markdown
// response by using it verbatim.
func parseDraft(content string) (*Draft, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("synthesis returned empty content")
	}

	var draft Draft
	if err := json.Unmarshal([]byte(content), &draft); err == nil && draft.SummaryMarkdown != "" {
		return &draft, nil
	}
	return &Draft{SummaryMarkdown: content}, nil
}

func collectCitations(bundles []search.Bundle) []models.Citation {
	seen := map[string]struct{}{}
	var out []models.Citation
	for _, bundle := range bundles {
		for _, doc := range bundle.Documents {
			if _, dup := seen[doc.URL]; dup {
				continue
			}
			seen[doc.URL] = struct{}{}
			out = append(out, models.Citation{Title: doc.Title, URL: doc.URL})
		}
	}
	return out
}

func defaultTitle(prompt string, symbols []string) string {
	if len(symbols) > 0 {
		return fmt.Sprintf("Research Report: %s", strings.Join(symbols, ", "))
	}
	prompt = truncate(prompt, 60)
	if prompt == "" {
		return "Research Report"
	}
	return fmt.Sprintf("Research Report: %s", prompt)
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// classify maps OpenAI API errors onto the transient/permanent taxonomy.
// 429 and 5xx stay retryable; everything else in the 4xx range (including
// content-policy rejections) is permanent.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500:
			return fmt.Errorf("synthesis provider overloaded: %w", err)
		case apiErr.HTTPStatusCode >= 400:
			return faults.Permanent(fmt.Errorf("synthesis rejected: %w", err))
		}
	}
	return fmt.Errorf("calling synthesis provider: %w", err)
}
