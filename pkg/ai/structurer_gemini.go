package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"shelfscan/pkg/domain"
)

// GeminiStructurer structures spine lines with the Google Gemini API. The
// underlying client is created once and shared across calls.
type GeminiStructurer struct {
	client *genai.Client
	model  string
}

// NewGeminiStructurer builds a Gemini-backed SpineStructurer.
func NewGeminiStructurer(apiKey, model string) (*GeminiStructurer, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key required")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = "gemini-1.5-flash"
	}
	client, err := genai.NewClient(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiStructurer{client: client, model: model}, nil
}

// Close releases the underlying API client.
func (s *GeminiStructurer) Close() error {
	return s.client.Close()
}

// StructureLine implements SpineStructurer via genai.GenerateContent.
func (s *GeminiStructurer) StructureLine(ctx context.Context, line string) (domain.BookRecord, error) {
	model := s.client.GenerativeModel(s.model)
	model.SetTemperature(0)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(structureSystemPrompt)},
	}

	resp, err := model.GenerateContent(ctx, genai.Text(structureUserPrompt(line)))
	if err != nil {
		return domain.BookRecord{}, fmt.Errorf("gemini generate: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return domain.BookRecord{}, fmt.Errorf("no candidates returned from gemini")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return domain.BookRecord{}, fmt.Errorf("empty content returned from gemini")
	}
	text, ok := candidate.Content.Parts[0].(genai.Text)
	if !ok {
		return domain.BookRecord{}, fmt.Errorf("unexpected response format from gemini")
	}
	return parseRecordJSON(string(text), line)
}
