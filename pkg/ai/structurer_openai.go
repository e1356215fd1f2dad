package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"shelfscan/pkg/domain"
)

// OpenAICompatStructurer calls any OpenAI-compatible /v1/chat/completions
// endpoint. Works with the hosted OpenAI API as well as vLLM, LiteLLM,
// OpenRouter and self-hosted models.
type OpenAICompatStructurer struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAICompatStructurer builds an OpenAI-compatible SpineStructurer.
// baseURL should include the /v1 prefix, e.g. "https://api.openai.com/v1".
// apiKey can be empty for local models that do not require authentication.
func NewOpenAICompatStructurer(baseURL, apiKey, model string) *OpenAICompatStructurer {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &OpenAICompatStructurer{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(apiKey),
		model:   strings.TrimSpace(model),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// StructureLine implements SpineStructurer using the chat completions API.
func (s *OpenAICompatStructurer) StructureLine(ctx context.Context, line string) (domain.BookRecord, error) {
	if s.model == "" {
		return domain.BookRecord{}, fmt.Errorf("structurer model required")
	}
	reqBody := oaiChatRequest{
		Model: s.model,
		Messages: []oaiMessage{
			{Role: "system", Content: structureSystemPrompt},
			{Role: "user", Content: structureUserPrompt(line)},
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return domain.BookRecord{}, err
	}
	url := s.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.BookRecord{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return domain.BookRecord{}, fmt.Errorf("structurer request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp oaiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return domain.BookRecord{}, fmt.Errorf("structurer api error: %s", errResp.Error.Message)
		}
		return domain.BookRecord{}, fmt.Errorf("structurer api error: %s", resp.Status)
	}

	var chatResp oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return domain.BookRecord{}, fmt.Errorf("structurer decode: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return domain.BookRecord{}, fmt.Errorf("empty response from structurer api")
	}
	content := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if content == "" {
		return domain.BookRecord{}, fmt.Errorf("empty response from structurer api")
	}
	return parseRecordJSON(content, line)
}

// OpenAI-compatible request/response types.

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiChatRequest struct {
	Model    string       `json:"model"`
	Messages []oaiMessage `json:"messages"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message oaiMessage `json:"message"`
	} `json:"choices"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
