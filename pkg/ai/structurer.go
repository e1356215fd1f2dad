// Package ai structures free-text book-spine lines into bibliographic
// records via a language model.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"shelfscan/pkg/domain"
)

// SpineStructurer converts one OCR line into a structured record. A failure
// applies to that line only; callers drop the line and move on.
type SpineStructurer interface {
	StructureLine(ctx context.Context, line string) (domain.BookRecord, error)
}

const structureSystemPrompt = "You are a librarian assistant. Reply ONLY with a strictly valid JSON."

func structureUserPrompt(line string) string {
	return fmt.Sprintf(`Here is the text found on a book spine:
%q

Return ONLY a strict JSON like this:

{
  "Title": "...",
  "Author(s)": "...",
  "Edition": "...",
  "Publisher": "...",
  "ISBN": "...",
  "Year": "..."
}`, line)
}

// parseRecordJSON decodes a model response into a BookRecord. Markdown code
// fences around the JSON are tolerated. RawOCRText is always set to the
// source line regardless of what the model returned.
func parseRecordJSON(content, line string) (domain.BookRecord, error) {
	content = stripCodeFences(content)
	var record domain.BookRecord
	if err := json.Unmarshal([]byte(content), &record); err != nil {
		return domain.BookRecord{}, fmt.Errorf("parse structured record: %w", err)
	}
	record.RawOCRText = line
	return record, nil
}

func stripCodeFences(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	}
	return strings.TrimSpace(content)
}
