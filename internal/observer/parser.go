package observer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"intoview/internal/models"
)

// fenced ```insight or ```json blocks; the closing fence may be missing on truncated output
var blockPattern = regexp.MustCompile("(?s)```(?:insight|json)[ \\t]*\\r?\\n(.*?)(?:```|$)")

// ParseResult holds the insights recovered from one model response. Malformed counts
// blocks, or array entries, that could not be turned into a valid insight.
type ParseResult struct {
	Contents  []models.InsightContent
	Malformed int
	Errors    []error
}

// ParseInsights extracts every well-formed insight from free-form model output. A bad
// block never discards its neighbours.
func ParseInsights(text string) ParseResult {
	var result ParseResult
	for _, m := range blockPattern.FindAllStringSubmatch(text, -1) {
		body := bytes.TrimSpace([]byte(m[1]))
		if len(body) == 0 {
			continue
		}
		for _, raw := range splitBlock(body, &result) {
			content, err := decodeObject(raw)
			if err != nil {
				result.Malformed++
				result.Errors = append(result.Errors, err)
				continue
			}
			result.Contents = append(result.Contents, content)
		}
	}
	return result
}

// splitBlock returns the objects of a block holding either one object or an array.
func splitBlock(body []byte, result *ParseResult) []json.RawMessage {
	if body[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			result.Malformed++
			result.Errors = append(result.Errors, fmt.Errorf("invalid array block: %w", err))
			return nil
		}
		return items
	}
	return []json.RawMessage{body}
}

type envelope struct {
	InsightType string          `json:"insight_type"`
	Type        string          `json:"type"`
	Content     json.RawMessage `json:"content"`
}

func decodeObject(raw json.RawMessage) (models.InsightContent, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid insight object: %w", err)
	}
	kind := strings.TrimSpace(env.InsightType)
	if kind == "" {
		kind = strings.TrimSpace(env.Type)
	}
	if kind == "" {
		return nil, fmt.Errorf("insight object has no insight_type")
	}
	t := models.InsightType(strings.ToLower(kind))
	if t == models.InsightSummary {
		return nil, fmt.Errorf("summary insights are not accepted from the observer")
	}

	// some responses nest the payload under "content"
	payload := []byte(raw)
	if c := bytes.TrimSpace(env.Content); len(c) > 0 && c[0] == '{' {
		payload = c
	}
	content, err := models.DecodeInsightContent(t, payload)
	if err != nil {
		return nil, err
	}
	if err := models.ValidateContent(content); err != nil {
		return nil, err
	}
	return content, nil
}
