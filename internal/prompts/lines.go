package prompts

import (
	"fmt"
	"strings"

	"intoview/internal/models"
	"intoview/internal/utils"
)

// EventLines renders events with their offset from session start and content cut to
// limit runes. Terminal escape sequences are dropped.
func EventLines(session *models.Session, events []models.Event, limit int) []EventLine {
	origin := session.CreatedAt
	if session.StartedAt != nil {
		origin = *session.StartedAt
	}
	lines := make([]EventLine, 0, len(events))
	for _, e := range events {
		content := e.RawContent
		if e.EventType == models.EventTerminalOutput {
			content = utils.StripANSI(content)
		}
		lines = append(lines, EventLine{
			Offset:  utils.FormatOffset(e.Timestamp.Sub(origin)),
			Type:    e.EventType,
			Content: utils.Truncate(strings.TrimSpace(content), limit),
		})
	}
	return lines
}

// InsightLines condenses insights, keeping their order. Undecodable rows are skipped.
func InsightLines(insights []models.Insight, limit int) []InsightLine {
	lines := make([]InsightLine, 0, len(insights))
	for i := range insights {
		text := describe(&insights[i])
		if text == "" {
			continue
		}
		lines = append(lines, InsightLine{
			Type: insights[i].InsightType,
			Text: utils.Truncate(text, limit),
		})
	}
	return lines
}

func describe(insight *models.Insight) string {
	content, err := insight.Payload()
	if err != nil {
		return ""
	}
	switch v := content.(type) {
	case models.ReasoningUpdate:
		return v.Summary
	case models.Signal:
		text := v.Title
		if text == "" {
			text = v.Description
		}
		if v.RubricCriterion != "" {
			return fmt.Sprintf("%s (%s): %s", v.SignalType, v.RubricCriterion, text)
		}
		return fmt.Sprintf("%s: %s", v.SignalType, text)
	case models.CopilotQuestion:
		return v.Question
	case models.PhaseChange:
		return fmt.Sprintf("%s -> %s", v.FromPhase, v.ToPhase)
	case models.Summary:
		return v.OneLineSummary
	}
	return ""
}
