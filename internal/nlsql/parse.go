package nlsql

import (
	"encoding/json"
	"fmt"
	"strings"
)

type selectionPayload struct {
	SelectedTables []string          `json:"selected_tables"`
	Reasoning      map[string]string `json:"reasoning"`
	Confidence     float64           `json:"confidence"`
}

type generationPayload struct {
	SQLQuery    string   `json:"sql_query"`
	Explanation string   `json:"explanation"`
	Confidence  float64  `json:"confidence"`
	TablesUsed  []string `json:"tables_used"`
}

type improvementPayload struct {
	ImprovedSQL       string  `json:"improved_sql"`
	ChangesMade       string  `json:"changes_made"`
	Explanation       string  `json:"explanation"`
	Confidence        float64 `json:"confidence"`
	ContextUnderstood string  `json:"context_understood"`
}

func stripMarkdownFence(value string) string {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```sql")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

func parseSelectionResponse(raw string) (selectionPayload, error) {
	var payload selectionPayload
	if err := json.Unmarshal([]byte(stripMarkdownFence(raw)), &payload); err != nil {
		return selectionPayload{}, fmt.Errorf("decode selection response: %w", err)
	}
	if len(payload.SelectedTables) == 0 {
		return selectionPayload{}, fmt.Errorf("selection response named no tables")
	}
	payload.Confidence = clampConfidence(payload.Confidence)
	return payload, nil
}

// parseGenerationResponse tolerates non-JSON model output: if decoding
// fails it scans for the first line that looks like SQL and reports the
// documented minimum confidence of 0.
func parseGenerationResponse(raw string) (generationPayload, error) {
	cleaned := stripMarkdownFence(raw)

	var payload generationPayload
	if err := json.Unmarshal([]byte(cleaned), &payload); err == nil {
		if strings.TrimSpace(payload.SQLQuery) == "" {
			return generationPayload{}, fmt.Errorf("generation response contained empty SQL")
		}
		payload.SQLQuery = strings.TrimSpace(payload.SQLQuery)
		payload.Confidence = clampConfidence(payload.Confidence)
		return payload, nil
	}

	sql := scanForSQL(cleaned)
	if sql == "" {
		return generationPayload{}, fmt.Errorf("generation response contained no recognizable SQL")
	}
	return generationPayload{
		SQLQuery:    sql,
		Explanation: "Parsed from non-JSON response",
		Confidence:  0,
	}, nil
}

func parseImprovementResponse(raw string) (improvementPayload, error) {
	cleaned := stripMarkdownFence(raw)

	var payload improvementPayload
	if err := json.Unmarshal([]byte(cleaned), &payload); err == nil {
		if strings.TrimSpace(payload.ImprovedSQL) == "" {
			return improvementPayload{}, fmt.Errorf("improvement response contained empty SQL")
		}
		payload.ImprovedSQL = strings.TrimSpace(payload.ImprovedSQL)
		payload.Confidence = clampConfidence(payload.Confidence)
		return payload, nil
	}

	sql := scanForSQL(cleaned)
	if sql == "" {
		return improvementPayload{}, fmt.Errorf("improvement response contained no recognizable SQL")
	}
	return improvementPayload{
		ImprovedSQL: sql,
		ChangesMade: "Parsed from non-JSON response",
		Confidence:  0,
	}, nil
}

func scanForSQL(text string) string {
	for _, line := range strings.Split(text, "\n") {
		upper := strings.ToUpper(strings.TrimSpace(line))
		for _, keyword := range []string{"SELECT", "WITH", "INSERT", "UPDATE", "DELETE"} {
			if strings.HasPrefix(upper, keyword+" ") || upper == keyword {
				return strings.TrimSpace(line)
			}
		}
	}
	return ""
}
