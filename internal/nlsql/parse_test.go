package nlsql

import (
	"strings"
	"testing"
)

func TestStripMarkdownFence(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```sql\nSELECT 1;\n```", "SELECT 1;"},
		{"```\nplain\n```", "plain"},
		{"  no fence  ", "no fence"},
	}
	for _, tc := range cases {
		if got := stripMarkdownFence(tc.in); got != tc.want {
			t.Fatalf("stripMarkdownFence(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseSelectionResponse(t *testing.T) {
	raw := "```json\n{\"selected_tables\": [\"dl_buyer\", \"dl_payment_history\"], " +
		"\"reasoning\": {\"dl_buyer\": \"holds companies\"}, \"confidence\": 0.92}\n```"
	payload, err := parseSelectionResponse(raw)
	if err != nil {
		t.Fatalf("parseSelectionResponse() error = %v", err)
	}
	if len(payload.SelectedTables) != 2 {
		t.Fatalf("SelectedTables = %v", payload.SelectedTables)
	}
	if payload.Reasoning["dl_buyer"] != "holds companies" {
		t.Fatalf("Reasoning = %v", payload.Reasoning)
	}
	if payload.Confidence != 0.92 {
		t.Fatalf("Confidence = %v", payload.Confidence)
	}
}

func TestParseSelectionResponseClampsConfidence(t *testing.T) {
	payload, err := parseSelectionResponse(`{"selected_tables": ["t"], "confidence": 7.5}`)
	if err != nil {
		t.Fatalf("parseSelectionResponse() error = %v", err)
	}
	if payload.Confidence != 1 {
		t.Fatalf("Confidence = %v, want clamped to 1", payload.Confidence)
	}
}

func TestParseSelectionResponseRejectsEmpty(t *testing.T) {
	if _, err := parseSelectionResponse(`{"selected_tables": [], "confidence": 0.9}`); err == nil {
		t.Fatal("expected error for empty selection")
	}
	if _, err := parseSelectionResponse("not json at all"); err == nil {
		t.Fatal("expected error for malformed response")
	}
}

func TestParseGenerationResponse(t *testing.T) {
	raw := `{"sql_query": " SELECT * FROM dl_buyer ", "explanation": "lists buyers", "confidence": 0.9, "tables_used": ["dl_buyer"]}`
	payload, err := parseGenerationResponse(raw)
	if err != nil {
		t.Fatalf("parseGenerationResponse() error = %v", err)
	}
	if payload.SQLQuery != "SELECT * FROM dl_buyer" {
		t.Fatalf("SQLQuery = %q", payload.SQLQuery)
	}
	if payload.Confidence != 0.9 {
		t.Fatalf("Confidence = %v", payload.Confidence)
	}
}

func TestParseGenerationResponseFallsBackToLineScan(t *testing.T) {
	raw := "Here is your query:\nSELECT id FROM dl_buyer;\nHope that helps!"
	payload, err := parseGenerationResponse(raw)
	if err != nil {
		t.Fatalf("parseGenerationResponse() error = %v", err)
	}
	if payload.SQLQuery != "SELECT id FROM dl_buyer;" {
		t.Fatalf("SQLQuery = %q", payload.SQLQuery)
	}
	if payload.Confidence != 0 {
		t.Fatalf("fallback Confidence = %v, want minimum 0", payload.Confidence)
	}
	if !strings.Contains(payload.Explanation, "non-JSON") {
		t.Fatalf("Explanation = %q", payload.Explanation)
	}
}

func TestParseGenerationResponseRejectsEmptySQL(t *testing.T) {
	if _, err := parseGenerationResponse(`{"sql_query": "  ", "confidence": 0.8}`); err == nil {
		t.Fatal("expected error for empty SQL")
	}
	if _, err := parseGenerationResponse("nothing that resembles a statement"); err == nil {
		t.Fatal("expected error when no SQL is recognizable")
	}
}

func TestParseImprovementResponse(t *testing.T) {
	raw := `{"improved_sql": "SELECT * FROM a LEFT JOIN b ON a.id = b.a_id", ` +
		`"changes_made": "INNER JOIN replaced with LEFT JOIN", ` +
		`"explanation": "keeps unmatched rows", "confidence": 0.88, ` +
		`"context_understood": "user wants all companies even without payments"}`
	payload, err := parseImprovementResponse(raw)
	if err != nil {
		t.Fatalf("parseImprovementResponse() error = %v", err)
	}
	if !strings.Contains(payload.ImprovedSQL, "LEFT JOIN") {
		t.Fatalf("ImprovedSQL = %q", payload.ImprovedSQL)
	}
	if payload.ChangesMade == "" || payload.ContextUnderstood == "" {
		t.Fatalf("payload = %+v", payload)
	}
}
