// Package nlsql delegates table selection and SQL drafting to an
// external model service behind a narrow capability interface, so the
// rest of the pipeline can be tested against deterministic stubs.
package nlsql

import (
	"context"
	"time"

	"github.com/querypilot/querypilot/internal/schema"
)

// DegradedConfidence is reported when the heuristic fallback produced
// the selection. It sits below DegradedThreshold so callers can tell a
// degraded turn apart from a low-confidence model answer.
const (
	DegradedConfidence = 0.2
	DegradedThreshold  = 0.3
)

type SelectedTable struct {
	Name      string `json:"name"`
	Rationale string `json:"rationale"`
	Rank      int    `json:"rank"`
}

// TableSelection is the ordered, validated subset of catalog tables
// considered relevant to one request. Consumed once per turn.
type TableSelection struct {
	Tables     []SelectedTable `json:"tables"`
	Confidence float64         `json:"confidence"`
	Degraded   bool            `json:"degraded"`
}

func (s TableSelection) Names() []string {
	names := make([]string, 0, len(s.Tables))
	for _, table := range s.Tables {
		names = append(names, table.Name)
	}
	return names
}

type GeneratedQuery struct {
	SQL               string    `json:"sql"`
	Explanation       string    `json:"explanation"`
	Confidence        float64   `json:"confidence"`
	TablesUsed        []string  `json:"tables_used"`
	ChangesMade       string    `json:"changes_made,omitempty"`
	ContextUnderstood string    `json:"context_understood,omitempty"`
	GeneratedAt       time.Time `json:"generated_at"`
}

// Reasoner is the capability surface this system needs from the model
// service. Confidence values are self-reported ordering signals, not
// calibrated probabilities.
type Reasoner interface {
	SelectTables(ctx context.Context, userQuery string, catalog schema.Snapshot, maxTables int) (TableSelection, error)
	GenerateSQL(ctx context.Context, userQuery string, schemaSlice schema.Snapshot) (GeneratedQuery, error)
	ImproveSQL(ctx context.Context, instruction, currentSQL string, schemaSlice schema.Snapshot, conversationContext string) (GeneratedQuery, error)
}

func clampConfidence(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
