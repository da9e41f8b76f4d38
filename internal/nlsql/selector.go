package nlsql

import (
	"context"
	"log/slog"
	"strings"

	"github.com/querypilot/querypilot/internal/observability"
	"github.com/querypilot/querypilot/internal/schema"
)

// Selector wraps a Reasoner's table selection with the guarantees the
// pipeline relies on: results are always a subset of the catalog,
// ordered by relevance, confidence clamped, and a heuristic fallback
// means the pipeline always gets some selection back.
type Selector struct {
	reasoner Reasoner
	logger   *slog.Logger
}

func NewSelector(reasoner Reasoner, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{reasoner: reasoner, logger: logger}
}

func (s *Selector) Select(ctx context.Context, userQuery string, catalog schema.Snapshot, maxTables int) TableSelection {
	if s.reasoner != nil {
		selection, err := s.reasoner.SelectTables(ctx, userQuery, catalog, maxTables)
		if err == nil {
			if validated, ok := s.validate(selection, catalog, maxTables); ok {
				return validated
			}
			s.logger.Warn("model selection contained no catalog tables, falling back",
				slog.String("query", userQuery))
		} else {
			s.logger.Warn("model table selection failed, falling back",
				slog.String("query", userQuery),
				slog.Any("error", err))
		}
	}

	observability.CountDegradedSelection()
	return heuristicSelection(userQuery, catalog, maxTables)
}

// validate drops hallucinated table names and caps the selection.
// Ordering from the model is preserved as descending relevance.
func (s *Selector) validate(selection TableSelection, catalog schema.Snapshot, maxTables int) (TableSelection, bool) {
	validated := TableSelection{Confidence: clampConfidence(selection.Confidence)}
	seen := map[string]bool{}
	for _, table := range selection.Tables {
		if seen[table.Name] {
			continue
		}
		seen[table.Name] = true
		if _, ok := catalog.Lookup(table.Name); !ok {
			s.logger.Warn("model selected table not present in catalog",
				slog.String("table", table.Name))
			continue
		}
		table.Rank = len(validated.Tables) + 1
		validated.Tables = append(validated.Tables, table)
		if maxTables > 0 && len(validated.Tables) >= maxTables {
			break
		}
	}
	return validated, len(validated.Tables) > 0
}

// heuristicSelection matches query terms against table and column
// names. It is deliberately dumb; its job is keeping the turn alive
// when the model is unreachable, flagged by DegradedConfidence.
func heuristicSelection(userQuery string, catalog schema.Snapshot, maxTables int) TableSelection {
	terms := queryTerms(userQuery)

	type scored struct {
		table schema.Table
		score int
	}
	var matches []scored
	for _, table := range catalog.Tables {
		score := 0
		for _, term := range terms {
			if strings.Contains(table.Name, term) {
				score += 2
			}
			for _, column := range table.Columns {
				if strings.Contains(column.Name, term) {
					score++
				}
			}
		}
		if score > 0 {
			matches = append(matches, scored{table: table, score: score})
		}
	}

	// Stable by catalog order; promote higher scores.
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].score > matches[j-1].score; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}

	selection := TableSelection{Confidence: DegradedConfidence, Degraded: true}
	for _, match := range matches {
		selection.Tables = append(selection.Tables, SelectedTable{
			Name:      match.table.Name,
			Rationale: "matched query terms",
			Rank:      len(selection.Tables) + 1,
		})
		if maxTables > 0 && len(selection.Tables) >= maxTables {
			return selection
		}
	}

	if len(selection.Tables) == 0 {
		for _, table := range catalog.Tables {
			selection.Tables = append(selection.Tables, SelectedTable{
				Name:      table.Name,
				Rationale: "catalog order fallback",
				Rank:      len(selection.Tables) + 1,
			})
			if maxTables > 0 && len(selection.Tables) >= maxTables {
				break
			}
		}
	}
	return selection
}

func queryTerms(userQuery string) []string {
	fields := strings.FieldsFunc(strings.ToLower(userQuery), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '_'
	})
	terms := make([]string, 0, len(fields))
	for _, field := range fields {
		if len(field) < 4 {
			continue
		}
		// Crude stemming so plurals like "companies" still hit
		// "company_name".
		if len(field) > 5 {
			field = field[:5]
		}
		terms = append(terms, field)
	}
	return terms
}
