package nlsql

import (
	"fmt"
	"strings"

	"github.com/querypilot/querypilot/internal/schema"
)

const selectionSystemPrompt = "You are a database expert helping to select the most relevant tables for a SQL query. " +
	"Respond with a single JSON object and no additional text."

func buildSelectionPrompt(userQuery string, catalog schema.Snapshot, maxTables int) string {
	var tables strings.Builder
	for _, table := range catalog.Tables {
		fmt.Fprintf(&tables, "- %s (columns: %s)\n", table.Name, strings.Join(columnNames(table), ", "))
	}

	return fmt.Sprintf(`USER QUERY: %q

AVAILABLE TABLES:
%s
Analyze the request and select at most %d tables needed to fulfill it, most relevant first.

Consider:
1. What data entities are mentioned in the query
2. What operations are requested (joins, aggregations, filtering)
3. Which tables likely contain the required columns
4. Primary tables vs supporting/lookup tables

Respond with a JSON object:
{
    "selected_tables": ["table1", "table2"],
    "reasoning": {"table1": "why this table is essential"},
    "confidence": 0.95
}`, userQuery, tables.String(), maxTables)
}

const generationSystemPrompt = "You are an expert SQL query generator. You convert natural language requests " +
	"into accurate PostgreSQL queries using only the provided schema. " +
	"Respond with a single JSON object and no additional text."

func buildGenerationPrompt(userQuery string, schemaSlice schema.Snapshot) string {
	return fmt.Sprintf(`%s

User Request: %q

Instructions:
1. Generate a PostgreSQL-compatible SQL query that fulfills the request
2. Use only the tables and columns from the provided schema
3. Include appropriate WHERE clauses, JOINs, and other necessary constructs
4. Do not include destructive operations

Respond with a JSON object:
{
    "sql_query": "the generated SQL query",
    "explanation": "brief explanation of what the query does",
    "confidence": 0.95,
    "tables_used": ["tables", "referenced"]
}`, schemaSlice.PromptContext(), userQuery)
}

const improvementSystemPrompt = "You are an expert SQL developer improving an existing query for a user. " +
	"Use the conversation history to understand the original intent. " +
	"Respond with a single JSON object and no additional text."

func buildImprovementPrompt(instruction, currentSQL string, schemaSlice schema.Snapshot, conversationContext string) string {
	return fmt.Sprintf(`CONVERSATION HISTORY:
%s

CURRENT SQL:
%s

USER REQUEST FOR IMPROVEMENT: %q

AVAILABLE SCHEMA:
%s

Analyze the conversation history, the current SQL, and the improvement
request, then provide an improved version of the query.

Consider:
1. The original intent from the conversation history
2. Previous modifications that were made
3. The specific improvement request

Respond with a JSON object:
{
    "improved_sql": "the improved SQL query",
    "changes_made": "description of what changed",
    "explanation": "why these changes improve the query",
    "confidence": 0.95,
    "context_understood": "summary of the prior intent you inferred"
}`, conversationContext, currentSQL, instruction, schemaSlice.PromptContext())
}

func columnNames(table schema.Table) []string {
	names := make([]string, 0, len(table.Columns))
	for _, column := range table.Columns {
		names = append(names, column.Name)
	}
	return names
}
