// Package session owns per-conversation state: the message transcript,
// the active SQL statement, and its version history. State lives in
// memory only; a session dies with the process.
package session

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// RequestKind classifies an incoming user request.
type RequestKind string

const (
	// KindNew starts a fresh query from scratch.
	KindNew RequestKind = "new"
	// KindImprovement refines the session's current SQL.
	KindImprovement RequestKind = "improvement"
)

type Message struct {
	Role     Role              `json:"role"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
	At       time.Time         `json:"at"`
}

// SQLVersion is one entry in a session's SQL evolution history.
type SQLVersion struct {
	Version     int       `json:"version"`
	SQL         string    `json:"sql"`
	UserRequest string    `json:"user_request"`
	ChangesMade string    `json:"changes_made,omitempty"`
	// TablesUsed lets improvement turns reuse the table set behind the
	// current SQL instead of running selection again.
	TablesUsed []string  `json:"tables_used,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// improvementKeywords mark a request as refining existing SQL. The
// match only counts when the session already holds a current SQL;
// without one there is nothing to improve and the request is NEW no
// matter how it is phrased.
var improvementKeywords = []string{
	"improve", "change", "modify", "fix", "add", "remove",
	"alter", "update", "better", "optimize", "join", "where", "instead",
}

func classifyText(text string, hasCurrentSQL bool) RequestKind {
	if !hasCurrentSQL {
		return KindNew
	}
	lowered := strings.ToLower(text)
	for _, keyword := range improvementKeywords {
		if strings.Contains(lowered, keyword) {
			return KindImprovement
		}
	}
	return KindNew
}
