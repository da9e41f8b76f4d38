// Package safety gates generated SQL with a keyword denylist before it
// can reach an executor. The SQL text comes from a non-deterministic
// external generator, so this is a last line of defense against
// irreversible statements. It is deliberately not a SQL parser and
// makes no grammar-level guarantees.
package safety

import (
	"fmt"
	"strings"

	"github.com/querypilot/querypilot/internal/observability"
)

// DefaultDenylist blocks DDL and permission statements outright.
// DELETE and UPDATE are handled separately: they pass only when scoped
// by a WHERE clause.
var DefaultDenylist = []string{"DROP", "TRUNCATE", "ALTER", "CREATE", "GRANT", "REVOKE"}

type Validator struct {
	denylist map[string]bool
}

// NewValidator builds a validator for the given denylist. An empty
// list falls back to DefaultDenylist.
func NewValidator(denylist []string) *Validator {
	if len(denylist) == 0 {
		denylist = DefaultDenylist
	}
	blocked := make(map[string]bool, len(denylist))
	for _, keyword := range denylist {
		blocked[strings.ToUpper(strings.TrimSpace(keyword))] = true
	}
	return &Validator{denylist: blocked}
}

// Validate returns nil when the statement may be executed. A non-nil
// error names the first violation found; the statement must not run.
func (v *Validator) Validate(sql string) error {
	if strings.TrimSpace(sql) == "" {
		return v.reject("statement is empty")
	}
	if strings.Contains(sql, "--") || strings.Contains(sql, "/*") {
		return v.reject("statement contains SQL comment markers")
	}

	tokens := tokenize(sql)
	for _, token := range tokens {
		if v.denylist[token] {
			return v.reject(fmt.Sprintf("statement contains blocked keyword %s", token))
		}
	}
	for _, keyword := range []string{"DELETE", "UPDATE"} {
		if containsToken(tokens, keyword) && !containsToken(tokens, "WHERE") {
			return v.reject(fmt.Sprintf("%s without WHERE clause is not allowed", keyword))
		}
	}
	return nil
}

func (v *Validator) reject(reason string) error {
	observability.CountUnsafeQuery()
	return fmt.Errorf("unsafe statement: %s", reason)
}

// tokenize splits on anything that cannot be part of an identifier, so
// a keyword hidden inside an identifier (e.g. backdrop_events) never
// produces a false match.
func tokenize(sql string) []string {
	return strings.FieldsFunc(strings.ToUpper(sql), func(r rune) bool {
		return !('A' <= r && r <= 'Z') && !('0' <= r && r <= '9') && r != '_'
	})
}

func containsToken(tokens []string, keyword string) bool {
	for _, token := range tokens {
		if token == keyword {
			return true
		}
	}
	return false
}
