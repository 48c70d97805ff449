// Package security implements the block-list statement filter applied to
// caller-supplied SQL before it reaches a sandbox namespace.
//
// The filter is a guard against catastrophic operations only. Ordinary DML
// and namespace-scoped DDL are permitted; a statement is rejected only when
// it matches one of the rules below.
package security

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnsafeStatement is the error wrapped by every StatementViolation.
var ErrUnsafeStatement = errors.New("statement rejected by safety filter")

// Rule names reported in StatementViolation.
const (
	RuleDropNamespace    = "drop_namespace"
	RuleDropEngine       = "drop_engine"
	RuleGrant            = "grant"
	RuleRevoke           = "revoke"
	RuleAlterSystem      = "alter_system"
	RuleTerminateBackend = "terminate_backend"
	RuleCancelBackend    = "cancel_backend"
)

type statementRule struct {
	name    string
	pattern *regexp.Regexp
}

// blockedStatements are matched against both the normalized and the raw
// lower-cased statement text.
var blockedStatements = []statementRule{
	{RuleDropNamespace, regexp.MustCompile(`\bdrop\s+schema\b`)},
	{RuleDropEngine, regexp.MustCompile(`\bdrop\s+database\b`)},
	{RuleGrant, regexp.MustCompile(`\bgrant\b`)},
	{RuleRevoke, regexp.MustCompile(`\brevoke\b`)},
	{RuleAlterSystem, regexp.MustCompile(`\balter\s+system\b`)},
	{RuleTerminateBackend, regexp.MustCompile(`\bpg_terminate_backend\s*\(`)},
	{RuleCancelBackend, regexp.MustCompile(`\bpg_cancel_backend\s*\(`)},
}

// StatementViolation describes why a statement was rejected.
type StatementViolation struct {
	Rule    string
	Pattern string
}

func (v *StatementViolation) Error() string {
	return fmt.Sprintf("%s: matched rule %q", ErrUnsafeStatement, v.Rule)
}

func (v *StatementViolation) Unwrap() error { return ErrUnsafeStatement }

// CheckStatement returns a *StatementViolation if stmt matches a blocked
// pattern, nil otherwise.
//
// The comment-stripped form catches keywords split by comments. The raw form
// catches calls hidden after comment markers that sit inside dollar-quoted
// bodies or escape strings, which the comment scanner does not parse.
func CheckStatement(stmt string) error {
	forms := []string{NormalizeStatement(stmt), collapseRaw(stmt)}
	for _, rule := range blockedStatements {
		for _, text := range forms {
			if rule.pattern.MatchString(text) {
				return &StatementViolation{Rule: rule.name, Pattern: rule.pattern.String()}
			}
		}
	}
	return nil
}

// IsStatementSafe reports whether stmt passes the filter.
func IsStatementSafe(stmt string) bool {
	return CheckStatement(stmt) == nil
}

var whitespaceRun = regexp.MustCompile(`\s+`)

func collapseRaw(stmt string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(strings.ToLower(stmt), " "))
}

// NormalizeStatement strips SQL comments, lower-cases, trims, and collapses
// whitespace runs to a single space.
func NormalizeStatement(stmt string) string {
	s := strings.ToLower(stripComments(stmt))
	s = whitespaceRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// stripComments removes "--" line comments and "/* */" block comments.
// Comment markers inside single-quoted literals are left alone. Removed
// comments are replaced by a space so adjacent tokens stay separated.
func stripComments(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inQuote {
			b.WriteByte(c)
			if c == '\'' {
				inQuote = false
			}
			continue
		}
		switch {
		case c == '\'':
			inQuote = true
			b.WriteByte(c)
		case c == '-' && i+1 < len(s) && s[i+1] == '-':
			idx := strings.IndexByte(s[i:], '\n')
			if idx < 0 {
				return b.String()
			}
			i += idx - 1
			b.WriteByte(' ')
		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			idx := strings.Index(s[i+2:], "*/")
			if idx < 0 {
				return b.String()
			}
			i += idx + 3
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
