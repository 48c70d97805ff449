// Package sqlutil derives sandbox namespace identifiers and renders values
// and identifiers into PostgreSQL statement text.
//
// Every generated statement in nsbox goes through this package. Caller data is
// never concatenated into SQL without passing through FormatLiteral or
// QuoteIdent first.
package sqlutil

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// NamespacePrefix marks every namespace managed by nsbox.
	NamespacePrefix = "sbx_"

	ownerPrefixLen = 8
	idPrefixLen    = 16

	// maxIdentifierLen is PostgreSQL's NAMEDATALEN-1.
	maxIdentifierLen = 63
)

// DeriveNamespaceName builds the namespace (schema) name for a sandbox.
// The result depends only on the owner and sandbox ids, is lower-case
// alphanumeric plus underscores, and is stable for a given pair.
func DeriveNamespaceName(ownerID, sandboxID string) string {
	owner := sanitize(ownerID, ownerPrefixLen)
	if owner == "" {
		owner = "anon"
	}
	id := sanitize(sandboxID, idPrefixLen)
	if id == "" {
		id = "0"
	}
	return NamespacePrefix + owner + "_" + id
}

// sanitize lower-cases s, drops every character outside [a-z0-9], and keeps
// at most n of the remaining characters.
func sanitize(s string, n int) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if b.Len() >= n {
			break
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// QuoteIdent renders name as a quoted identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QualifiedName renders namespace.object with both parts quoted.
func QualifiedName(namespace, object string) string {
	return QuoteIdent(namespace) + "." + QuoteIdent(object)
}

// ValidIdentifier reports whether name can be used as a table, column, or
// index name.
func ValidIdentifier(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("identifier must not be empty")
	case len(name) > maxIdentifierLen:
		return fmt.Errorf("identifier %q exceeds %d bytes", name, maxIdentifierLen)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("identifier must not contain NUL")
	}
	return nil
}

// columnTypePattern accepts type names such as "text", "uuid",
// "double precision", "varchar(255)", "numeric(10, 2)", "int[]".
var columnTypePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_ ]*(\(\s*\d+\s*(,\s*\d+\s*)?\))?(\[\])*$`)

// ValidColumnType reports whether t looks like a plain type name.
func ValidColumnType(t string) error {
	if !columnTypePattern.MatchString(strings.TrimSpace(t)) {
		return fmt.Errorf("invalid column type %q", t)
	}
	return nil
}
