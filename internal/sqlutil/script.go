package sqlutil

import "strings"

// SplitStatements splits a script on semicolons that are outside quoted
// literals, quoted identifiers, and comments. Empty statements are dropped
// and each statement is returned without its terminating semicolon.
func SplitStatements(script string) []string {
	var (
		out   []string
		start int
	)
	flush := func(end int) {
		if stmt := strings.TrimSpace(script[start:end]); stmt != "" {
			out = append(out, stmt)
		}
	}

	for i := 0; i < len(script); i++ {
		switch c := script[i]; {
		case c == '\'' || c == '"':
			// Doubled quotes close and reopen, which the scan handles naturally.
			end := strings.IndexByte(script[i+1:], c)
			if end < 0 {
				i = len(script)
				continue
			}
			i += end + 1
		case c == '-' && i+1 < len(script) && script[i+1] == '-':
			end := strings.IndexByte(script[i:], '\n')
			if end < 0 {
				i = len(script)
				continue
			}
			i += end
		case c == '/' && i+1 < len(script) && script[i+1] == '*':
			end := strings.Index(script[i+2:], "*/")
			if end < 0 {
				i = len(script)
				continue
			}
			i += end + 3
		case c == ';':
			flush(i)
			start = i + 1
		}
	}
	if start < len(script) {
		flush(len(script))
	}
	return out
}
