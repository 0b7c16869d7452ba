package sqlguard

import (
	"fmt"
	"strings"
	"unicode"
)

// Verdict is the outcome of validating one SQL statement.
type Verdict struct {
	// Allowed reports whether the statement may be executed.
	Allowed bool

	// Statement is the cleaned statement to execute when Allowed is true:
	// comments stripped, surrounding whitespace and a trailing semicolon
	// removed. Empty when the statement was rejected.
	Statement string

	// Reason explains the rejection when Allowed is false.
	Reason string
}

// allowedHeads lists the statement-leading keywords that are considered
// read-only. Anything else is rejected up front.
var allowedHeads = []string{"select", "with", "table", "explain", "values", "show"}

// forbiddenKeywords are rejected wherever they appear in the statement.
// Matching is intentionally strict: a keyword inside a string literal or a
// comment is rejected too, which trades a few false positives for a scanner
// that cannot be confused by quoting tricks.
var forbiddenKeywords = []string{
	"insert", "update", "delete", "drop", "alter",
	"truncate", "create", "grant", "revoke", "merge",
}

// catalogSchemas may always be referenced regardless of the bound schema.
// The table-listing and column-introspection tools depend on them.
var catalogSchemas = []string{"information_schema", "pg_catalog"}

// Guard validates SQL statements against a read-only policy scoped to a
// single schema. The zero value is not usable; construct with New.
type Guard struct {
	schema string // lowercased bound schema, empty disables the schema check
}

// New creates a Guard bound to the given schema. Qualified table references
// in validated statements must name this schema or one of the Postgres
// catalog schemas. An empty schema disables the cross-schema check.
func New(schema string) *Guard {
	return &Guard{schema: strings.ToLower(strings.TrimSpace(schema))}
}

// Schema returns the schema the guard is bound to.
func (g *Guard) Schema() string { return g.schema }

// Validate checks a single SQL statement against the policy. It never
// returns an error: every outcome, including malformed input, is expressed
// as a Verdict so callers can fold rejections into the conversation instead
// of failing the turn.
func (g *Guard) Validate(sqlText string) Verdict {
	if strings.TrimSpace(sqlText) == "" {
		return reject("statement is empty")
	}
	if strings.ContainsRune(sqlText, 0) {
		return reject("statement contains a null byte")
	}

	cleaned, ok := stripComments(sqlText)
	if !ok {
		return reject("statement has an unterminated comment or string literal")
	}
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return reject("statement is empty after removing comments")
	}

	// Scan the raw input as well as the comment-spliced form. The raw scan
	// catches keywords hidden in comments, the spliced scan catches keywords
	// reassembled by comment splicing such as "DR/**/OP".
	spliced, _ := stripCommentsRepl(sqlText, "")
	for _, text := range []string{strings.ToLower(sqlText), strings.ToLower(spliced)} {
		for _, kw := range forbiddenKeywords {
			if containsWord(text, kw) {
				return reject(fmt.Sprintf("forbidden keyword %q detected; only read-only statements are allowed", strings.ToUpper(kw)))
			}
		}
	}

	// A single trailing semicolon is tolerated, anything beyond that means
	// multiple statements were packed into one call.
	statements := splitStatements(cleaned)
	if len(statements) != 1 {
		return reject("multiple statements are not allowed; send one statement per call")
	}
	stmt := statements[0]

	head := firstKeyword(stmt)
	if head == "" {
		return reject("statement does not start with a recognized keyword")
	}
	allowed := false
	for _, h := range allowedHeads {
		if head == h {
			allowed = true
			break
		}
	}
	if !allowed {
		return reject(fmt.Sprintf("statement must start with one of SELECT, WITH, TABLE, EXPLAIN, VALUES or SHOW, got %q", strings.ToUpper(head)))
	}

	if reason := g.checkSchemaRefs(stmt); reason != "" {
		return reject(reason)
	}

	return Verdict{Allowed: true, Statement: stmt}
}

func reject(reason string) Verdict {
	return Verdict{Reason: reason}
}

// stripComments removes line and block comments while leaving string
// literals and quoted identifiers intact. Block comments nest, as they do in
// Postgres. Returns ok=false when a string, quoted identifier, dollar quote
// or block comment is left open at the end of the input.
func stripComments(s string) (string, bool) {
	return stripCommentsRepl(s, " ")
}

// stripCommentsRepl is stripComments with a chosen comment replacement. An
// empty replacement reassembles tokens split by comment splicing, which the
// keyword scan uses to catch inputs like "DR/**/OP".
func stripCommentsRepl(s, repl string) (string, bool) {
	var b strings.Builder
	b.Grow(len(s))

	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == '-' && i+1 < len(s) && s[i+1] == '-':
			// Line comment runs to end of line.
			for i < len(s) && s[i] != '\n' {
				i++
			}
			b.WriteString(repl)

		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			depth := 1
			i += 2
			for i < len(s) && depth > 0 {
				switch {
				case s[i] == '/' && i+1 < len(s) && s[i+1] == '*':
					depth++
					i += 2
				case s[i] == '*' && i+1 < len(s) && s[i+1] == '/':
					depth--
					i += 2
				default:
					i++
				}
			}
			if depth > 0 {
				return "", false
			}
			b.WriteString(repl)

		case c == '\'':
			end, ok := scanQuoted(s, i, '\'')
			if !ok {
				return "", false
			}
			b.WriteString(s[i:end])
			i = end

		case c == '"':
			end, ok := scanQuoted(s, i, '"')
			if !ok {
				return "", false
			}
			b.WriteString(s[i:end])
			i = end

		case c == '$':
			if end, tag := scanDollarTag(s, i); tag != "" {
				close := strings.Index(s[end:], tag)
				if close < 0 {
					return "", false
				}
				stop := end + close + len(tag)
				b.WriteString(s[i:stop])
				i = stop
				break
			}
			b.WriteByte(c)
			i++

		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), true
}

// scanQuoted returns the index just past a quoted region starting at i,
// where a doubled quote character is an escape.
func scanQuoted(s string, i int, quote byte) (int, bool) {
	j := i + 1
	for j < len(s) {
		if s[j] == quote {
			if j+1 < len(s) && s[j+1] == quote {
				j += 2
				continue
			}
			return j + 1, true
		}
		j++
	}
	return 0, false
}

// scanDollarTag recognizes a dollar-quote opener like $$ or $body$ at
// position i and returns the index past it together with the tag. A lone $
// (as in positional parameters) yields an empty tag.
func scanDollarTag(s string, i int) (int, string) {
	j := i + 1
	if j < len(s) && s[j] == '$' {
		return j + 1, s[i : j+1]
	}
	if j < len(s) && isIdentStartByte(s[j]) {
		for j < len(s) && (isIdentStartByte(s[j]) || isDigit(s[j])) {
			j++
		}
		if j < len(s) && s[j] == '$' {
			return j + 1, s[i : j+1]
		}
	}
	return i, ""
}

// splitStatements splits comment-free SQL on semicolons outside string
// literals, quoted identifiers and dollar quotes. A trailing semicolon does
// not produce an empty statement.
func splitStatements(s string) []string {
	var out []string
	start := 0
	i := 0
	for i < len(s) {
		switch s[i] {
		case '\'', '"':
			end, ok := scanQuoted(s, i, s[i])
			if !ok {
				i = len(s)
			} else {
				i = end
			}
		case '$':
			if end, tag := scanDollarTag(s, i); tag != "" {
				close := strings.Index(s[end:], tag)
				if close < 0 {
					i = len(s)
				} else {
					i = end + close + len(tag)
				}
			} else {
				i++
			}
		case ';':
			if part := strings.TrimSpace(s[start:i]); part != "" {
				out = append(out, part)
			}
			i++
			start = i
		default:
			i++
		}
	}
	if part := strings.TrimSpace(s[start:]); part != "" {
		out = append(out, part)
	}
	return out
}

// containsWord reports whether text contains word delimited by non-identifier
// characters on both sides. text and word must already be lowercase.
func containsWord(text, word string) bool {
	for from := 0; ; {
		idx := strings.Index(text[from:], word)
		if idx < 0 {
			return false
		}
		idx += from
		before := idx == 0 || !isIdentByte(text[idx-1])
		afterIdx := idx + len(word)
		after := afterIdx == len(text) || !isIdentByte(text[afterIdx])
		if before && after {
			return true
		}
		from = idx + 1
	}
}

// firstKeyword returns the lowercased first bare word of the statement,
// skipping leading parentheses so that "(SELECT ...)" validates like SELECT.
func firstKeyword(s string) string {
	i := 0
	for i < len(s) && (unicode.IsSpace(rune(s[i])) || s[i] == '(') {
		i++
	}
	j := i
	for j < len(s) && isIdentByte(s[j]) {
		j++
	}
	return strings.ToLower(s[i:j])
}

// fromListEnders terminate a FROM clause for the purposes of the schema
// check. Identifiers seen after one of these are column references again.
var fromListEnders = map[string]bool{
	"where": true, "group": true, "order": true, "having": true,
	"limit": true, "offset": true, "on": true, "using": true,
	"select": true, "union": true, "intersect": true, "except": true,
	"window": true, "fetch": true, "for": true,
}

// checkSchemaRefs walks qualified identifiers and rejects references outside
// the bound schema. Two-part names are only treated as schema.table after
// FROM, JOIN, or the TABLE keyword (covering TABLE-form statements);
// elsewhere a two-part name is an alias.column reference. Three-part names
// are always schema-qualified. Returns the rejection reason, or empty when
// the statement passes.
func (g *Guard) checkSchemaRefs(stmt string) string {
	if g.schema == "" {
		return ""
	}

	toks := tokenize(stmt)
	fromList := false
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.kind != tokIdent {
			continue
		}

		lower := strings.ToLower(t.text)
		if !t.quoted {
			if lower == "from" || lower == "join" || lower == "table" {
				fromList = true
				continue
			}
			if fromListEnders[lower] {
				fromList = false
				continue
			}
		}

		// Collect the full dotted chain starting here.
		chain := []string{lower}
		j := i + 1
		for j+1 < len(toks) && toks[j].kind == tokDot && toks[j+1].kind == tokIdent {
			chain = append(chain, strings.ToLower(toks[j+1].text))
			j += 2
		}
		i = j - 1

		if len(chain) < 3 && !(len(chain) == 2 && fromList) {
			continue
		}
		if schema := chain[0]; !g.schemaAllowed(schema) {
			return fmt.Sprintf("reference to schema %q is not allowed; queries are scoped to schema %q", schema, g.schema)
		}
	}
	return ""
}

func (g *Guard) schemaAllowed(schema string) bool {
	if schema == g.schema {
		return true
	}
	for _, s := range catalogSchemas {
		if schema == s {
			return true
		}
	}
	return false
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokDot
	tokOther
)

type token struct {
	kind   tokenKind
	text   string
	quoted bool
}

// tokenize produces a flat token stream from comment-free SQL. String
// literals collapse to a single tokOther so they can never join an
// identifier chain.
func tokenize(s string) []token {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == '\'':
			end, ok := scanQuoted(s, i, '\'')
			if !ok {
				return toks
			}
			toks = append(toks, token{kind: tokOther, text: "'"})
			i = end
		case c == '"':
			end, ok := scanQuoted(s, i, '"')
			if !ok {
				return toks
			}
			inner := strings.ReplaceAll(s[i+1:end-1], `""`, `"`)
			toks = append(toks, token{kind: tokIdent, text: inner, quoted: true})
			i = end
		case c == '.':
			toks = append(toks, token{kind: tokDot, text: "."})
			i++
		case isIdentStartByte(c):
			j := i
			for j < len(s) && isIdentByte(s[j]) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: s[i:j]})
			i = j
		case unicode.IsSpace(rune(c)):
			i++
		default:
			toks = append(toks, token{kind: tokOther, text: string(c)})
			i++
		}
	}
	return toks
}

func isIdentStartByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentByte(c byte) bool {
	return isIdentStartByte(c) || isDigit(c) || c == '$'
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
