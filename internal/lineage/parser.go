// Package lineage maintains the table-to-table data flow graph: extracting
// edges from warehouse query logs and answering traversal queries such as
// blast radius.
package lineage

import (
	"strings"
	"unicode"
)

// Subquery nesting thresholds for parse confidence. A source referenced
// directly under the write statement scores highest; the deeper it hides in
// subqueries, the less certain the edge.
const (
	confidenceDirect  = 1.0
	confidenceShallow = 0.8
	confidenceDeep    = 0.6

	shallowNestingLimit = 2
)

// Edge is one extracted data flow: source feeds target.
type Edge struct {
	Source     string
	Target     string
	Confidence float64
}

// ExtractEdges parses a SQL statement and returns the write edges it implies.
// Supported statements: INSERT ... SELECT, CREATE TABLE ... AS SELECT and
// MERGE. Pure SELECT statements produce no edges. The parser never fails
// loudly: anything it cannot understand yields an empty result.
func ExtractEdges(sql, dialect string) []Edge {
	_ = dialect // reserved for dialect-specific quoting rules

	tokens := tokenize(sql)
	if len(tokens) == 0 {
		return nil
	}

	target := writeTarget(tokens)
	if target == "" {
		return nil
	}

	type sourceRef struct {
		confidence float64
		order      int
	}

	sources := make(map[string]sourceRef)
	order := 0

	for i := 0; i < len(tokens); i++ {
		if !isSourceKeyword(tokens[i].upper) {
			continue
		}

		// MERGE INTO x USING y: USING introduces a source. In other
		// positions (e.g. join USING(col)) the next token is a paren and
		// the clause is skipped below.
		for j := i + 1; j < len(tokens); j++ {
			tok := tokens[j]

			if tok.text == "(" {
				break // subquery or column list; tables inside surface via their own FROM
			}

			if !tok.isIdent() {
				break
			}

			name := tok.normalized()
			if name == target || isBareKeyword(tok.upper) {
				break
			}

			confidence := confidenceForDepth(tok.depth)

			if existing, seen := sources[name]; seen {
				if confidence > existing.confidence {
					existing.confidence = confidence
					sources[name] = existing
				}
			} else {
				sources[name] = sourceRef{confidence: confidence, order: order}
				order++
			}

			// Skip the alias and anything else up to the next comma at
			// the same depth; a comma continues the FROM list.
			j = skipToListContinuation(tokens, j)
			if j == -1 {
				break
			}
		}
	}

	edges := make([]Edge, 0, len(sources))
	for name, ref := range sources {
		edges = append(edges, Edge{Source: name, Target: target, Confidence: ref.confidence})
	}

	// Stable output order: first appearance in the statement.
	for i := 0; i < len(edges); i++ {
		for j := i + 1; j < len(edges); j++ {
			if sources[edges[j].Source].order < sources[edges[i].Source].order {
				edges[i], edges[j] = edges[j], edges[i]
			}
		}
	}

	return edges
}

// writeTarget returns the normalized name of the statement's single write
// target, or "" when the statement is not a supported write.
func writeTarget(tokens []token) string {
	switch tokens[0].upper {
	case "INSERT":
		return identAfterKeyword(tokens, "INTO")
	case "MERGE":
		return identAfterKeyword(tokens, "INTO")
	case "CREATE":
		// CREATE [OR REPLACE] [TEMP|TEMPORARY] TABLE [IF NOT EXISTS] name AS SELECT
		if !containsKeywordPair(tokens, "AS", "SELECT") {
			return ""
		}

		return identAfterCreateTable(tokens)
	default:
		return ""
	}
}

func identAfterKeyword(tokens []token, keyword string) string {
	for i, tok := range tokens {
		if tok.upper == keyword && i+1 < len(tokens) && tokens[i+1].isIdent() {
			return tokens[i+1].normalized()
		}
	}

	return ""
}

func identAfterCreateTable(tokens []token) string {
	for i, tok := range tokens {
		if tok.upper != "TABLE" {
			continue
		}

		j := i + 1

		// IF NOT EXISTS
		if j+2 < len(tokens) && tokens[j].upper == "IF" && tokens[j+1].upper == "NOT" && tokens[j+2].upper == "EXISTS" {
			j += 3
		}

		if j < len(tokens) && tokens[j].isIdent() {
			return tokens[j].normalized()
		}

		return ""
	}

	return ""
}

func containsKeywordPair(tokens []token, first, second string) bool {
	for i := 0; i+1 < len(tokens); i++ {
		if tokens[i].upper == first && tokens[i+1].upper == second {
			return true
		}
	}

	return false
}

// skipToListContinuation advances past alias and join-condition tokens until
// a comma at the same depth (another table in the FROM list) and returns the
// comma's index. Returns -1 when the list ends first.
func skipToListContinuation(tokens []token, start int) int {
	depth := tokens[start].depth

	for k := start + 1; k < len(tokens); k++ {
		tok := tokens[k]

		if tok.depth < depth {
			return -1
		}

		if tok.depth == depth {
			if tok.text == "," {
				return k
			}

			if isSourceKeyword(tok.upper) || isClauseBoundary(tok.upper) {
				return -1
			}
		}
	}

	return -1
}

func isSourceKeyword(upper string) bool {
	switch upper {
	case "FROM", "JOIN", "USING":
		return true
	default:
		return false
	}
}

// isClauseBoundary marks keywords that terminate a FROM list.
func isClauseBoundary(upper string) bool {
	switch upper {
	case "WHERE", "GROUP", "ORDER", "HAVING", "LIMIT", "ON", "WHEN", "SELECT", "SET", "UNION", "INNER", "LEFT", "RIGHT", "FULL", "CROSS", "OUTER":
		return true
	default:
		return false
	}
}

// isBareKeyword guards against clause keywords being mistaken for table names.
func isBareKeyword(upper string) bool {
	switch upper {
	case "SELECT", "WHERE", "GROUP", "ORDER", "HAVING", "LIMIT", "ON", "AS", "SET", "VALUES", "WHEN", "MATCHED", "NOT", "AND", "OR", "UNION", "ALL", "DISTINCT":
		return true
	default:
		return false
	}
}

func confidenceForDepth(depth int) float64 {
	switch {
	case depth == 0:
		return confidenceDirect
	case depth <= shallowNestingLimit:
		return confidenceShallow
	default:
		return confidenceDeep
	}
}

// token is one lexical unit with the parenthesis depth it occurs at. Depth
// approximates subquery nesting for confidence scoring.
type token struct {
	text  string
	upper string
	depth int
}

func (t token) isIdent() bool {
	if t.text == "" {
		return false
	}

	r := rune(t.text[0])

	return unicode.IsLetter(r) || r == '_' || r == '"'
}

// normalized strips identifier quoting and lowercases the dotted name.
func (t token) normalized() string {
	parts := strings.Split(t.text, ".")
	for i, part := range parts {
		parts[i] = strings.ToLower(strings.Trim(part, `"`))
	}

	return strings.Join(parts, ".")
}

// tokenize splits a statement into identifiers, punctuation and keywords,
// tracking parenthesis depth. Comments and string literals are dropped.
func tokenize(sql string) []token {
	var (
		tokens []token
		depth  int
	)

	runes := []rune(sql)

	appendToken := func(text string) {
		if text == "" {
			return
		}

		tokens = append(tokens, token{text: text, upper: strings.ToUpper(text), depth: depth})
	}

	for i := 0; i < len(runes); i++ {
		r := runes[i]

		switch {
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
		case r == '/' && i+1 < len(runes) && runes[i+1] == '*':
			i += 2
			for i+1 < len(runes) && !(runes[i] == '*' && runes[i+1] == '/') {
				i++
			}
			i++
		case r == '\'':
			i++
			for i < len(runes) && runes[i] != '\'' {
				i++
			}
		case r == '(':
			appendToken("(")
			depth++
		case r == ')':
			depth--
			if depth < 0 {
				depth = 0
			}

			appendToken(")")
		case r == ',' || r == ';':
			appendToken(string(r))
		case unicode.IsLetter(r) || r == '_' || r == '"':
			start := i
			for i < len(runes) && isIdentRune(runes[i]) {
				i++
			}

			appendToken(string(runes[start:i]))
			i--
		case unicode.IsDigit(r):
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			i--
		case unicode.IsSpace(r):
			// skip
		default:
			appendToken(string(r))
		}
	}

	return tokens
}

func isIdentRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.' || r == '"' || r == '$'
}
