// ABOUTME: Minimal SQL clause parser used to extract tenant identifiers
// ABOUTME: Tokenizes statements and reads INSERT column lists and WHERE equality predicates

package router

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokWord tokenKind = iota // keywords and identifiers
	tokString
	tokNumber
	tokPlaceholder
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	// ord is the zero-based ordinal of a '?' placeholder within the
	// statement, used to index into the parameter list.
	ord int
}

// tokenize splits a SQL statement into tokens, skipping whitespace and
// comments. Quoted identifiers are unwrapped; string literals keep their
// value without quotes.
func tokenize(sql string) ([]token, error) {
	var toks []token
	ord := 0
	i := 0
	n := len(sql)

	for i < n {
		c := sql[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == '-' && i+1 < n && sql[i+1] == '-':
			for i < n && sql[i] != '\n' {
				i++
			}

		case c == '/' && i+1 < n && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				return nil, fmt.Errorf("unterminated comment at offset %d", i)
			}
			i += end + 4

		case c == '\'':
			var sb strings.Builder
			i++
			closed := false
			for i < n {
				if sql[i] == '\'' {
					if i+1 < n && sql[i+1] == '\'' {
						sb.WriteByte('\'')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				sb.WriteByte(sql[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string literal")
			}
			toks = append(toks, token{kind: tokString, text: sb.String()})

		case c == '"' || c == '`' || c == '[':
			close := c
			if c == '[' {
				close = ']'
			}
			j := i + 1
			for j < n && sql[j] != close {
				j++
			}
			if j >= n {
				return nil, fmt.Errorf("unterminated quoted identifier")
			}
			toks = append(toks, token{kind: tokWord, text: strings.ToLower(sql[i+1 : j])})
			i = j + 1

		case c == '?':
			toks = append(toks, token{kind: tokPlaceholder, ord: ord})
			ord++
			i++

		case isWordByte(c):
			j := i
			for j < n && isWordByte(sql[j]) {
				j++
			}
			word := sql[i:j]
			kind := tokWord
			if word[0] >= '0' && word[0] <= '9' {
				kind = tokNumber
			}
			toks = append(toks, token{kind: kind, text: strings.ToLower(word)})
			i = j

		default:
			toks = append(toks, token{kind: tokPunct, text: string(c)})
			i++
		}
	}
	return toks, nil
}

func isWordByte(c byte) bool {
	return c == '_' || c == '$' || c == '.' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// extractTenantID pulls the tenant id a statement carries, if any.
// For INSERT the id comes from the column/value pair matching TenantIDColumn;
// for SELECT/UPDATE/DELETE from a WHERE equality predicate on that column.
// Returns ("", false, nil) when the statement simply does not carry an id.
func extractTenantID(sql string, params []any) (string, bool, error) {
	toks, err := tokenize(sql)
	if err != nil {
		return "", false, fmt.Errorf("parsing statement: %w", err)
	}
	if len(toks) == 0 {
		return "", false, nil
	}

	switch toks[0].text {
	case "insert", "replace":
		return extractFromInsert(toks, params)
	case "select", "update", "delete":
		return extractFromWhere(toks, params)
	default:
		return "", false, nil
	}
}

// extractFromInsert reads the column list and VALUES tuples of an INSERT. If
// the statement inserts several rows with conflicting tenant ids, the route
// is ambiguous and an error is returned.
func extractFromInsert(toks []token, params []any) (string, bool, error) {
	// Locate the column list: the first parenthesized group before VALUES.
	valuesIdx := -1
	for i, t := range toks {
		if t.kind == tokWord && (t.text == "values" || t.text == "value") {
			valuesIdx = i
			break
		}
	}
	if valuesIdx < 0 {
		// INSERT ... SELECT and friends carry no inline value list.
		return "", false, nil
	}

	colPos := -1
	colCount := 0
	inList := false
	for _, t := range toks[:valuesIdx] {
		if t.kind == tokPunct && t.text == "(" {
			inList = true
			continue
		}
		if !inList {
			continue
		}
		if t.kind == tokPunct && t.text == ")" {
			break
		}
		if t.kind == tokPunct && t.text == "," {
			continue
		}
		if t.kind == tokWord {
			if columnName(t.text) == TenantIDColumn {
				colPos = colCount
			}
			colCount++
		}
	}
	if colPos < 0 {
		return "", false, nil
	}

	// Walk each VALUES tuple and resolve the element at colPos.
	var found string
	have := false
	i := valuesIdx + 1
	for i < len(toks) {
		if !(toks[i].kind == tokPunct && toks[i].text == "(") {
			i++
			continue
		}
		elem := 0
		depth := 1
		i++
		for i < len(toks) && depth > 0 {
			t := toks[i]
			if t.kind == tokPunct {
				switch t.text {
				case "(":
					depth++
				case ")":
					depth--
				case ",":
					if depth == 1 {
						elem++
					}
				}
				i++
				continue
			}
			if depth == 1 && elem == colPos {
				val, ok, err := tokenValue(t, params)
				if err != nil {
					return "", false, err
				}
				if ok {
					if have && val != found {
						return "", false, fmt.Errorf("multi-row insert carries conflicting %s values", TenantIDColumn)
					}
					found = val
					have = true
				}
			}
			i++
		}
	}
	return found, have, nil
}

// extractFromWhere finds the first `project_id = <value>` equality predicate
// after the WHERE keyword.
func extractFromWhere(toks []token, params []any) (string, bool, error) {
	whereIdx := -1
	for i, t := range toks {
		if t.kind == tokWord && t.text == "where" {
			whereIdx = i
			break
		}
	}
	if whereIdx < 0 {
		return "", false, nil
	}

	for i := whereIdx + 1; i+2 < len(toks); i++ {
		t := toks[i]
		if t.kind != tokWord || columnName(t.text) != TenantIDColumn {
			continue
		}
		if !(toks[i+1].kind == tokPunct && toks[i+1].text == "=") {
			continue
		}
		return tokenValue(toks[i+2], params)
	}
	return "", false, nil
}

// columnName strips a table qualifier from a possibly dotted identifier.
func columnName(ident string) string {
	if idx := strings.LastIndexByte(ident, '.'); idx >= 0 {
		return ident[idx+1:]
	}
	return ident
}

// tokenValue resolves a value token to a string: bound parameters by
// placeholder ordinal, literals by their text.
func tokenValue(t token, params []any) (string, bool, error) {
	switch t.kind {
	case tokPlaceholder:
		if t.ord >= len(params) {
			return "", false, fmt.Errorf("placeholder %d has no bound parameter", t.ord+1)
		}
		switch v := params[t.ord].(type) {
		case string:
			return v, true, nil
		case nil:
			return "", false, nil
		default:
			return fmt.Sprintf("%v", v), true, nil
		}
	case tokString:
		return t.text, true, nil
	case tokNumber:
		return t.text, true, nil
	default:
		// NULL, subqueries, expressions: nothing inferable.
		return "", false, nil
	}
}
