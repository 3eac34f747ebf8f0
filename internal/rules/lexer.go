package rules

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// tokenKind enumerates the lexical classes of the predicate language.
type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenNumber
	tokenString
	tokenIdent
	tokenOperator // == != < <= > >= + - * / % ! && ||
	tokenPunct    // ( ) , . [ ]
	tokenKeyword  // and or not in true false nil
)

var keywords = map[string]bool{
	"and":   true,
	"or":    true,
	"not":   true,
	"in":    true,
	"true":  true,
	"false": true,
	"nil":   true,
}

// token is one lexeme with its source offset for error messages.
type token struct {
	kind tokenKind
	text string
	num  float64 // valid when kind == tokenNumber
	pos  int
}

// lex splits src into tokens. String literals accept single or double quotes
// with backslash escaping so that conditions written in YAML stay readable.
func lex(src string) ([]token, error) {
	var toks []token
	runes := []rune(src)
	i := 0

	for i < len(runes) {
		r := runes[i]

		switch {
		case unicode.IsSpace(r):
			i++

		case unicode.IsDigit(r) || (r == '.' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			start := i
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			text := string(runes[start:i])
			n, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, fmt.Errorf("rules: invalid number %q at offset %d", text, start)
			}
			toks = append(toks, token{kind: tokenNumber, text: text, num: n, pos: start})

		case r == '\'' || r == '"':
			quote := r
			start := i
			i++
			var sb strings.Builder
			closed := false
			for i < len(runes) {
				c := runes[i]
				if c == '\\' && i+1 < len(runes) {
					sb.WriteRune(runes[i+1])
					i += 2
					continue
				}
				if c == quote {
					closed = true
					i++
					break
				}
				sb.WriteRune(c)
				i++
			}
			if !closed {
				return nil, fmt.Errorf("rules: unterminated string at offset %d", start)
			}
			toks = append(toks, token{kind: tokenString, text: sb.String(), pos: start})

		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_') {
				i++
			}
			text := string(runes[start:i])
			kind := tokenIdent
			if keywords[text] {
				kind = tokenKeyword
			}
			toks = append(toks, token{kind: kind, text: text, pos: start})

		case strings.ContainsRune("()[],.", r):
			toks = append(toks, token{kind: tokenPunct, text: string(r), pos: i})
			i++

		case strings.ContainsRune("=!<>+-*/%&|", r):
			start := i
			two := ""
			if i+1 < len(runes) {
				two = string(runes[i : i+2])
			}
			switch two {
			case "==", "!=", "<=", ">=", "&&", "||":
				toks = append(toks, token{kind: tokenOperator, text: two, pos: start})
				i += 2
			default:
				op := string(r)
				if op == "=" || op == "&" || op == "|" {
					return nil, fmt.Errorf("rules: unexpected %q at offset %d", op, start)
				}
				toks = append(toks, token{kind: tokenOperator, text: op, pos: start})
				i++
			}

		default:
			return nil, fmt.Errorf("rules: unexpected character %q at offset %d", string(r), i)
		}
	}

	toks = append(toks, token{kind: tokenEOF, pos: len(runes)})
	return toks, nil
}
