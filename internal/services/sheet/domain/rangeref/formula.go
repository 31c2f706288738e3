package rangeref

import (
	"regexp"
	"strings"
)

const refPart = `\$?[A-Za-z]{1,3}\$?[0-9]+|\$?[A-Za-z]{1,3}|\$?[0-9]+`

var referencePattern = regexp.MustCompile(
	`^(?:(?:'(?:[^']|'')+'|[A-Za-z0-9_.]+)!)?(?:` + refPart + `)(?::(?:` + refPart + `))?`,
)

// Token is one reference found in formula text.
type Token struct {
	Start int
	End   int
	Text  string
}

// IsFormula reports whether content is formula text.
func IsFormula(content string) bool {
	return strings.HasPrefix(content, "=")
}

// References lists the reference tokens of a formula. String literals and
// function names are skipped.
func References(formula string) []Token {
	if !IsFormula(formula) {
		return nil
	}
	var tokens []Token
	for i := 1; i < len(formula); {
		c := formula[i]
		if c == '"' {
			i = skipString(formula, i)
			continue
		}
		if !isRefStart(c) || (i > 0 && isIdentChar(formula[i-1])) {
			i++
			continue
		}
		if loc := referencePattern.FindStringIndex(formula[i:]); loc != nil {
			end := i + loc[1]
			text := formula[i:end]
			boundary := end == len(formula) || (!isIdentChar(formula[end]) && formula[end] != '(' && formula[end] != '!')
			if boundary && syntacticReference(text) {
				tokens = append(tokens, Token{Start: i, End: end, Text: text})
				i = end
				continue
			}
		}
		i = skipWord(formula, i)
	}
	return tokens
}

// AdaptFormula rewrites every reference of formula through apply. Removed
// references become #REF; untouched ones keep their original text.
func AdaptFormula(formula, defaultSheetID string, resolver Resolver, apply ApplyChange) string {
	return rewrite(formula, func(tok Token) string {
		r := Parse(defaultSheetID, tok.Text, resolver)
		if r.Invalid {
			return tok.Text
		}
		out := apply(r)
		switch out.Kind {
		case ChangeNone:
			return tok.Text
		case ChangeRemove:
			return InvalidText
		default:
			return out.Range.Text(defaultSheetID, resolver)
		}
	})
}

// RenameInFormula replaces sheet prefixes naming oldName with newName.
func RenameInFormula(formula, oldName, newName string) string {
	return rewrite(formula, func(tok Token) string {
		sheet, hasSheet, body := splitReference(tok.Text)
		if !hasSheet || !SameSheetName(sheet, oldName) {
			return tok.Text
		}
		return QuoteSheetName(newName) + "!" + body
	})
}

// AdaptRangeText maps a single range text through apply. ok is false when the
// range was removed.
func AdaptRangeText(text, defaultSheetID string, resolver Resolver, apply ApplyChange) (string, bool) {
	r := Parse(defaultSheetID, text, resolver)
	if r.Invalid {
		return text, true
	}
	out := apply(r)
	switch out.Kind {
	case ChangeNone:
		return text, true
	case ChangeRemove:
		return "", false
	default:
		return out.Range.Text(defaultSheetID, resolver), true
	}
}

// RenameInRangeText replaces the sheet prefix of one range text.
func RenameInRangeText(text, oldName, newName string) string {
	sheet, hasSheet, body := splitReference(strings.TrimSpace(text))
	if !hasSheet || !SameSheetName(sheet, oldName) {
		return text
	}
	return QuoteSheetName(newName) + "!" + body
}

func rewrite(formula string, fn func(Token) string) string {
	tokens := References(formula)
	if len(tokens) == 0 {
		return formula
	}
	var b strings.Builder
	last := 0
	for _, tok := range tokens {
		b.WriteString(formula[last:tok.Start])
		b.WriteString(fn(tok))
		last = tok.End
	}
	b.WriteString(formula[last:])
	return b.String()
}

func syntacticReference(text string) bool {
	_, _, body := splitReference(text)
	_, _, ok := parseBody(body)
	return ok
}

func skipString(s string, i int) int {
	for j := i + 1; j < len(s); j++ {
		if s[j] != '"' {
			continue
		}
		if j+1 < len(s) && s[j+1] == '"' {
			j++
			continue
		}
		return j + 1
	}
	return len(s)
}

func skipWord(s string, i int) int {
	j := i + 1
	for j < len(s) && isIdentChar(s[j]) {
		j++
	}
	return j
}

func isRefStart(c byte) bool {
	return c == '$' || c == '\'' || isIdentChar(c)
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '.' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
