// Package matching finds invoice-number candidates in free text.
package matching

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/baltic-freight/tms/internal/invoices"
)

// MinTokenLength is the shortest candidate kept.
const MinTokenLength = 3

var tokenPattern = regexp.MustCompile(`[A-Z0-9][A-Z0-9\-/]{2,}`)

func upper(s string) string {
	return cases.Upper(language.Und).String(s)
}

// ExtractTokens returns upper-cased candidates in first-seen order. Each
// candidate is also split on "/" and "-" and fragments of at least
// MinTokenLength characters are added.
func ExtractTokens(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(tok string) {
		if len(tok) < MinTokenLength {
			return
		}
		if _, ok := seen[tok]; ok {
			return
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	for _, candidate := range tokenPattern.FindAllString(upper(text), -1) {
		add(candidate)
		for _, fragment := range strings.FieldsFunc(candidate, func(r rune) bool { return r == '/' || r == '-' }) {
			add(fragment)
		}
	}
	return out
}

// Matches reports whether token occurs in number, ignoring case.
func Matches(token, number string) bool {
	if token == "" || number == "" {
		return false
	}
	return strings.Contains(upper(number), upper(token))
}

// Match pairs an invoice with the tokens that hit its number.
type Match struct {
	Invoice invoices.Invoice `json:"-"`
	Ref     string           `json:"invoice_ref"`
	Number  string           `json:"number"`
	Tokens  []string         `json:"tokens"`
}

// MatchInvoices returns the candidates whose number, or received number,
// contains at least one token from text, in candidate order.
func MatchInvoices(text string, candidates []invoices.Invoice) []Match {
	tokens := ExtractTokens(text)
	if len(tokens) == 0 {
		return nil
	}
	var out []Match
	for _, inv := range candidates {
		var hits []string
		for _, tok := range tokens {
			if Matches(tok, inv.Number) || Matches(tok, inv.ReceivedNumber) {
				hits = append(hits, tok)
			}
		}
		if len(hits) == 0 {
			continue
		}
		out = append(out, Match{Invoice: inv, Ref: inv.Ref.String(), Number: inv.DisplayNumber(), Tokens: hits})
	}
	return out
}
