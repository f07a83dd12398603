package bankimport

import (
	"fmt"
	"regexp"
	"strings"
)

// PartnerNameLimit caps the partner fragment taken from a description.
const PartnerNameLimit = 50

// DefaultPatterns is the legacy invoice-number family, tried in order.
var DefaultPatterns = []string{`SF\d{4}-\d{4}`, `PI\d{4}-\d{4}`, `\d{4}-\d{4}`}

// Extractor pulls an invoice number and a partner fragment out of a description.
type Extractor struct {
	patterns []*regexp.Regexp
}

// NewExtractor compiles patterns, falling back to DefaultPatterns when empty.
func NewExtractor(patterns []string) (*Extractor, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	e := &Extractor{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("bankimport: invalid invoice pattern %q: %w", p, err)
		}
		e.patterns = append(e.patterns, re)
	}
	return e, nil
}

// Extract returns the first match of the first matching pattern, and the
// description without it, trimmed and cut to PartnerNameLimit characters.
func (e *Extractor) Extract(description string) (number, partner string) {
	rest := description
	for _, re := range e.patterns {
		if loc := re.FindStringIndex(description); loc != nil {
			number = description[loc[0]:loc[1]]
			rest = description[:loc[0]] + description[loc[1]:]
			break
		}
	}
	partner = strings.TrimSpace(rest)
	if runes := []rune(partner); len(runes) > PartnerNameLimit {
		partner = strings.TrimSpace(string(runes[:PartnerNameLimit]))
	}
	return number, partner
}

// Annotate fills InvoiceNumber and PartnerName on each transaction.
func (e *Extractor) Annotate(txns []Transaction) {
	for i := range txns {
		txns[i].InvoiceNumber, txns[i].PartnerName = e.Extract(txns[i].Description)
	}
}
