package bankimport

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"

	"github.com/baltic-freight/tms/internal/invoices"
	"github.com/baltic-freight/tms/internal/matching"
	"github.com/baltic-freight/tms/internal/money"
)

// Confidence levels per matching pass.
const (
	ConfidenceExact       = 1.0
	ConfidenceNumber      = 0.95
	ConfidenceToken       = 0.85
	ConfidencePartner     = 0.70
	ConfidenceAmountOnly  = 0.30
	MatchThreshold        = 0.5
	minTokenLength        = 5
	minReversePartnerName = 4
)

func foldString(s string) string {
	return cases.Fold().String(s)
}

// Snapshot is the open-invoice set a batch matches against. Sales invoices
// come first, each side in due-date order.
type Snapshot struct {
	invoices []invoices.Invoice
}

// NewSnapshot builds a snapshot from both sides.
func NewSnapshot(sales, purchase []invoices.Invoice) *Snapshot {
	all := make([]invoices.Invoice, 0, len(sales)+len(purchase))
	all = append(all, sales...)
	all = append(all, purchase...)
	return &Snapshot{invoices: all}
}

// Len reports the number of candidates.
func (s *Snapshot) Len() int { return len(s.invoices) }

// Remove drops ref so later rows cannot settle it twice.
func (s *Snapshot) Remove(ref invoices.Ref) {
	for i, inv := range s.invoices {
		if inv.Ref == ref {
			s.invoices = append(s.invoices[:i], s.invoices[i+1:]...)
			return
		}
	}
}

// Candidate is the reconciler's verdict for one transaction.
type Candidate struct {
	Invoice    *invoices.Invoice
	Confidence float64
	Pass       string
}

// Matched reports whether the candidate clears MatchThreshold.
func (c Candidate) Matched() bool {
	return c.Invoice != nil && c.Confidence >= MatchThreshold
}

// Reconciler ranks open invoices against statement rows.
type Reconciler struct {
	// AmountOnlySuggestions enables the amount-only pass. Its results never
	// clear MatchThreshold.
	AmountOnlySuggestions bool
}

// Match runs the passes in order and returns the best candidate. Later passes
// run only while nothing at their confidence has been found.
func (r Reconciler) Match(txn Transaction, snap *Snapshot) Candidate {
	var best Candidate
	consider := func(inv *invoices.Invoice, confidence float64, pass string) {
		if confidence > best.Confidence {
			best = Candidate{Invoice: inv, Confidence: confidence, Pass: pass}
		}
	}

	if txn.InvoiceNumber != "" {
		for i := range snap.invoices {
			inv := &snap.invoices[i]
			if !numberContains(inv, txn.InvoiceNumber) || !amountExact(inv.AmountTotal, txn.Amount) {
				continue
			}
			if partnerMatches(txn.PartnerName, inv.PartnerName) {
				consider(inv, ConfidenceExact, "number+partner")
			} else {
				consider(inv, ConfidenceNumber, "number")
			}
		}
	}
	if best.Confidence >= ConfidenceToken {
		return best
	}

	tokens := referenceTokens(txn.Description)
	if len(tokens) > 0 {
		for i := range snap.invoices {
			inv := &snap.invoices[i]
			if !amountExact(inv.AmountTotal, txn.Amount) {
				continue
			}
			for _, tok := range tokens {
				if matching.Matches(tok, inv.Number) || matching.Matches(tok, inv.ReceivedNumber) {
					consider(inv, ConfidenceToken, "token")
					break
				}
			}
		}
	}
	if best.Confidence >= ConfidencePartner {
		return best
	}

	for i := range snap.invoices {
		inv := &snap.invoices[i]
		if partnerMatches(txn.PartnerName, inv.PartnerName) && money.Equal(inv.AmountTotal, txn.Amount) {
			consider(inv, ConfidencePartner, "partner")
		}
	}
	if best.Confidence >= ConfidenceAmountOnly || !r.AmountOnlySuggestions {
		return best
	}

	for i := range snap.invoices {
		inv := &snap.invoices[i]
		if inv.Ref.Side == invoices.SideSales && money.Equal(inv.AmountTotal, txn.Amount) {
			consider(inv, ConfidenceAmountOnly, "amount")
		}
	}
	return best
}

// ExtractReference returns the invoice number and partner fragment of a
// description using the default pattern family.
func ExtractReference(description string) (number, partner string) {
	e, _ := NewExtractor(nil)
	return e.Extract(description)
}

func numberContains(inv *invoices.Invoice, number string) bool {
	n := foldString(number)
	return (inv.Number != "" && strings.Contains(foldString(inv.Number), n)) ||
		(inv.ReceivedNumber != "" && strings.Contains(foldString(inv.ReceivedNumber), n))
}

func amountExact(total, amount decimal.Decimal) bool {
	return total.Sub(amount).Abs().LessThan(money.Tolerance)
}

// partnerMatches compares case-folded names by containment in either
// direction. Statement fragments usually carry extra words around the name,
// so the invoice name is also looked up inside the fragment when it is long
// enough to be meaningful.
func partnerMatches(fragment, name string) bool {
	fragment = strings.TrimSpace(foldString(fragment))
	name = strings.TrimSpace(foldString(name))
	if fragment == "" || name == "" {
		return false
	}
	if strings.Contains(name, fragment) {
		return true
	}
	return utf8.RuneCountInString(name) >= minReversePartnerName && strings.Contains(fragment, name)
}

func referenceTokens(description string) []string {
	var out []string
	for _, tok := range matching.ExtractTokens(description) {
		if len(tok) >= minTokenLength && strings.IndexFunc(tok, unicode.IsDigit) >= 0 {
			out = append(out, tok)
		}
	}
	return out
}
