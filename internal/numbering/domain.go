// Package numbering allocates prefixed, gap-aware serial numbers for invoices,
// orders and expedition legs.
package numbering

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/cases"

	"github.com/baltic-freight/tms/internal/shared"
)

// Kind selects the sequence and the live tables checked for collisions.
type Kind string

const (
	KindSalesInvoice        Kind = "sales_invoice"
	KindPurchaseInvoice     Kind = "purchase_invoice"
	KindOrder               Kind = "order"
	KindExpeditionCarrier   Kind = "expedition_carrier"
	KindExpeditionWarehouse Kind = "expedition_warehouse"
	KindExpeditionCost      Kind = "expedition_cost"
)

// Valid reports whether k is known.
func (k Kind) Valid() bool {
	switch k {
	case KindSalesInvoice, KindPurchaseInvoice, KindOrder,
		KindExpeditionCarrier, KindExpeditionWarehouse, KindExpeditionCost:
		return true
	}
	return false
}

// YearKeyed reports whether the sequence row is keyed by calendar year.
func (k Kind) YearKeyed() bool {
	return k == KindSalesInvoice || k == KindPurchaseInvoice || k == KindOrder
}

// sequenceKind folds kinds sharing one counter onto a canonical kind.
func (k Kind) sequenceKind() Kind {
	if k == KindPurchaseInvoice {
		return KindSalesInvoice
	}
	return k
}

// ExpeditionKind is the {carrier, warehouse, cost} selector used by callers.
type ExpeditionKind string

const (
	ExpeditionCarrier   ExpeditionKind = "carrier"
	ExpeditionWarehouse ExpeditionKind = "warehouse"
	ExpeditionCost      ExpeditionKind = "cost"
)

// Kind maps the expedition selector onto a numbering kind.
func (e ExpeditionKind) Kind() (Kind, error) {
	switch e {
	case ExpeditionCarrier:
		return KindExpeditionCarrier, nil
	case ExpeditionWarehouse:
		return KindExpeditionWarehouse, nil
	case ExpeditionCost:
		return KindExpeditionCost, nil
	}
	return "", shared.Invalid("kind", "expected carrier, warehouse or cost")
}

// SequenceKey addresses one counter row.
type SequenceKey struct {
	Kind Kind
	Year int
}

// Format renders serials as prefix, separator and zero-padded digits.
type Format struct {
	Prefix    string
	Separator string
	Width     int
}

// Validate rejects unusable formats.
func (f Format) Validate() error {
	if f.Prefix == "" {
		return shared.Invalid("prefix", "must not be empty")
	}
	if f.Width <= 0 || f.Width > 18 {
		return shared.Invalid("width", "must be between 1 and 18")
	}
	return nil
}

// Render formats n.
func (f Format) Render(n int64) string {
	return fmt.Sprintf("%s%s%0*d", f.Prefix, f.Separator, f.Width, n)
}

// Token is the parsed tail of an existing number.
type Token struct {
	Separator string
	N         int64
}

var lastDigits = regexp.MustCompile(`\d+`)

// ExtractToken strips prefix case-insensitively and reads the last maximal
// digit run. Text between the prefix and the digits is the separator.
func ExtractToken(value, prefix string) (Token, bool) {
	if prefix == "" || len(value) < len(prefix) {
		return Token{}, false
	}
	fold := cases.Fold()
	if fold.String(value[:len(prefix)]) != fold.String(prefix) {
		return Token{}, false
	}
	rest := value[len(prefix):]
	runs := lastDigits.FindAllStringIndex(rest, -1)
	if len(runs) == 0 {
		return Token{}, false
	}
	last := runs[len(runs)-1]
	n, err := strconv.ParseInt(rest[last[0]:last[1]], 10, 64)
	if err != nil {
		return Token{}, false
	}
	return Token{Separator: rest[:last[0]], N: n}, true
}

// MaxToken returns the token with the highest suffix among values.
func MaxToken(values []string, prefix string) (Token, bool) {
	var best Token
	found := false
	for _, v := range values {
		tok, ok := ExtractToken(v, prefix)
		if !ok {
			continue
		}
		if !found || tok.N > best.N {
			best = tok
			found = true
		}
	}
	return best, found
}

// Gap is a closed range of unused serials.
type Gap struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// FindGaps returns unused ranges between used suffixes, ascending, stopping
// after maxGaps ranges. A non-positive maxGaps means no limit.
func FindGaps(values []string, prefix string, maxGaps int) []Gap {
	used := make(map[int64]struct{}, len(values))
	for _, v := range values {
		if tok, ok := ExtractToken(v, prefix); ok {
			used[tok.N] = struct{}{}
		}
	}
	nums := make([]int64, 0, len(used))
	for n := range used {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	gaps := []Gap{}
	for i := 1; i < len(nums); i++ {
		if nums[i]-nums[i-1] > 1 {
			gaps = append(gaps, Gap{Start: nums[i-1] + 1, End: nums[i] - 1})
			if maxGaps > 0 && len(gaps) >= maxGaps {
				break
			}
		}
	}
	return gaps
}

// likePrefix builds a case-insensitive LIKE pattern for prefix.
func likePrefix(prefix string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix) + "%"
}
