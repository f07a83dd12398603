// Package bankimport reconciles bank statement rows against open invoices.
package bankimport

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/baltic-freight/tms/internal/money"
	"github.com/baltic-freight/tms/internal/shared"
)

// Transaction is one parsed statement row.
type Transaction struct {
	Row           int             `json:"row"`
	Date          time.Time       `json:"date"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description"`
	InvoiceNumber string          `json:"invoice_number,omitempty"`
	PartnerName   string          `json:"partner_name,omitempty"`
}

// RowError records a skipped row.
type RowError struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// Columns holds detected header positions.
type Columns struct {
	Date        int
	Amount      int
	Description int
}

var (
	dateHeaders        = []string{"data", "date"}
	amountHeaders      = []string{"suma", "amount", "sum"}
	descriptionHeaders = []string{"aprašymas", "description", "info"}
	dateLayouts        = []string{"2006-01-02", "02.01.2006"}
)

// DetectColumns matches header names by lower-cased substring. Date is
// resolved first, then amount, then description; a column is used once.
func DetectColumns(header []string) (Columns, error) {
	lower := cases.Lower(language.Und)
	names := make([]string, len(header))
	for i, h := range header {
		names[i] = lower.String(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	}
	taken := make(map[int]bool, 3)
	find := func(keys []string) int {
		for i, name := range names {
			if taken[i] {
				continue
			}
			for _, k := range keys {
				if strings.Contains(name, k) {
					taken[i] = true
					return i
				}
			}
		}
		return -1
	}
	cols := Columns{Date: find(dateHeaders), Amount: find(amountHeaders), Description: find(descriptionHeaders)}
	switch {
	case cols.Date < 0:
		return cols, shared.Invalid("csv", "missing date column")
	case cols.Amount < 0:
		return cols, shared.Invalid("csv", "missing amount column")
	case cols.Description < 0:
		return cols, shared.Invalid("csv", "missing description column")
	}
	return cols, nil
}

// ParseCSV reads a comma separated statement with a header row. Rows that
// cannot be parsed are reported and skipped; a missing column fails the file.
func ParseCSV(r io.Reader) ([]Transaction, []RowError, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, shared.Invalid("csv", "header row required")
		}
		return nil, nil, shared.Invalid("csv", err.Error())
	}
	cols, err := DetectColumns(header)
	if err != nil {
		return nil, nil, err
	}

	var txns []Transaction
	var skipped []RowError
	row := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		row++
		if err != nil {
			skipped = append(skipped, RowError{Row: row, Reason: err.Error()})
			continue
		}
		txn, err := parseRecord(record, cols)
		if err != nil {
			skipped = append(skipped, RowError{Row: row, Reason: err.Error()})
			continue
		}
		txn.Row = row
		txns = append(txns, txn)
	}
	return txns, skipped, nil
}

func parseRecord(record []string, cols Columns) (Transaction, error) {
	field := func(i int) string {
		if i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
	rawDate, rawAmount, desc := field(cols.Date), field(cols.Amount), field(cols.Description)
	if rawDate == "" || rawAmount == "" || desc == "" {
		return Transaction{}, errors.New("missing date, amount or description")
	}
	date, err := ParseDate(rawDate)
	if err != nil {
		return Transaction{}, err
	}
	amount, err := ParseAmount(rawAmount)
	if err != nil {
		return Transaction{}, err
	}
	return Transaction{Date: date, Amount: amount, Description: desc}, nil
}

// ParseDate accepts YYYY-MM-DD, falling back to DD.MM.YYYY.
func ParseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

// ParseAmount reads a decimal with "," or "." as separator, ignoring spaces,
// and returns its absolute value in cents.
func ParseAmount(s string) (decimal.Decimal, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\u202f', '\t':
			return -1
		case ',':
			return '.'
		}
		return r
	}, s)
	d, err := money.Parse(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	return d.Abs(), nil
}

// parseBytes is ParseCSV over an in-memory file.
func parseBytes(data []byte) ([]Transaction, []RowError, error) {
	return ParseCSV(bytes.NewReader(data))
}
