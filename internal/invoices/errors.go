package invoices

import (
	"fmt"

	"github.com/baltic-freight/tms/internal/shared"
)

var (
	// ErrInvoiceNotFound indicates the referenced invoice does not exist.
	ErrInvoiceNotFound = fmt.Errorf("invoice %w", shared.ErrNotFound)
	// ErrPartnerNotFound indicates the referenced partner does not exist.
	ErrPartnerNotFound = fmt.Errorf("partner %w", shared.ErrNotFound)
	// ErrDuplicateNumber indicates the invoice number is already used on that side.
	ErrDuplicateNumber = shared.Invalid("invoice_number", "already exists")
)
