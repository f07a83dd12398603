package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/baltic-freight/tms/internal/invoices"
	"github.com/baltic-freight/tms/internal/money"
	"github.com/baltic-freight/tms/internal/shared"
)

// Options tunes the engine.
type Options struct {
	// CapOffsetsToPayment limits the sum of sales-side offset events to the
	// supplier-side amount when that amount is positive.
	CapOffsetsToPayment bool
}

// Service is the payment-status engine over the ledger.
type Service struct {
	repo      Repository
	projector invoices.CarrierProjector
	audit     shared.AuditRecorder
	logger    *slog.Logger
	opts      Options
	now       func() time.Time
}

// NewService constructs the engine.
func NewService(repo Repository, projector invoices.CarrierProjector, audit shared.AuditRecorder, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, projector: projector, audit: audit, logger: logger, opts: opts, now: time.Now}
}

func (s *Service) today() time.Time {
	return invoices.Day(s.now())
}

// Summary derives the current settlement state of an invoice.
func (s *Service) Summary(ctx context.Context, ref invoices.Ref) (Summary, error) {
	if err := ref.Validate(); err != nil {
		return Summary{}, err
	}
	inv, err := s.repo.GetInvoice(ctx, ref)
	if err != nil {
		return Summary{}, err
	}
	events, err := s.repo.ListEvents(ctx, ref)
	if err != nil {
		return Summary{}, err
	}
	return newSummary(inv, events, Derive(inv, events, s.today())), nil
}

// ListForInvoice returns the live events of an invoice.
func (s *Service) ListForInvoice(ctx context.Context, ref invoices.Ref) ([]Event, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	return s.repo.ListEvents(ctx, ref)
}

// Refresh re-derives and stores the cached settlement columns of an invoice.
func (s *Service) Refresh(ctx context.Context, ref invoices.Ref) (Summary, error) {
	if err := ref.Validate(); err != nil {
		return Summary{}, err
	}
	var sum Summary
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, ref)
		if err != nil {
			return err
		}
		sum, err = s.recompute(ctx, tx, inv)
		return err
	})
	return sum, err
}

// Append stores one event and re-derives its invoice in the same transaction.
func (s *Service) Append(ctx context.Context, e Event) (Result, error) {
	if err := e.Validate(); err != nil {
		return Result{}, err
	}
	var res Result
	var inv invoices.Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		res, inv, err = s.appendTx(ctx, tx, e)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	s.afterCommit(ctx, "payment.add", []invoices.Invoice{inv}, map[string]any{
		"payment_id": res.Event.ID,
		"amount":     res.Event.Amount.StringFixed(2),
		"method":     res.Event.Method,
	})
	return res, nil
}

func (s *Service) appendTx(ctx context.Context, tx TxRepository, e Event) (Result, invoices.Invoice, error) {
	inv, err := tx.LockInvoice(ctx, e.Ref)
	if err != nil {
		return Result{}, invoices.Invoice{}, err
	}
	saved, err := tx.InsertEvent(ctx, e)
	if err != nil {
		return Result{}, invoices.Invoice{}, err
	}
	sum, err := s.recompute(ctx, tx, inv)
	if err != nil {
		return Result{}, invoices.Invoice{}, err
	}
	return Result{Event: &saved, Invoice: sum, StatusChanged: inv.PaymentStatus != sum.Status}, inv, nil
}

// recompute folds the invoice's events and stores the derived columns.
func (s *Service) recompute(ctx context.Context, tx TxRepository, inv invoices.Invoice) (Summary, error) {
	events, err := tx.ListEvents(ctx, inv.Ref)
	if err != nil {
		return Summary{}, err
	}
	d := Derive(inv, events, s.today())
	if err := tx.SaveDerived(ctx, inv.Ref, d); err != nil {
		return Summary{}, fmt.Errorf("save derived state of %s: %w", inv.Ref, err)
	}
	return newSummary(inv, events, d), nil
}

// AddPayment records money against an invoice. A purchase payment with method
// MethodOffset and offset targets also nets the targets' remaining amounts.
func (s *Service) AddPayment(ctx context.Context, in AddPaymentInput) (Result, error) {
	if err := shared.ValidateStruct(in); err != nil {
		return Result{}, err
	}
	if err := checkNotes(in.Notes); err != nil {
		return Result{}, err
	}
	if err := in.Ref.Validate(); err != nil {
		return Result{}, err
	}
	if in.Date.IsZero() {
		in.Date = s.today()
	}
	if len(in.OffsetTargets) > 0 {
		if in.Method != MethodOffset {
			return Result{}, shared.Invalid("offset_targets", "require method "+MethodOffset)
		}
		if in.Ref.Side != invoices.SidePurchase {
			return Result{}, shared.Invalid("offset_targets", "only a purchase invoice can be netted")
		}
		if in.Amount.IsNegative() {
			return Result{}, shared.Invalid("amount", "must not be negative")
		}
		for _, id := range in.OffsetTargets {
			if id <= 0 {
				return Result{}, shared.Invalid("offset_targets", "ids must be positive")
			}
		}
		return s.applyOffset(ctx, in)
	}
	return s.Append(ctx, Event{
		Ref:         in.Ref,
		Amount:      money.Round2(in.Amount),
		PaymentDate: invoices.Day(in.Date),
		Method:      in.Method,
		Notes:       in.Notes,
		CreatedBy:   shared.ActorFromContext(ctx),
	})
}

// applyOffset creates the supplier-side event, then one sales-side event per
// target with a positive remaining amount, then tags the group. The steps
// commit separately; an interrupted run leaves each invoice consistent with
// the events it received and the tag covering the events created so far.
func (s *Service) applyOffset(ctx context.Context, in AddPaymentInput) (Result, error) {
	actor := shared.ActorFromContext(ctx)
	date := invoices.Day(in.Date)
	amount := money.Round2(in.Amount)

	purchase, err := s.repo.GetInvoice(ctx, in.Ref)
	if err != nil {
		return Result{}, err
	}
	supplierNumber := purchase.ReceivedNumber
	if supplierNumber == "" {
		supplierNumber = purchase.Number
	}

	var supplierEvent *Event
	if amount.IsPositive() {
		res, err := s.Append(ctx, Event{
			Ref: in.Ref, Amount: amount, PaymentDate: date,
			Method: MethodOffset, Notes: in.Notes, CreatedBy: actor,
		})
		if err != nil {
			return Result{}, err
		}
		supplierEvent = res.Event
	}

	capped := s.opts.CapOffsetsToPayment && amount.IsPositive()
	budget := amount
	var offsets []Event
	var affected []Summary
	var runErr error
	for _, salesID := range in.OffsetTargets {
		if capped && !budget.IsPositive() {
			break
		}
		var created *Event
		var sum Summary
		var target invoices.Invoice
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			inv, err := tx.LockInvoice(ctx, invoices.SalesRef(salesID))
			if err != nil {
				return err
			}
			target = inv
			events, err := tx.ListEvents(ctx, inv.Ref)
			if err != nil {
				return err
			}
			remaining := Derive(inv, events, s.today()).Remaining
			if !remaining.IsPositive() {
				return nil
			}
			q := remaining
			if capped {
				q = money.Min(q, budget)
			}
			res, _, err := s.appendTx(ctx, tx, Event{
				Ref: inv.Ref, Amount: q, PaymentDate: date,
				Method: MethodOffset, Notes: offsetNotes(supplierNumber, in.Notes), CreatedBy: actor,
			})
			if err != nil {
				return err
			}
			created = res.Event
			sum = res.Invoice
			return nil
		})
		if err != nil {
			runErr = fmt.Errorf("offset against sales invoice %d: %w", salesID, err)
			break
		}
		if created == nil {
			s.logger.Info("offset target already settled", slog.Int64("sales_invoice_id", salesID))
			continue
		}
		budget = budget.Sub(created.Amount)
		offsets = append(offsets, *created)
		affected = append(affected, sum)
		s.afterCommit(ctx, "payment.offset", []invoices.Invoice{target}, map[string]any{
			"payment_id": created.ID,
			"amount":     created.Amount.StringFixed(2),
			"supplier":   supplierNumber,
		})
	}

	if len(offsets) > 0 {
		if err := s.tagGroup(ctx, supplierEvent, offsets); err != nil {
			return Result{}, errors.Join(runErr, err)
		}
	}
	if runErr != nil {
		return Result{}, runErr
	}

	sum, err := s.Summary(ctx, in.Ref)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Event:         supplierEvent,
		Invoice:       sum,
		StatusChanged: purchase.PaymentStatus != sum.Status,
		OffsetEvents:  offsets,
		Affected:      affected,
	}, nil
}

// tagGroup writes the back-reference onto the supplier event, or onto the
// first sales event when no supplier event was persisted.
func (s *Service) tagGroup(ctx context.Context, supplierEvent *Event, offsets []Event) error {
	ids := make([]int64, 0, len(offsets))
	for _, e := range offsets {
		ids = append(ids, e.ID)
	}
	holder := &offsets[0]
	if supplierEvent != nil {
		holder = supplierEvent
	}
	notes := FormatOffsetTag(ids, stripOffsetTag(holder.Notes))
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateEventNotes(ctx, holder.ID, notes)
	})
	if err != nil {
		return fmt.Errorf("tag offset group: %w", err)
	}
	holder.Notes = notes
	return nil
}

// DeletePayment removes an event together with every member of its offset group.
func (s *Service) DeletePayment(ctx context.Context, id int64) (Result, error) {
	if id <= 0 {
		return Result{}, shared.Invalid("payment_id", "must be positive")
	}
	victim, err := s.repo.GetEvent(ctx, id)
	if err != nil {
		return Result{}, err
	}
	group, err := s.collectGroup(ctx, []Event{victim})
	if err != nil {
		return Result{}, err
	}
	res, err := s.deleteGroup(ctx, victim.Ref, group, "payment.delete")
	if err != nil {
		return Result{}, err
	}
	res.Event = &victim
	return res, nil
}

// collectGroup expands seeds with the events their tags list and, for offset
// events, the first other offset event whose tag lists them plus its members.
func (s *Service) collectGroup(ctx context.Context, seeds []Event) ([]Event, error) {
	var group []Event
	seen := make(map[int64]bool)
	add := func(e Event) {
		if !seen[e.ID] {
			seen[e.ID] = true
			group = append(group, e)
		}
	}
	addListed := func(owner Event) error {
		ids, ok := ParseOffsetTag(owner.Notes)
		if !ok {
			return nil
		}
		for _, id := range ids {
			if id == owner.ID || seen[id] {
				continue
			}
			e, err := s.repo.GetEvent(ctx, id)
			if errors.Is(err, ErrPaymentNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			add(e)
		}
		return nil
	}

	for _, e := range seeds {
		add(e)
	}
	for _, e := range seeds {
		// Only offset events carry group tags; a tag typed into another
		// event's notes is plain text.
		if e.Method != MethodOffset {
			continue
		}
		if err := addListed(e); err != nil {
			return nil, err
		}
		owners, err := s.repo.FindOffsetOwners(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		if len(owners) == 0 {
			continue
		}
		add(owners[0])
		if err := addListed(owners[0]); err != nil {
			return nil, err
		}
	}
	return group, nil
}

// deleteGroup deletes every event in one transaction. Invoices are locked in
// a stable order and re-derived once; events already gone are skipped.
func (s *Service) deleteGroup(ctx context.Context, primary invoices.Ref, group []Event, action string) (Result, error) {
	refs := []invoices.Ref{primary}
	seenRef := map[invoices.Ref]bool{primary: true}
	for _, e := range group {
		if !seenRef[e.Ref] {
			seenRef[e.Ref] = true
			refs = append(refs, e.Ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Side != refs[j].Side {
			return refs[i].Side < refs[j].Side
		}
		return refs[i].ID < refs[j].ID
	})

	var res Result
	var touched []invoices.Invoice
	var deletedIDs []int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked := make(map[invoices.Ref]invoices.Invoice, len(refs))
		for _, ref := range refs {
			inv, err := tx.LockInvoice(ctx, ref)
			if errors.Is(err, invoices.ErrInvoiceNotFound) && ref != primary {
				continue
			}
			if err != nil {
				return err
			}
			locked[ref] = inv
		}
		for _, e := range group {
			ok, err := tx.DeleteEvent(ctx, e.ID)
			if err != nil {
				return err
			}
			if ok {
				deletedIDs = append(deletedIDs, e.ID)
			}
		}
		for _, ref := range refs {
			inv, ok := locked[ref]
			if !ok {
				continue
			}
			sum, err := s.recompute(ctx, tx, inv)
			if err != nil {
				return err
			}
			touched = append(touched, inv)
			if ref == primary {
				res.Invoice = sum
				res.StatusChanged = inv.PaymentStatus != sum.Status
				continue
			}
			res.Affected = append(res.Affected, sum)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if len(deletedIDs) > 0 {
		s.afterCommit(ctx, action, touched, map[string]any{"payment_ids": deletedIDs})
	}
	return res, nil
}

// MarkPaid settles the invoice: the full total when nothing was paid, the
// remaining amount after a partial payment, nothing when already settled.
func (s *Service) MarkPaid(ctx context.Context, in MarkPaidInput) (Result, error) {
	if err := shared.ValidateStruct(in); err != nil {
		return Result{}, err
	}
	if err := checkNotes(in.Notes); err != nil {
		return Result{}, err
	}
	if err := in.Ref.Validate(); err != nil {
		return Result{}, err
	}
	date := s.today()
	if in.Date != nil && !in.Date.IsZero() {
		date = invoices.Day(*in.Date)
	}

	var res Result
	var inv invoices.Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.LockInvoice(ctx, in.Ref)
		if err != nil {
			return err
		}
		inv = locked
		events, err := tx.ListEvents(ctx, in.Ref)
		if err != nil {
			return err
		}
		d := Derive(locked, events, s.today())
		amount := d.Remaining
		if !d.Paid.IsPositive() {
			amount = locked.AmountTotal
		}
		if money.Settled(d.Remaining) || !amount.IsPositive() {
			res = Result{Invoice: newSummary(locked, events, d), StatusChanged: locked.PaymentStatus != d.Status}
			if res.StatusChanged {
				return tx.SaveDerived(ctx, in.Ref, d)
			}
			return nil
		}
		res, _, err = s.appendTx(ctx, tx, Event{
			Ref: in.Ref, Amount: amount, PaymentDate: date,
			Method: in.Method, Notes: in.Notes, CreatedBy: shared.ActorFromContext(ctx),
		})
		return err
	})
	if err != nil {
		return Result{}, err
	}
	if res.Event != nil {
		s.afterCommit(ctx, "invoice.mark_paid", []invoices.Invoice{inv}, map[string]any{
			"payment_id": res.Event.ID,
			"amount":     res.Event.Amount.StringFixed(2),
		})
	}
	return res, nil
}

// MarkUnpaid deletes every event of the invoice, with their offset groups.
func (s *Service) MarkUnpaid(ctx context.Context, ref invoices.Ref) (Result, error) {
	if err := ref.Validate(); err != nil {
		return Result{}, err
	}
	events, err := s.repo.ListEvents(ctx, ref)
	if err != nil {
		return Result{}, err
	}
	group, err := s.collectGroup(ctx, events)
	if err != nil {
		return Result{}, err
	}
	return s.deleteGroup(ctx, ref, group, "invoice.mark_unpaid")
}

// afterCommit runs best-effort side effects: carrier projection for purchase
// invoices and the audit trail. Failures are logged only.
func (s *Service) afterCommit(ctx context.Context, action string, touched []invoices.Invoice, meta map[string]any) {
	for _, inv := range touched {
		if inv.Ref.Side == invoices.SidePurchase && s.projector != nil {
			if orderIDs := inv.OrderIDs(); len(orderIDs) > 0 {
				if err := s.projector.Refresh(ctx, orderIDs, inv.PartnerID); err != nil {
					s.logger.Warn("carrier payment projection failed",
						slog.String("invoice", inv.Ref.String()), slog.Any("error", &shared.ExternalError{Op: "project carriers", Err: err}))
				}
			}
		}
		if s.audit == nil {
			continue
		}
		entry := shared.AuditLog{
			ActorID:  shared.ActorFromContext(ctx),
			Action:   action,
			Entity:   string(inv.Ref.Side) + "_invoice",
			EntityID: strconv.FormatInt(inv.Ref.ID, 10),
			Meta:     meta,
		}
		if err := s.audit.Record(ctx, entry); err != nil {
			s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
		}
	}
}
