package payments

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/baltic-freight/tms/internal/invoices"
)

type memoryLedger struct {
	invoices map[invoices.Ref]invoices.Invoice
	events   map[int64]Event
	nextID   int64
	failOn   int64
}

type memoryLedgerTx struct {
	repo *memoryLedger
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{
		invoices: make(map[invoices.Ref]invoices.Invoice),
		events:   make(map[int64]Event),
	}
}

func (r *memoryLedger) addInvoice(inv invoices.Invoice) invoices.Ref {
	if inv.PaymentStatus == "" {
		inv.PaymentStatus = invoices.StatusUnpaid
	}
	r.invoices[inv.Ref] = inv
	return inv.Ref
}

func (r *memoryLedger) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	invSnap := make(map[invoices.Ref]invoices.Invoice, len(r.invoices))
	for k, v := range r.invoices {
		invSnap[k] = v
	}
	evSnap := make(map[int64]Event, len(r.events))
	for k, v := range r.events {
		evSnap[k] = v
	}
	nextID := r.nextID
	if err := fn(ctx, &memoryLedgerTx{repo: r}); err != nil {
		r.invoices, r.events, r.nextID = invSnap, evSnap, nextID
		return err
	}
	return nil
}

func (r *memoryLedger) GetInvoice(_ context.Context, ref invoices.Ref) (invoices.Invoice, error) {
	inv, ok := r.invoices[ref]
	if !ok {
		return invoices.Invoice{}, fmt.Errorf("%s: %w", ref, invoices.ErrInvoiceNotFound)
	}
	return inv, nil
}

func (r *memoryLedger) ListEvents(_ context.Context, ref invoices.Ref) ([]Event, error) {
	var out []Event
	for _, e := range r.events {
		if e.Ref == ref {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryLedger) GetEvent(_ context.Context, id int64) (Event, error) {
	e, ok := r.events[id]
	if !ok {
		return Event{}, fmt.Errorf("%d: %w", id, ErrPaymentNotFound)
	}
	return e, nil
}

func (r *memoryLedger) FindOffsetOwners(_ context.Context, id int64) ([]Event, error) {
	var out []Event
	for _, e := range r.events {
		if e.ID != id && e.Method == MethodOffset && ListsOffsetID(e.Notes, id) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memoryLedgerTx) LockInvoice(ctx context.Context, ref invoices.Ref) (invoices.Invoice, error) {
	return t.repo.GetInvoice(ctx, ref)
}

func (t *memoryLedgerTx) ListEvents(ctx context.Context, ref invoices.Ref) ([]Event, error) {
	return t.repo.ListEvents(ctx, ref)
}

func (t *memoryLedgerTx) InsertEvent(_ context.Context, e Event) (Event, error) {
	if t.repo.failOn > 0 && e.Ref.ID == t.repo.failOn {
		return Event{}, fmt.Errorf("insert into %s refused", e.Ref)
	}
	t.repo.nextID++
	e.ID = t.repo.nextID
	e.CreatedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	t.repo.events[e.ID] = e
	return e, nil
}

func (t *memoryLedgerTx) DeleteEvent(_ context.Context, id int64) (bool, error) {
	if _, ok := t.repo.events[id]; !ok {
		return false, nil
	}
	delete(t.repo.events, id)
	return true, nil
}

func (t *memoryLedgerTx) UpdateEventNotes(_ context.Context, id int64, notes string) error {
	e, ok := t.repo.events[id]
	if !ok {
		return ErrPaymentNotFound
	}
	e.Notes = notes
	t.repo.events[id] = e
	return nil
}

func (t *memoryLedgerTx) SaveDerived(_ context.Context, ref invoices.Ref, d Derived) error {
	inv, ok := t.repo.invoices[ref]
	if !ok {
		return invoices.ErrInvoiceNotFound
	}
	inv.PaymentStatus = d.Status
	inv.PaymentDate = d.PaymentDate
	inv.OverdueDays = d.OverdueDays
	t.repo.invoices[ref] = inv
	return nil
}

type projection struct {
	orderIDs  []int64
	partnerID int64
}

type recordingProjector struct {
	calls []projection
}

func (p *recordingProjector) Refresh(_ context.Context, orderIDs []int64, partnerID int64) error {
	p.calls = append(p.calls, projection{orderIDs: orderIDs, partnerID: partnerID})
	return nil
}
