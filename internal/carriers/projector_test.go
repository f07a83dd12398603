package carriers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/baltic-freight/tms/internal/invoices"
	"github.com/baltic-freight/tms/internal/shared"
)

type pairKey struct {
	order, partner int64
}

type leg struct {
	status invoices.CarrierPaymentStatus
	date   *time.Time
}

type memoryCarrierRepo struct {
	invoices map[pairKey][]InvoiceState
	legs     map[pairKey][]leg
	fail     map[int64]bool
}

type memoryCarrierTx struct {
	repo *memoryCarrierRepo
}

func (r *memoryCarrierRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryCarrierTx{repo: r})
}

func (t *memoryCarrierTx) PurchaseInvoicesFor(_ context.Context, orderID, partnerID int64) ([]InvoiceState, error) {
	if t.repo.fail[orderID] {
		return nil, errors.New("boom")
	}
	return t.repo.invoices[pairKey{orderID, partnerID}], nil
}

func (t *memoryCarrierTx) UpdateCarriers(_ context.Context, orderID, partnerID int64, status invoices.CarrierPaymentStatus, paidOn *time.Time) (int64, error) {
	key := pairKey{orderID, partnerID}
	legs := t.repo.legs[key]
	for i := range legs {
		legs[i] = leg{status: status, date: paidOn}
	}
	return int64(len(legs)), nil
}

func day(d int) *time.Time {
	t := time.Date(2025, 3, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestTally(t *testing.T) {
	status, date := Tally(nil)
	require.Equal(t, invoices.CarrierNotPaid, status)
	require.Nil(t, date)

	status, date = Tally([]InvoiceState{
		{ID: 1, Status: invoices.StatusPaid, PaymentDate: day(3)},
		{ID: 2, Status: invoices.StatusPaid, PaymentDate: day(9)},
	})
	require.Equal(t, invoices.CarrierPaid, status)
	require.Equal(t, day(9), date)

	status, date = Tally([]InvoiceState{
		{ID: 1, Status: invoices.StatusPaid, PaymentDate: day(3)},
		{ID: 2, Status: invoices.StatusOverdue},
	})
	require.Equal(t, invoices.CarrierPartiallyPaid, status)
	require.Equal(t, day(3), date)

	status, date = Tally([]InvoiceState{{ID: 1, Status: invoices.StatusPartiallyPaid}})
	require.Equal(t, invoices.CarrierPartiallyPaid, status)
	require.Nil(t, date)

	status, date = Tally([]InvoiceState{{ID: 1, Status: invoices.StatusUnpaid}, {ID: 2, Status: invoices.StatusOverdue}})
	require.Equal(t, invoices.CarrierNotPaid, status)
	require.Nil(t, date)

	status, date = Tally([]InvoiceState{{ID: 1, Status: invoices.StatusUnpaid}, {ID: 2, Status: invoices.StatusOverdue, HasPayments: true}})
	require.Equal(t, invoices.CarrierPartiallyPaid, status)
	require.Nil(t, date)
}

func TestProjectUpdatesEveryMatchingLeg(t *testing.T) {
	key := pairKey{order: 10, partner: 4}
	repo := &memoryCarrierRepo{
		invoices: map[pairKey][]InvoiceState{key: {{ID: 1, Status: invoices.StatusPaid, PaymentDate: day(5)}}},
		legs:     map[pairKey][]leg{key: {{status: invoices.CarrierNotPaid}, {status: invoices.CarrierNotPaid}}},
	}
	p := NewProjector(repo, nil)

	proj, err := p.Project(context.Background(), 10, 4)
	require.NoError(t, err)
	require.Equal(t, invoices.CarrierPaid, proj.Status)
	require.Equal(t, int64(2), proj.RowsUpdated)
	for _, l := range repo.legs[key] {
		require.Equal(t, invoices.CarrierPaid, l.status)
		require.Equal(t, day(5), l.date)
	}

	// Invoice gone: legs fall back to not_paid.
	repo.invoices[key] = nil
	proj, err = p.Project(context.Background(), 10, 4)
	require.NoError(t, err)
	require.Equal(t, invoices.CarrierNotPaid, proj.Status)
	require.Nil(t, repo.legs[key][0].date)
}

func TestProjectAllContinuesPastFailures(t *testing.T) {
	repo := &memoryCarrierRepo{
		invoices: map[pairKey][]InvoiceState{},
		legs:     map[pairKey][]leg{},
		fail:     map[int64]bool{2: true},
	}
	p := NewProjector(repo, nil)

	out, err := p.ProjectAll(context.Background(), []int64{1, 2, 3}, 4)
	require.Error(t, err)
	require.Len(t, out, 2)

	_, err = p.Project(context.Background(), 0, 4)
	require.ErrorIs(t, err, shared.ErrValidation)
}
