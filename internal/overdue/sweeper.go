// Package overdue promotes open invoices past their due date.
package overdue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baltic-freight/tms/internal/invoices"
)

// Candidate is an open invoice whose due date has passed.
type Candidate struct {
	Ref         invoices.Ref
	DueDate     time.Time
	Status      invoices.PaymentStatus
	OverdueDays int
}

// Repository reads and promotes overdue candidates.
type Repository interface {
	ListCandidates(ctx context.Context, side invoices.Side, today time.Time) ([]Candidate, error)
	// Promote marks the invoice overdue with days and reports whether the row
	// changed. Invoices settled since listing are left alone.
	Promote(ctx context.Context, ref invoices.Ref, days int) (bool, error)
}

// Observer receives promotion counts per side.
type Observer interface {
	ObserveOverduePromotions(side string, n int)
}

// Result counts the invoices changed by one sweep.
type Result struct {
	SalesUpdated    int `json:"sales_updated"`
	PurchaseUpdated int `json:"purchase_updated"`
}

// Sweeper runs the daily overdue projection.
type Sweeper struct {
	repo     Repository
	observer Observer
	logger   *slog.Logger
}

// NewSweeper constructs a sweeper. observer may be nil.
func NewSweeper(repo Repository, observer Observer, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{repo: repo, observer: observer, logger: logger}
}

// Sweep sets overdue_days and the overdue status on every open invoice due
// before today. Rows already carrying the right values are not counted, so a
// second run on the same day reports zero. Cancellation stops at the next row;
// rows promoted so far stay promoted and a rerun picks up the rest.
func (s *Sweeper) Sweep(ctx context.Context, today time.Time) (Result, error) {
	today = invoices.Day(today)
	var res Result
	for _, side := range []invoices.Side{invoices.SideSales, invoices.SidePurchase} {
		n, err := s.sweepSide(ctx, side, today)
		if side == invoices.SideSales {
			res.SalesUpdated = n
		} else {
			res.PurchaseUpdated = n
		}
		if s.observer != nil && n > 0 {
			s.observer.ObserveOverduePromotions(string(side), n)
		}
		if err != nil {
			return res, err
		}
	}
	s.logger.Info("overdue sweep finished",
		slog.Time("today", today),
		slog.Int("sales_updated", res.SalesUpdated),
		slog.Int("purchase_updated", res.PurchaseUpdated))
	return res, nil
}

func (s *Sweeper) sweepSide(ctx context.Context, side invoices.Side, today time.Time) (int, error) {
	candidates, err := s.repo.ListCandidates(ctx, side, today)
	if err != nil {
		return 0, fmt.Errorf("list %s candidates: %w", side, err)
	}
	updated := 0
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		days := invoices.DaysBetween(c.DueDate, today)
		if days <= 0 {
			continue
		}
		if c.Status == invoices.StatusOverdue && c.OverdueDays == days {
			continue
		}
		changed, err := s.repo.Promote(ctx, c.Ref, days)
		if err != nil {
			return updated, fmt.Errorf("promote %s: %w", c.Ref, err)
		}
		if changed {
			updated++
		}
	}
	return updated, nil
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a pgx backed sweeper repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

func (r *repository) ListCandidates(ctx context.Context, side invoices.Side, today time.Time) ([]Candidate, error) {
	t := invoices.TablesFor(side)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT id, due_date, payment_status, overdue_days FROM %s
		WHERE payment_status IN ('unpaid', 'partially_paid', 'overdue') AND due_date < $1
		ORDER BY due_date, id`, t.Invoices), today)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Candidate, error) {
		c := Candidate{Ref: invoices.Ref{Side: side}}
		var status string
		if err := row.Scan(&c.Ref.ID, &c.DueDate, &status, &c.OverdueDays); err != nil {
			return Candidate{}, err
		}
		c.Status = invoices.PaymentStatus(status)
		return c, nil
	})
}

func (r *repository) Promote(ctx context.Context, ref invoices.Ref, days int) (bool, error) {
	t := invoices.TablesFor(ref.Side)
	tag, err := r.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET payment_status = 'overdue', overdue_days = $2
		WHERE id = $1 AND payment_status IN ('unpaid', 'partially_paid', 'overdue')
		AND (payment_status <> 'overdue' OR overdue_days <> $2)`, t.Invoices), ref.ID, days)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
