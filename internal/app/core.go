package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/baltic-freight/tms/internal/backoffice"
	"github.com/baltic-freight/tms/internal/bankimport"
	"github.com/baltic-freight/tms/internal/carriers"
	"github.com/baltic-freight/tms/internal/invoices"
	jobmetrics "github.com/baltic-freight/tms/internal/jobs"
	"github.com/baltic-freight/tms/internal/numbering"
	"github.com/baltic-freight/tms/internal/overdue"
	"github.com/baltic-freight/tms/internal/payments"
	"github.com/baltic-freight/tms/internal/shared"
)

// Core holds the wired accounting services shared by every binary.
type Core struct {
	Numbers    *numbering.Service
	Invoices   *invoices.Service
	Payments   *payments.Service
	Projector  *carriers.Projector
	Importer   *bankimport.Service
	Sweeper    *overdue.Sweeper
	BackOffice *backoffice.Service
}

// CoreDeps are the infrastructure handles the core is built on. Redis and
// JobMetrics are optional.
type CoreDeps struct {
	Config     *Config
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	Logger     *slog.Logger
	JobMetrics *jobmetrics.Metrics
}

// NumberingFormats maps configuration onto numbering formats.
func NumberingFormats(cfg *Config) numbering.Formats {
	return numbering.Formats{
		SalesInvoice: numbering.Format{
			Prefix:    cfg.SalesInvoicePrefix,
			Separator: cfg.SalesInvoiceSeparator,
			Width:     cfg.SalesInvoiceWidth,
		},
		OrderPrefix:         cfg.OrderNumberPrefix,
		OrderWidth:          cfg.OrderNumberWidth,
		ExpeditionCarrier:   numbering.Format{Prefix: cfg.ExpeditionCarrierPrefix, Width: cfg.ExpeditionWidth},
		ExpeditionWarehouse: numbering.Format{Prefix: cfg.ExpeditionWarehousePrefix, Width: cfg.ExpeditionWidth},
		ExpeditionCost:      numbering.Format{Prefix: cfg.ExpeditionCostPrefix, Width: cfg.ExpeditionWidth},
		MaxGaps:             cfg.NumberingMaxGaps,
	}
}

// NewCore wires repositories and services over deps.
func NewCore(deps CoreDeps) (*Core, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	audit := shared.NewAuditLogger(deps.Pool)

	numbers := numbering.NewService(numbering.NewRepository(deps.Pool), NumberingFormats(deps.Config), logger.With(slog.String("component", "numbering")))
	projector := carriers.NewProjector(carriers.NewRepository(deps.Pool), logger.With(slog.String("component", "carriers")))
	invoiceRepo := invoices.NewRepository(deps.Pool)
	registry := invoices.NewService(invoiceRepo, numbers, projector, audit, logger.With(slog.String("component", "invoices")))
	ledger := payments.NewService(payments.NewRepository(deps.Pool), projector, audit,
		logger.With(slog.String("component", "payments")),
		payments.Options{CapOffsetsToPayment: deps.Config.OffsetCapToPayment})

	importCfg := bankimport.Config{
		Patterns:              deps.Config.BankInvoicePatterns,
		AmountOnlySuggestions: deps.Config.BankAmountOnlySuggestions,
		Idempotency:           shared.NewIdempotencyStore(deps.Pool),
		Redis:                 deps.Redis,
	}
	var sweepObserver overdue.Observer
	if deps.JobMetrics != nil {
		importCfg.Observer = deps.JobMetrics
		sweepObserver = deps.JobMetrics
	}
	importer, err := bankimport.NewService(invoiceRepo, ledger, importCfg, logger.With(slog.String("component", "bankimport")))
	if err != nil {
		return nil, err
	}
	sweeper := overdue.NewSweeper(overdue.NewRepository(deps.Pool), sweepObserver, logger.With(slog.String("component", "overdue")))

	facade := backoffice.NewService(backoffice.Deps{
		Numbers:   numbers,
		Ledger:    ledger,
		Registry:  registry,
		Search:    invoiceRepo,
		Importer:  importer,
		Sweeper:   sweeper,
		Projector: projector,
		Logger:    logger,
	})
	return &Core{
		Numbers:    numbers,
		Invoices:   registry,
		Payments:   ledger,
		Projector:  projector,
		Importer:   importer,
		Sweeper:    sweeper,
		BackOffice: facade,
	}, nil
}
