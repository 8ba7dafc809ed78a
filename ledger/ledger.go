// Package ledger owns every change to Product.Stock and Product.ReservedQuantity.
// Each call writes exactly one StockMovement in the same transaction as the quantity change.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/records_backend/config"
	"bitbucket.org/mmdatafocus/records_backend/guard"
	"bitbucket.org/mmdatafocus/records_backend/metrics"
	"bitbucket.org/mmdatafocus/records_backend/models"
	"bitbucket.org/mmdatafocus/records_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const DefaultMaxRetries = 5

var errCASMiss = errors.New("product version changed")

type Request struct {
	ProductId     int                `json:"product_id" validate:"required,gt=0"`
	Quantity      decimal.Decimal    `json:"quantity"`
	Reason        models.StockReason `json:"reason"`
	RelatedEntity models.EntityType  `json:"related_entity"`
	RelatedId     int                `json:"related_id"`
	RelatedLineId int                `json:"related_line_id"`
	// DedupeKey makes the call replay-safe: a second call with the same key changes nothing.
	DedupeKey string `json:"dedupe_key"`
	// ConsumeReservation lowers reserved by the shipped quantity on Decrement.
	ConsumeReservation bool `json:"consume_reservation"`
}

type Result struct {
	Movement models.StockMovement `json:"movement"`
	Product  models.Product       `json:"product"`
	Replayed bool                 `json:"replayed"`
}

type Ledger struct {
	db         *gorm.DB
	logger     *logrus.Logger
	maxRetries int
	metrics    *metrics.Metrics

	// beforeWrite runs between the read and the conditional update. Tests use it to race the row.
	beforeWrite func(tx *gorm.DB, attempt int, p models.Product)
}

func New(db *gorm.DB, logger *logrus.Logger, maxRetries int, m *metrics.Metrics) *Ledger {
	if maxRetries < 1 {
		maxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = config.NewDiscardLogger()
	}
	return &Ledger{db: db, logger: logger, maxRetries: maxRetries, metrics: m}
}

// WithDB returns a ledger bound to tx so its writes join the caller's transaction.
func (l *Ledger) WithDB(tx *gorm.DB) *Ledger {
	clone := *l
	clone.db = tx
	return &clone
}

// Reserve earmarks stock for an unfulfilled sales line. reserved + q may not exceed stock.
func (l *Ledger) Reserve(ctx context.Context, ac guard.AuthorizedContext, req Request) (*Result, error) {
	if req.Reason == "" {
		req.Reason = models.StockReasonReservation
	}
	return l.apply(ctx, ac, models.MovementReserve, req, func(p models.Product) (decimal.Decimal, decimal.Decimal, error) {
		next := p.ReservedQuantity.Add(req.Quantity)
		if next.GreaterThan(p.Stock) {
			return p.Stock, p.ReservedQuantity, &utils.InsufficientStockError{
				ProductId: p.ID,
				Requested: req.Quantity.String(),
				Available: p.Available().String(),
			}
		}
		return p.Stock, next, nil
	})
}

// Release gives back a reservation; reserved floors at 0.
func (l *Ledger) Release(ctx context.Context, ac guard.AuthorizedContext, req Request) (*Result, error) {
	if req.Reason == "" {
		req.Reason = models.StockReasonCancellation
	}
	return l.apply(ctx, ac, models.MovementRelease, req, func(p models.Product) (decimal.Decimal, decimal.Decimal, error) {
		return p.Stock, utils.MaxDecimal(p.ReservedQuantity.Sub(req.Quantity), decimal.Zero), nil
	})
}

// Decrement removes stock (floor 0). Reserved is clamped to the new stock.
func (l *Ledger) Decrement(ctx context.Context, ac guard.AuthorizedContext, req Request) (*Result, error) {
	if req.Reason == "" {
		req.Reason = models.StockReasonSale
	}
	return l.apply(ctx, ac, models.MovementOut, req, func(p models.Product) (decimal.Decimal, decimal.Decimal, error) {
		stock := utils.MaxDecimal(p.Stock.Sub(req.Quantity), decimal.Zero)
		reserved := p.ReservedQuantity
		if req.ConsumeReservation {
			reserved = reserved.Sub(utils.MinDecimal(req.Quantity, reserved))
		}
		return stock, utils.MinDecimal(reserved, stock), nil
	})
}

// Increment adds stock for purchases, returns and reversals.
func (l *Ledger) Increment(ctx context.Context, ac guard.AuthorizedContext, req Request) (*Result, error) {
	if req.Reason == "" {
		req.Reason = models.StockReasonAdjustment
	}
	return l.apply(ctx, ac, models.MovementIn, req, func(p models.Product) (decimal.Decimal, decimal.Decimal, error) {
		return p.Stock.Add(req.Quantity), p.ReservedQuantity, nil
	})
}

type computeFunc func(p models.Product) (stock, reserved decimal.Decimal, err error)

func (l *Ledger) apply(ctx context.Context, ac guard.AuthorizedContext, kind models.MovementType, req Request, compute computeFunc) (*Result, error) {
	if ac.TenantId == "" {
		return nil, &utils.AuthorizationError{Reason: "tenant required"}
	}
	if req.ProductId <= 0 {
		return nil, utils.NewValidationError("product_id", "required")
	}
	if !req.Quantity.IsPositive() {
		return nil, utils.NewValidationError("quantity", "gt")
	}
	ctx = ac.WithContext(ctx)
	scope := ac.Scope()

	if req.DedupeKey != "" {
		if prior, err := l.replay(ctx, scope, req); err != nil || prior != nil {
			return prior, err
		}
	}

	for attempt := 1; attempt <= l.maxRetries; attempt++ {
		res, err := l.attempt(ctx, ac, kind, req, compute, attempt)
		if errors.Is(err, errCASMiss) {
			l.metrics.CASRetry(string(kind))
			l.logger.WithFields(logrus.Fields{
				"module":     "ledger",
				"product_id": req.ProductId,
				"tenant_id":  ac.TenantId,
				"attempt":    attempt,
			}).Warn("stock row changed underneath, re-reading")
			continue
		}
		if err != nil && req.DedupeKey != "" && models.IsDuplicateKey(err) {
			// A concurrent call with the same key won the insert.
			return l.replay(ctx, scope, req)
		}
		return res, err
	}
	return nil, &utils.ConcurrencyConflictError{Resource: "product", Id: req.ProductId, Attempts: l.maxRetries}
}

func (l *Ledger) attempt(ctx context.Context, ac guard.AuthorizedContext, kind models.MovementType, req Request, compute computeFunc, attempt int) (*Result, error) {
	var out *Result
	missed := false
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		product, err := models.FetchRecord[models.Product](ctx, lockingRead(tx), ac.Scope(), req.ProductId)
		if err != nil {
			return err
		}
		stock, reserved, err := compute(*product)
		if err != nil {
			return err
		}
		if l.beforeWrite != nil {
			l.beforeWrite(tx, attempt, *product)
		}

		patch := map[string]any{
			"stock":             stock,
			"reserved_quantity": reserved,
			"version":           product.Version + 1,
		}
		if kind == models.MovementIn && product.LowStockNotifiedAt != nil && !stock.LessThan(product.MinStock) {
			patch["low_stock_notified_at"] = nil
		}
		n, err := models.UpdateWhere(ctx, tx, ac.Scope(), &models.Product{}, patch, "id = ? AND version = ?", product.ID, product.Version)
		if err != nil {
			return err
		}
		if n == 0 {
			// nothing written yet; commit the empty tx and let the caller re-read
			missed = true
			return nil
		}

		movement := models.StockMovement{
			TenantId:         product.TenantId,
			ProductId:        product.ID,
			Type:             kind,
			Reason:           req.Reason,
			Quantity:         req.Quantity,
			PreviousStock:    product.Stock,
			NewStock:         stock,
			PreviousReserved: product.ReservedQuantity,
			NewReserved:      reserved,
			RelatedEntity:    req.RelatedEntity,
			RelatedId:        req.RelatedId,
			RelatedLineId:    req.RelatedLineId,
			ActorId:          ac.ActorId,
		}
		if req.DedupeKey != "" {
			key := req.DedupeKey
			movement.DedupeKey = &key
		}
		if err := models.InsertRecord(ctx, tx, &movement); err != nil {
			return err
		}

		updated := *product
		updated.Stock = stock
		updated.ReservedQuantity = reserved
		updated.Version = product.Version + 1
		if _, cleared := patch["low_stock_notified_at"]; cleared {
			updated.LowStockNotifiedAt = nil
		}
		out = &Result{Movement: movement, Product: updated}
		return nil
	})
	if missed && err == nil {
		return nil, errCASMiss
	}
	if err != nil {
		if !isDomainError(err) {
			config.LogError(l.logger, "ledger", string(kind), fmt.Sprintf("product %d", req.ProductId), utils.MarshalToJSON(req), err)
		}
		return nil, err
	}
	return out, nil
}

// lockingRead makes the product read take a row lock on MySQL. Under REPEATABLE READ a plain
// re-read inside a caller's transaction keeps returning the snapshot version, so a CAS retry
// would never see the row that beat it.
func lockingRead(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "mysql" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// replay returns the movement already written for req.DedupeKey, or nil when there is none.
func (l *Ledger) replay(ctx context.Context, scope models.TenantScope, req Request) (*Result, error) {
	rows, err := models.FindRecords[models.StockMovement](ctx, l.db, scope, func(q *gorm.DB) *gorm.DB {
		return q.Where("dedupe_key = ?", req.DedupeKey).Limit(1)
	})
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	product, err := models.FetchRecord[models.Product](ctx, l.db, scope, rows[0].ProductId)
	if err != nil {
		return nil, err
	}
	return &Result{Movement: rows[0], Product: *product, Replayed: true}, nil
}

// HasMovement reports whether a movement with dedupeKey exists in the scope.
func (l *Ledger) HasMovement(ctx context.Context, scope models.TenantScope, dedupeKey string) (bool, error) {
	return models.ExistsWhere(ctx, l.db, scope, &models.StockMovement{}, "dedupe_key = ?", dedupeKey)
}

// Movements lists a product's ledger in write order.
func (l *Ledger) Movements(ctx context.Context, scope models.TenantScope, productId int) ([]models.StockMovement, error) {
	return models.FindRecords[models.StockMovement](ctx, l.db, scope, func(q *gorm.DB) *gorm.DB {
		return q.Where("product_id = ?", productId).Order("id ASC")
	})
}

// MarkLowStockNotified sets low_stock_notified_at once; it returns false when another
// caller already claimed the notification.
func (l *Ledger) MarkLowStockNotified(ctx context.Context, scope models.TenantScope, productId int, at time.Time) (bool, error) {
	n, err := models.UpdateWhere(ctx, l.db, scope, &models.Product{}, map[string]any{"low_stock_notified_at": at},
		"id = ? AND low_stock_notified_at IS NULL", productId)
	return n == 1, err
}

func isDomainError(err error) bool {
	var ise *utils.InsufficientStockError
	var nf *utils.NotFoundError
	return errors.As(err, &ise) || errors.As(err, &nf)
}
