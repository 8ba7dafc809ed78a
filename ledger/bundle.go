package ledger

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/records_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Line is one ledger-ready quantity. ComponentOf is set when the line came from a bundle.
type Line struct {
	LineId      int
	ProductId   int
	Quantity    decimal.Decimal
	ComponentOf int
}

// DedupeKey scopes a base key to this line so bundle components each get their own row.
func (ln Line) DedupeKey(base string) string {
	if base == "" {
		return ""
	}
	if ln.ComponentOf != 0 {
		return fmt.Sprintf("%s:line:%d:component:%d", base, ln.LineId, ln.ProductId)
	}
	return fmt.Sprintf("%s:line:%d", base, ln.LineId)
}

// ExpandLines replaces bundle products with their components, multiplied by the line quantity.
// Lines with zero or negative quantity are dropped.
func ExpandLines[T models.LineItem](ctx context.Context, db *gorm.DB, scope models.TenantScope, items []T) ([]Line, error) {
	if len(items) == 0 {
		return nil, nil
	}
	ids := make([]int, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.GetProductId())
	}
	products, err := models.FindRecords[models.Product](ctx, db, scope, func(q *gorm.DB) *gorm.DB {
		return q.Where("id IN ?", ids)
	})
	if err != nil {
		return nil, err
	}
	bundles := map[int]bool{}
	for _, p := range products {
		if p.IsBundle {
			bundles[p.ID] = true
		}
	}

	components := map[int][]models.BundleItem{}
	if len(bundles) > 0 {
		bundleIds := make([]int, 0, len(bundles))
		for id := range bundles {
			bundleIds = append(bundleIds, id)
		}
		rows, err := models.FindRecords[models.BundleItem](ctx, db, scope, func(q *gorm.DB) *gorm.DB {
			return q.Where("bundle_product_id IN ?", bundleIds).Order("id ASC")
		})
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			components[r.BundleProductId] = append(components[r.BundleProductId], r)
		}
	}

	var out []Line
	for _, it := range items {
		qty := it.GetQuantity()
		if !qty.IsPositive() {
			continue
		}
		if !bundles[it.GetProductId()] {
			out = append(out, Line{LineId: it.GetID(), ProductId: it.GetProductId(), Quantity: qty})
			continue
		}
		for _, c := range components[it.GetProductId()] {
			cq := c.Quantity.Mul(qty)
			if !cq.IsPositive() {
				continue
			}
			out = append(out, Line{LineId: it.GetID(), ProductId: c.ComponentProductId, Quantity: cq, ComponentOf: it.GetProductId()})
		}
	}
	return out, nil
}
