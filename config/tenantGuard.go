package config

import (
	"context"
	"errors"
	"reflect"
	"strings"

	"bitbucket.org/mmdatafocus/records_backend/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

const tenantColumn = "tenant_id"

var ErrCrossTenantWrite = errors.New("tenant guard: record belongs to another tenant")

// TenantGuardPlugin scopes queries/updates/deletes to the request's tenant_id when the model
// has a tenant_id column, and stamps or checks tenant_id on create.
//
// NOTE:
// - This does NOT apply to Raw SQL. Those must include tenant_id manually.
// - Super-tenant and internal bypass is explicit via context flags.
type TenantGuardPlugin struct{}

func NewTenantGuardPlugin() *TenantGuardPlugin { return &TenantGuardPlugin{} }

func (p *TenantGuardPlugin) Name() string { return "tenant_guard" }

func (p *TenantGuardPlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Query().Before("gorm:query").Register("tenant_guard:query", tenantScopeCallback); err != nil {
		return err
	}
	if err := db.Callback().Row().Before("gorm:row").Register("tenant_guard:row", tenantScopeCallback); err != nil {
		return err
	}
	if err := db.Callback().Update().Before("gorm:update").Register("tenant_guard:update", tenantScopeCallback); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("tenant_guard:delete", tenantScopeCallback); err != nil {
		return err
	}
	if err := db.Callback().Create().Before("gorm:create").Register("tenant_guard:create", tenantStampCallback); err != nil {
		return err
	}
	return nil
}

func tenantScopeCallback(db *gorm.DB) {
	tenantID, field := tenantTarget(db)
	if tenantID == "" || field == nil {
		return
	}
	// Don't duplicate an explicit tenant filter.
	if whereHasTenantID(db.Statement.Clauses["WHERE"]) {
		return
	}
	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: db.Statement.Table, Name: tenantColumn},
				Value:  tenantID,
			},
		},
	})
}

func tenantStampCallback(db *gorm.DB) {
	tenantID, field := tenantTarget(db)
	if tenantID == "" || field == nil {
		return
	}
	ctx := db.Statement.Context
	rv := db.Statement.ReflectValue
	stamp := func(v reflect.Value) {
		current, zero := field.ValueOf(ctx, v)
		if zero {
			if err := field.Set(ctx, v, tenantID); err != nil {
				_ = db.AddError(err)
			}
			return
		}
		if s, ok := current.(string); ok && s != tenantID {
			_ = db.AddError(ErrCrossTenantWrite)
		}
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			elem := reflect.Indirect(rv.Index(i))
			if elem.Kind() == reflect.Struct {
				stamp(elem)
			}
		}
	case reflect.Struct:
		stamp(rv)
	}
}

// tenantTarget returns the tenant to enforce and the schema's tenant_id field, or "" when the
// statement is out of scope (no context tenant, bypass flag, or no tenant_id column).
func tenantTarget(db *gorm.DB) (string, *schema.Field) {
	if db == nil || db.Statement == nil || db.Statement.Context == nil {
		return "", nil
	}
	ctx := db.Statement.Context
	if shouldBypassTenantScope(ctx) {
		return "", nil
	}
	tenantID := appctx.TenantId(ctx)
	if tenantID == "" || db.Statement.Schema == nil {
		return "", nil
	}
	field := db.Statement.Schema.LookUpField(tenantColumn)
	if field == nil {
		return "", nil
	}
	return tenantID, field
}

func shouldBypassTenantScope(ctx context.Context) bool {
	if v, ok := appctx.GetBool(ctx, appctx.ContextKeySkipTenantScope); ok && v {
		return true
	}
	if v, ok := appctx.GetBool(ctx, appctx.ContextKeySuperTenant); ok && v {
		return true
	}
	return false
}

func whereHasTenantID(c clause.Clause) bool {
	if c.Expression == nil {
		return false
	}
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, e := range w.Exprs {
		if exprHasTenantID(e) {
			return true
		}
	}
	return false
}

func exprHasTenantID(e clause.Expression) bool {
	switch v := e.(type) {
	case clause.Eq:
		return colIsTenantID(v.Column)
	case clause.Neq:
		return colIsTenantID(v.Column)
	case clause.IN:
		return colIsTenantID(v.Column)
	case clause.AndConditions:
		for _, x := range v.Exprs {
			if exprHasTenantID(x) {
				return true
			}
		}
		return false
	case clause.OrConditions:
		for _, x := range v.Exprs {
			if exprHasTenantID(x) {
				return true
			}
		}
		return false
	case clause.Expr:
		return strings.Contains(strings.ToLower(v.SQL), tenantColumn)
	case clause.NamedExpr:
		return strings.Contains(strings.ToLower(v.SQL), tenantColumn)
	default:
		return false
	}
}

func colIsTenantID(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, tenantColumn) || strings.HasSuffix(strings.ToLower(c), "."+tenantColumn)
	case clause.Column:
		return strings.EqualFold(c.Name, tenantColumn)
	default:
		return false
	}
}
