package models

import (
	"context"
	"errors"
	"reflect"
	"strings"

	"bitbucket.org/mmdatafocus/records_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var ErrMissingTenant = errors.New("tenant scope has no tenant")

// TenantScope is the filter every store call applies. All is only true for super-tenant actors.
type TenantScope struct {
	TenantId string
	All      bool
}

func ScopeFor(tenantId string) TenantScope { return TenantScope{TenantId: tenantId} }

// Apply adds the tenant equality filter. A scope without tenant and without All fails closed.
func (s TenantScope) Apply(db *gorm.DB) *gorm.DB {
	if s.All {
		return db
	}
	if s.TenantId == "" {
		_ = db.AddError(ErrMissingTenant)
		return db
	}
	return db.Where("tenant_id = ?", s.TenantId)
}

// FetchRecord loads one row by id within the scope.
// (may return *utils.NotFoundError or *utils.PersistenceError)
func FetchRecord[T any](ctx context.Context, db *gorm.DB, scope TenantScope, id int, associations ...string) (*T, error) {
	var result T
	q := scope.Apply(db.WithContext(ctx))
	for _, field := range associations {
		q = q.Preload(field)
	}
	if err := q.First(&result, id).Error; err != nil {
		return nil, storeError("fetch "+resourceName(result), resourceName(result), id, err)
	}
	return &result, nil
}

// FetchStatusRecord loads a status-bearing record of the given type with the associations automations use.
func FetchStatusRecord(ctx context.Context, db *gorm.DB, scope TenantScope, t EntityType, id int) (StatusRecord, error) {
	rec, err := NewRecord(t)
	if err != nil {
		return nil, err
	}
	q := scope.Apply(db.WithContext(ctx))
	for _, field := range preloadsFor(t) {
		q = q.Preload(field)
	}
	if err := q.First(rec, id).Error; err != nil {
		return nil, storeError("fetch "+string(t), string(t), id, err)
	}
	return rec, nil
}

// FindRecords lists rows within the scope; query may add conditions and ordering.
func FindRecords[T any](ctx context.Context, db *gorm.DB, scope TenantScope, query func(*gorm.DB) *gorm.DB) ([]T, error) {
	var results []T
	q := scope.Apply(db.WithContext(ctx))
	if query != nil {
		q = query(q)
	}
	if err := q.Find(&results).Error; err != nil {
		var zero T
		return nil, &utils.PersistenceError{Op: "find " + resourceName(zero), Err: err}
	}
	return results, nil
}

// ExistsWhere reports whether any row of model matches the conditions within the scope.
func ExistsWhere(ctx context.Context, db *gorm.DB, scope TenantScope, model any, cond string, args ...any) (bool, error) {
	var count int64
	if err := scope.Apply(db.WithContext(ctx)).Model(model).Where(cond, args...).Limit(1).Count(&count).Error; err != nil {
		return false, &utils.PersistenceError{Op: "exists " + resourceName(model), Err: err}
	}
	return count > 0, nil
}

// InsertRecord creates rec. The tenant guard plugin stamps tenant_id from context when empty.
func InsertRecord(ctx context.Context, db *gorm.DB, rec any) error {
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		return &utils.PersistenceError{Op: "insert " + resourceName(rec), Err: err}
	}
	return nil
}

// UpdateRecord patches the row with the given id. Zero rows matched is a NotFoundError.
func UpdateRecord(ctx context.Context, db *gorm.DB, scope TenantScope, model any, id int, patch map[string]any) error {
	n, err := UpdateWhere(ctx, db, scope, model, patch, "id = ?", id)
	if err != nil {
		return err
	}
	if n == 0 {
		return &utils.NotFoundError{Resource: resourceName(model), Id: id}
	}
	return nil
}

// UpdateWhere is the conditional update used for compare-and-set writes; it returns rows affected.
func UpdateWhere(ctx context.Context, db *gorm.DB, scope TenantScope, model any, patch map[string]any, cond string, args ...any) (int64, error) {
	res := scope.Apply(db.WithContext(ctx)).Model(model).Where(cond, args...).Updates(patch)
	if res.Error != nil {
		return 0, &utils.PersistenceError{Op: "update " + resourceName(model), Err: res.Error}
	}
	return res.RowsAffected, nil
}

func DeleteRecord(ctx context.Context, db *gorm.DB, scope TenantScope, model any, id int) error {
	res := scope.Apply(db.WithContext(ctx)).Where("id = ?", id).Delete(model)
	if res.Error != nil {
		return &utils.PersistenceError{Op: "delete " + resourceName(model), Err: res.Error}
	}
	if res.RowsAffected == 0 {
		return &utils.NotFoundError{Resource: resourceName(model), Id: id}
	}
	return nil
}

// DeleteWhere is the conditional delete; it returns rows affected.
func DeleteWhere(ctx context.Context, db *gorm.DB, scope TenantScope, model any, cond string, args ...any) (int64, error) {
	res := scope.Apply(db.WithContext(ctx)).Where(cond, args...).Delete(model)
	if res.Error != nil {
		return 0, &utils.PersistenceError{Op: "delete " + resourceName(model), Err: res.Error}
	}
	return res.RowsAffected, nil
}

// IsDuplicateKey reports a unique index violation on MySQL (1062) or SQLite.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func storeError(op, resource string, id int, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &utils.NotFoundError{Resource: resource, Id: id}
	}
	return &utils.PersistenceError{Op: op, Err: err}
}

func resourceName(v any) string {
	if sr, ok := v.(StatusRecord); ok {
		return string(sr.RecordType())
	}
	t := reflect.TypeOf(v)
	for t != nil && (t.Kind() == reflect.Pointer || t.Kind() == reflect.Slice) {
		t = t.Elem()
	}
	if t == nil {
		return "record"
	}
	return t.Name()
}
