// Package activity writes the append-only audit trail. Recording never fails the caller.
package activity

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/records_backend/config"
	"bitbucket.org/mmdatafocus/records_backend/models"
	"bitbucket.org/mmdatafocus/records_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Entry is the input to Record. Meta is marshalled to JSON.
type Entry struct {
	TenantId    string            `json:"tenant_id"`
	Entity      models.EntityType `json:"entity" validate:"required"`
	EntityId    int               `json:"entity_id" validate:"required,gt=0"`
	Action      string            `json:"action" validate:"required,max=64"`
	Description string            `json:"description" validate:"required"`
	Meta        any               `json:"meta"`
	ActorId     string            `json:"actor_id"`
	ActorName   string            `json:"actor_name"`
}

type Writer struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewWriter(db *gorm.DB, logger *logrus.Logger) *Writer {
	if logger == nil {
		logger = config.NewDiscardLogger()
	}
	return &Writer{db: db, logger: logger}
}

// WithDB binds the writer to tx.
func (w *Writer) WithDB(tx *gorm.DB) *Writer {
	return &Writer{db: tx, logger: w.logger}
}

// Record appends one row. Failures are logged and swallowed.
func (w *Writer) Record(ctx context.Context, e Entry) {
	if w == nil || w.db == nil {
		return
	}
	if e.TenantId == "" {
		w.logger.WithFields(logrus.Fields{
			"module":   "activity",
			"entity":   e.Entity,
			"entityId": e.EntityId,
			"action":   e.Action,
		}).Warn("activity entry without tenant dropped")
		return
	}
	if err := utils.ValidateInput(e); err != nil {
		config.LogError(w.logger, "activity", "Record", string(e.Entity), utils.MarshalToJSON(e), err)
		return
	}
	row := models.ActivityLog{
		TenantId:    e.TenantId,
		Entity:      e.Entity,
		EntityId:    e.EntityId,
		Action:      e.Action,
		Description: e.Description,
		Meta:        utils.MarshalToJSON(e.Meta),
		ActorId:     e.ActorId,
		ActorName:   e.ActorName,
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic writing activity: %v", r)
			}
		}()
		return models.InsertRecord(ctx, w.db, &row)
	}()
	if err != nil {
		config.LogError(w.logger, "activity", "Record", fmt.Sprintf("%s %d", e.Entity, e.EntityId), utils.MarshalToJSON(e), err)
	}
}

// Timeline returns a record's entries oldest first.
func (w *Writer) Timeline(ctx context.Context, scope models.TenantScope, entity models.EntityType, entityId int) ([]models.ActivityLog, error) {
	return models.FindRecords[models.ActivityLog](ctx, w.db, scope, func(q *gorm.DB) *gorm.DB {
		return q.Where("entity = ? AND entity_id = ?", entity, entityId).Order("created_at ASC, id ASC")
	})
}
