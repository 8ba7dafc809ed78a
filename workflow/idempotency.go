package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/records_backend/models"
	"gorm.io/gorm"
)

var ErrIdempotencyInProgress = errors.New("idempotency in progress")

// idempotencyStaleAfter is how long a STARTED key blocks redelivery before it is taken over.
const idempotencyStaleAfter = 5 * time.Minute

// BeginIdempotency inserts STARTED. If SUCCEEDED exists, returns (true, nil) meaning "skip safely".
func BeginIdempotency(ctx context.Context, db *gorm.DB, tenantId, handlerName, messageId string) (alreadyDone bool, err error) {
	scope := models.ScopeFor(tenantId)
	key := models.IdempotencyKey{
		TenantId:    tenantId,
		HandlerName: handlerName,
		MessageId:   messageId,
		Status:      models.IdempotencyStatusStarted,
	}
	if err := models.InsertRecord(ctx, db, &key); err == nil {
		return false, nil
	} else if !models.IsDuplicateKey(err) {
		return false, err
	}

	found, err := models.FindRecords[models.IdempotencyKey](ctx, db, scope, func(q *gorm.DB) *gorm.DB {
		return q.Where("handler_name = ? AND message_id = ?", handlerName, messageId).Limit(1)
	})
	if err != nil {
		return false, err
	}
	if len(found) == 0 {
		return false, ErrIdempotencyInProgress
	}
	existing := found[0]

	switch existing.Status {
	case models.IdempotencyStatusSucceeded:
		return true, nil
	case models.IdempotencyStatusStarted:
		// another worker is on it; Pub/Sub retries later
		if time.Since(existing.UpdatedAt) < idempotencyStaleAfter {
			return false, ErrIdempotencyInProgress
		}
	}
	_, err = models.UpdateWhere(ctx, db, scope, &models.IdempotencyKey{},
		map[string]any{"status": models.IdempotencyStatusStarted, "last_error": nil}, "id = ?", existing.ID)
	return false, err
}

func MarkIdempotencySucceeded(ctx context.Context, db *gorm.DB, tenantId, handlerName, messageId string) error {
	_, err := models.UpdateWhere(ctx, db, models.ScopeFor(tenantId), &models.IdempotencyKey{},
		map[string]any{"status": models.IdempotencyStatusSucceeded, "last_error": nil},
		"handler_name = ? AND message_id = ?", handlerName, messageId)
	return err
}

func MarkIdempotencyFailed(ctx context.Context, db *gorm.DB, tenantId, handlerName, messageId string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := models.UpdateWhere(ctx, db, models.ScopeFor(tenantId), &models.IdempotencyKey{},
		map[string]any{"status": models.IdempotencyStatusFailed, "last_error": &msg},
		"handler_name = ? AND message_id = ?", handlerName, messageId)
	return err
}
