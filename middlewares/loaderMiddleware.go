package middlewares

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/records_backend/guard"
	"bitbucket.org/mmdatafocus/records_backend/models"
	"github.com/gin-gonic/gin"
	"github.com/graph-gophers/dataloader/v7"
)

type ctxKey string

const (
	loadersKey = ctxKey("dataloaders")
)

// RecordKey names one status-bearing record.
type RecordKey struct {
	Entity models.EntityType
	Id     int
}

// StatusSource reads current statuses for the actor; the workflow engine implements it.
type StatusSource interface {
	RecordStatuses(ctx context.Context, actor guard.Actor, t models.EntityType, ids []int) (map[int]string, error)
}

// Loaders are built per request so every batch runs under the requesting actor's scope.
type Loaders struct {
	RecordStatusLoader *dataloader.Loader[RecordKey, string]
}

func NewLoaders(src StatusSource, actor guard.Actor) *Loaders {
	statusReader := &recordStatusReader{src: src, actor: actor}
	return &Loaders{
		RecordStatusLoader: dataloader.NewBatchedLoader(statusReader.getStatuses, dataloader.WithWait[RecordKey, string](time.Millisecond)),
	}
}

// LoaderMiddleware must run after AuthMiddleware.
func LoaderMiddleware(src StatusSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, _ := CtxActor(c.Request.Context())
		ctx := WithLoaders(c.Request.Context(), NewLoaders(src, actor))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func WithLoaders(ctx context.Context, l *Loaders) context.Context {
	return context.WithValue(ctx, loadersKey, l)
}

func For(ctx context.Context) *Loaders {
	return ctx.Value(loadersKey).(*Loaders)
}

// handleError creates array of result with the same error repeated for as many items requested
func handleError[T any](itemsLength int, err error) []*dataloader.Result[T] {
	result := make([]*dataloader.Result[T], itemsLength)
	for i := 0; i < itemsLength; i++ {
		result[i] = &dataloader.Result[T]{Error: err}
	}
	return result
}
