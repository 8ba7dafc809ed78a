package middlewares

import (
	"context"

	"bitbucket.org/mmdatafocus/records_backend/guard"
	"bitbucket.org/mmdatafocus/records_backend/models"
	"github.com/graph-gophers/dataloader/v7"
)

type recordStatusReader struct {
	src   StatusSource
	actor guard.Actor
}

// getStatuses issues one query per entity type in the batch. Records without a status graph,
// or not visible to the actor, resolve to "".
func (r *recordStatusReader) getStatuses(ctx context.Context, keys []RecordKey) []*dataloader.Result[string] {
	byEntity := map[models.EntityType][]int{}
	for _, k := range keys {
		byEntity[k.Entity] = append(byEntity[k.Entity], k.Id)
	}

	statuses := map[models.EntityType]map[int]string{}
	failed := map[models.EntityType]error{}
	for t, ids := range byEntity {
		if _, err := models.NewRecord(t); err != nil {
			continue
		}
		found, err := r.src.RecordStatuses(ctx, r.actor, t, ids)
		if err != nil {
			failed[t] = err
			continue
		}
		statuses[t] = found
	}
	if len(byEntity) == 1 && len(failed) == 1 {
		return handleError[string](len(keys), failed[keys[0].Entity])
	}

	results := make([]*dataloader.Result[string], 0, len(keys))
	for _, k := range keys {
		if err, ok := failed[k.Entity]; ok {
			results = append(results, &dataloader.Result[string]{Error: err})
			continue
		}
		results = append(results, &dataloader.Result[string]{Data: statuses[k.Entity][k.Id]})
	}
	return results
}

func GetRecordStatus(ctx context.Context, entity models.EntityType, id int) (string, error) {
	loaders := For(ctx)
	return loaders.RecordStatusLoader.Load(ctx, RecordKey{Entity: entity, Id: id})()
}
