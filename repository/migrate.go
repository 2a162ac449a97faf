package repository

import (
	"context"
	"media-pipeline/entities"
)

// Migrate creates or updates the tables owned by the pipeline.
func Migrate(ctx context.Context, r Repository) error {
	return r.GetDB().WithContext(ctx).AutoMigrate(&entities.Job{}, &entities.Content{})
}
