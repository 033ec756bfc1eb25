// Package profile keeps one free-form profile document per user.
package profile

import (
	"context"
	"time"

	"github.com/traffic-tacos/profile-api/internal/metrics"
	"github.com/traffic-tacos/profile-api/internal/models"
)

const storeName = "profile"

// Store is the document store behind the profile service. Get returns
// (nil, nil) when the user has no document yet.
type Store interface {
	Get(ctx context.Context, userID int64) (*models.Profile, error)
	Upsert(ctx context.Context, profile *models.Profile) error
	Ping(ctx context.Context) error
}

func observe(operation string, start time.Time, errp *error) {
	metrics.RecordStoreOperation(storeName, operation, *errp, time.Since(start))
}
