package types

import (
	"context"
	"time"
)

// Backend defines the interface for object storage backends holding
// container descriptors, manifests and blocks.
type Backend interface {
	// Object operations
	GetObject(ctx context.Context, key string, offset, size int64) ([]byte, error)
	PutObject(ctx context.Context, key string, data []byte) error
	// PutObjectIfAbsent writes data only when key does not exist yet and
	// returns a CONFLICT_OBJECT_EXISTS error otherwise.
	PutObjectIfAbsent(ctx context.Context, key string, data []byte) error
	DeleteObject(ctx context.Context, key string) error
	HeadObject(ctx context.Context, key string) (*ObjectInfo, error)

	// List operations; limit <= 0 lists everything under prefix
	ListObjects(ctx context.Context, prefix string, limit int) ([]ObjectInfo, error)

	// Health check
	HealthCheck(ctx context.Context) error
}

// MetricsCollector defines the metrics collection interface
type MetricsCollector interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordCacheHit(container string, size int64)
	RecordCacheMiss(container string, size int64)
	RecordRemoteFetch(container string, size int64)
	RecordError(operation string, err error)
}
