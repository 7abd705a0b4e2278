// Package gcs implements types.Backend on Google Cloud Storage through the
// JSON API client in google.golang.org/api/storage/v1.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"

	bverrors "github.com/objectfs/blockvfs/pkg/errors"
	"github.com/objectfs/blockvfs/pkg/types"
)

// Config represents Google Cloud Storage backend settings
type Config struct {
	// Endpoint overrides the JSON API base path, e.g. for an emulator
	Endpoint string
	// TokenSource authenticates requests; nil means unauthenticated
	TokenSource oauth2.TokenSource
	// UserProject is billed for requester-pays buckets
	UserProject string
}

// Backend implements types.Backend on one GCS bucket.
type Backend struct {
	svc         *storage.Service
	bucket      string
	userProject string
	logger      zerolog.Logger
}

var _ types.Backend = (*Backend)(nil)

// NewBackend creates a backend for bucket.
func NewBackend(ctx context.Context, bucket string, cfg Config, logger zerolog.Logger) (*Backend, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}

	var opts []option.ClientOption
	if cfg.TokenSource != nil {
		opts = append(opts, option.WithTokenSource(cfg.TokenSource))
	} else {
		opts = append(opts, option.WithoutAuthentication())
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	svc, err := storage.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage service: %w", err)
	}

	return &Backend{
		svc:         svc,
		bucket:      bucket,
		userProject: cfg.UserProject,
		logger:      logger.With().Str("component", "gcs-backend").Str("bucket", bucket).Logger(),
	}, nil
}

// GetObject retrieves an object or a byte range of it. size <= 0 reads to the end.
func (b *Backend) GetObject(ctx context.Context, key string, offset, size int64) ([]byte, error) {
	call := b.svc.Objects.Get(b.bucket, key).Context(ctx)
	if b.userProject != "" {
		call = call.UserProject(b.userProject)
	}
	if offset > 0 || size > 0 {
		if size > 0 {
			call.Header().Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+size-1))
		} else {
			call.Header().Set("Range", fmt.Sprintf("bytes=%d-", offset))
		}
	}

	resp, err := call.Download()
	if err != nil {
		return nil, b.translateError(err, "GetObject", key)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, bverrors.Wrap(err, bverrors.ErrCodeNetworkError, "failed to read object body").
			WithComponent("gcs").WithOperation("GetObject").WithDetail("key", key)
	}
	return data, nil
}

// PutObject stores an object, replacing any existing one.
func (b *Backend) PutObject(ctx context.Context, key string, data []byte) error {
	return b.insert(ctx, key, data, false)
}

// PutObjectIfAbsent stores an object only if no live generation exists.
func (b *Backend) PutObjectIfAbsent(ctx context.Context, key string, data []byte) error {
	return b.insert(ctx, key, data, true)
}

func (b *Backend) insert(ctx context.Context, key string, data []byte, ifAbsent bool) error {
	call := b.svc.Objects.Insert(b.bucket, &storage.Object{
		Name:        key,
		ContentType: contentType(key),
	}).Media(bytes.NewReader(data), googleapi.ContentType(contentType(key))).Context(ctx)
	if ifAbsent {
		call = call.IfGenerationMatch(0)
	}
	if b.userProject != "" {
		call = call.UserProject(b.userProject)
	}

	if _, err := call.Do(); err != nil {
		return b.translateError(err, "PutObject", key)
	}
	return nil
}

// DeleteObject removes an object. Deleting a missing key is not an error.
func (b *Backend) DeleteObject(ctx context.Context, key string) error {
	call := b.svc.Objects.Delete(b.bucket, key).Context(ctx)
	if b.userProject != "" {
		call = call.UserProject(b.userProject)
	}
	if err := call.Do(); err != nil {
		translated := b.translateError(err, "DeleteObject", key)
		if bverrors.HasCode(translated, bverrors.ErrCodeObjectNotFound) {
			return nil
		}
		return translated
	}
	return nil
}

// HeadObject retrieves metadata about an object
func (b *Backend) HeadObject(ctx context.Context, key string) (*types.ObjectInfo, error) {
	call := b.svc.Objects.Get(b.bucket, key).Context(ctx)
	if b.userProject != "" {
		call = call.UserProject(b.userProject)
	}
	obj, err := call.Do()
	if err != nil {
		return nil, b.translateError(err, "HeadObject", key)
	}
	return objectInfo(obj), nil
}

// ListObjects lists objects with the given prefix; limit <= 0 means all.
func (b *Backend) ListObjects(ctx context.Context, prefix string, limit int) ([]types.ObjectInfo, error) {
	call := b.svc.Objects.List(b.bucket).Prefix(prefix)
	if b.userProject != "" {
		call = call.UserProject(b.userProject)
	}

	var objects []types.ObjectInfo
	errLimit := errors.New("limit reached")
	err := call.Pages(ctx, func(page *storage.Objects) error {
		for _, obj := range page.Items {
			objects = append(objects, *objectInfo(obj))
			if limit > 0 && len(objects) >= limit {
				return errLimit
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		return nil, b.translateError(err, "ListObjects", prefix)
	}
	return objects, nil
}

// HealthCheck verifies the bucket is reachable
func (b *Backend) HealthCheck(ctx context.Context) error {
	if _, err := b.svc.Buckets.Get(b.bucket).Context(ctx).Do(); err != nil {
		return b.translateError(err, "HeadBucket", b.bucket)
	}
	return nil
}

func objectInfo(obj *storage.Object) *types.ObjectInfo {
	info := &types.ObjectInfo{
		Key:         obj.Name,
		Size:        int64(obj.Size),
		ETag:        obj.Etag,
		ContentType: obj.ContentType,
		Metadata:    obj.Metadata,
	}
	if t, err := time.Parse(time.RFC3339, obj.Updated); err == nil {
		info.LastModified = t
	}
	return info
}

func (b *Backend) translateError(err error, operation, key string) error {
	var code bverrors.ErrorCode

	var apiErr *googleapi.Error
	switch {
	case errors.As(err, &apiErr):
		switch {
		case apiErr.Code == http.StatusNotFound:
			code = bverrors.ErrCodeObjectNotFound
		case apiErr.Code == http.StatusPreconditionFailed:
			code = bverrors.ErrCodeObjectExists
		case apiErr.Code == http.StatusUnauthorized:
			code = bverrors.ErrCodeAuthenticationFailed
		case apiErr.Code == http.StatusForbidden:
			code = bverrors.ErrCodeAccessDenied
		case apiErr.Code == http.StatusTooManyRequests:
			code = bverrors.ErrCodeThrottled
		case apiErr.Code == http.StatusRequestTimeout:
			code = bverrors.ErrCodeOperationTimeout
		case apiErr.Code >= 500:
			code = bverrors.ErrCodeNetworkError
		case operation == "PutObject" || operation == "DeleteObject":
			code = bverrors.ErrCodeStorageWrite
		default:
			code = bverrors.ErrCodeStorageRead
		}
	case errors.Is(err, context.Canceled):
		code = bverrors.ErrCodeOperationCanceled
	case errors.Is(err, context.DeadlineExceeded):
		code = bverrors.ErrCodeOperationTimeout
	default:
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			code = bverrors.ErrCodeAuthenticationFailed
		} else {
			code = bverrors.ErrCodeNetworkError
		}
	}

	return bverrors.Wrap(err, code, fmt.Sprintf("%s failed for %s", operation, key)).
		WithComponent("gcs").
		WithOperation(operation).
		WithDetail("bucket", b.bucket).
		WithDetail("key", key)
}

func contentType(key string) string {
	if len(key) > 5 && key[len(key)-5:] == ".json" {
		return "application/json"
	}
	return "application/octet-stream"
}
