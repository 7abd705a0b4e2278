package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/rs/zerolog"

	bverrors "github.com/objectfs/blockvfs/pkg/errors"
	"github.com/objectfs/blockvfs/pkg/types"
)

// API is the subset of the S3 client the backend uses.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Backend implements types.Backend on one S3 bucket.
type Backend struct {
	client API
	bucket string
	logger zerolog.Logger
}

var _ types.Backend = (*Backend)(nil)

// NewBackend creates a backend for bucket using client.
func NewBackend(client API, bucket string, logger zerolog.Logger) (*Backend, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}
	if client == nil {
		return nil, fmt.Errorf("s3 client cannot be nil")
	}

	return &Backend{
		client: client,
		bucket: bucket,
		logger: logger.With().Str("component", "s3-backend").Str("bucket", bucket).Logger(),
	}, nil
}

// GetObject retrieves an object or a byte range of it. size <= 0 reads to the end.
func (b *Backend) GetObject(ctx context.Context, key string, offset, size int64) ([]byte, error) {
	start := time.Now()

	var rangeHeader *string
	if offset > 0 || size > 0 {
		if size > 0 {
			rangeHeader = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+size-1))
		} else {
			rangeHeader = aws.String(fmt.Sprintf("bytes=%d-", offset))
		}
	}

	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Range:  rangeHeader,
	})
	if err != nil {
		return nil, b.translateError(err, "GetObject", key)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, bverrors.Wrap(err, bverrors.ErrCodeNetworkError, "failed to read object body").
			WithComponent("s3").WithOperation("GetObject").WithDetail("key", key)
	}

	b.logger.Trace().Str("key", key).Int("bytes", len(data)).Dur("took", time.Since(start)).Msg("get object")
	return data, nil
}

// PutObject stores an object, replacing any existing one.
func (b *Backend) PutObject(ctx context.Context, key string, data []byte) error {
	return b.put(ctx, key, data, false)
}

// PutObjectIfAbsent stores an object only if key does not exist yet.
func (b *Backend) PutObjectIfAbsent(ctx context.Context, key string, data []byte) error {
	return b.put(ctx, key, data, true)
}

func (b *Backend) put(ctx context.Context, key string, data []byte, ifAbsent bool) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(detectContentType(key)),
	}
	if ifAbsent {
		input.IfNoneMatch = aws.String("*")
	}

	_, err := b.client.PutObject(ctx, input)
	if err != nil {
		return b.translateError(err, "PutObject", key)
	}

	return nil
}

// DeleteObject removes an object. Deleting a missing key is not an error.
func (b *Backend) DeleteObject(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
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
	result, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, b.translateError(err, "HeadObject", key)
	}

	info := &types.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(result.ContentLength),
		LastModified: aws.ToTime(result.LastModified),
		ETag:         aws.ToString(result.ETag),
		ContentType:  aws.ToString(result.ContentType),
		Metadata:     make(map[string]string, len(result.Metadata)),
	}
	for k, v := range result.Metadata {
		info.Metadata[k] = v
	}

	return info, nil
}

// ListObjects lists objects with the given prefix, following continuation
// tokens until limit objects are collected (limit <= 0 means all).
func (b *Backend) ListObjects(ctx context.Context, prefix string, limit int) ([]types.ObjectInfo, error) {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})

	var objects []types.ObjectInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, b.translateError(err, "ListObjects", prefix)
		}
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         aws.ToString(obj.ETag),
			})
			if limit > 0 && len(objects) >= limit {
				return objects, nil
			}
		}
	}

	return objects, nil
}

// HealthCheck verifies the bucket is reachable
func (b *Backend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		return b.translateError(err, "HeadBucket", b.bucket)
	}
	return nil
}

func (b *Backend) translateError(err error, operation, key string) error {
	var apiCode string
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		apiCode = apiErr.ErrorCode()
	}
	status := 0
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	var code bverrors.ErrorCode
	switch {
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err),
		apiCode == "NoSuchKey", apiCode == "NotFound":
		code = bverrors.ErrCodeObjectNotFound
	case isErrorType[*s3types.NoSuchBucket](err), apiCode == "NoSuchBucket":
		code = bverrors.ErrCodeContainerNotFound
	case apiCode == "PreconditionFailed", apiCode == "ConditionalRequestConflict", status == 412:
		code = bverrors.ErrCodeObjectExists
	case apiCode == "ExpiredToken", apiCode == "TokenRefreshRequired":
		code = bverrors.ErrCodeTokenExpired
	case apiCode == "InvalidAccessKeyId", apiCode == "SignatureDoesNotMatch", status == 401:
		code = bverrors.ErrCodeAuthenticationFailed
	case apiCode == "AccessDenied", status == 403:
		code = bverrors.ErrCodeAccessDenied
	case apiCode == "SlowDown", apiCode == "Throttling", apiCode == "ThrottlingException", status == 429, status == 503:
		code = bverrors.ErrCodeThrottled
	case errors.Is(err, context.Canceled):
		code = bverrors.ErrCodeOperationCanceled
	case errors.Is(err, context.DeadlineExceeded), apiCode == "RequestTimeout":
		code = bverrors.ErrCodeOperationTimeout
	case status >= 500:
		code = bverrors.ErrCodeNetworkError
	case apiErr != nil || status >= 400:
		if strings.HasPrefix(operation, "Put") || strings.HasPrefix(operation, "Delete") {
			code = bverrors.ErrCodeStorageWrite
		} else {
			code = bverrors.ErrCodeStorageRead
		}
	default:
		code = bverrors.ErrCodeNetworkError
	}

	return bverrors.Wrap(err, code, fmt.Sprintf("%s failed for %s", operation, key)).
		WithComponent("s3").
		WithOperation(operation).
		WithDetail("bucket", b.bucket).
		WithDetail("key", key)
}

func detectContentType(key string) string {
	if strings.HasSuffix(key, ".json") {
		return "application/json"
	}
	return "application/octet-stream"
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
