/*
Package s3 implements types.Backend on Amazon S3 and S3-compatible stores
with aws-sdk-go-v2.

Blocks are fetched with ranged GETs, manifests are created with a
conditional PUT (If-None-Match: *) so two publishers racing for the same
version cannot both win, and listing walks ListObjectsV2 pages. SDK errors
are translated into the blockvfs error taxonomy: missing keys become
OBJECT_NOT_FOUND, failed preconditions CONFLICT_OBJECT_EXISTS, throttling,
5xx responses and transport failures become retryable transient errors.

	client, _ := s3.NewClient(ctx, &s3.Config{Region: "eu-west-1"})
	backend := s3.NewBackend(client, "my-bucket", logger)
*/
package s3
