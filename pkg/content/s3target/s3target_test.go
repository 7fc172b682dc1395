//go:build integration

package s3target

import (
	"context"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/chunkstream/chunkstream/pkg/content"
)

// localstackHelper manages the Localstack container for S3 integration tests.
type localstackHelper struct {
	container testcontainers.Container
	endpoint  string
	client    *s3.Client
}

func newLocalstackHelper(t *testing.T) *localstackHelper {
	t.Helper()
	ctx := context.Background()

	if endpoint := os.Getenv("LOCALSTACK_ENDPOINT"); endpoint != "" {
		helper := &localstackHelper{endpoint: endpoint}
		helper.createClient(t)
		return helper
	}

	req := testcontainers.ContainerRequest{
		Image:        "localstack/localstack:3.0",
		ExposedPorts: []string{"4566/tcp"},
		Env: map[string]string{
			"SERVICES":              "s3",
			"DEFAULT_REGION":        "us-east-1",
			"EAGER_SERVICE_LOADING": "1",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4566/tcp"),
			wait.ForHTTP("/_localstack/health").
				WithPort("4566/tcp").
				WithStartupTimeout(60*time.Second),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4566")
	require.NoError(t, err)

	helper := &localstackHelper{
		container: container,
		endpoint:  fmt.Sprintf("http://%s:%s", host, port.Port()),
	}
	helper.createClient(t)
	return helper
}

func (lh *localstackHelper) createClient(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	require.NoError(t, err)

	lh.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = &lh.endpoint
		o.UsePathStyle = true
	})
}

func (lh *localstackHelper) createBucket(t *testing.T, bucketName string) {
	t.Helper()
	_, err := lh.client.CreateBucket(context.Background(), &s3.CreateBucketInput{
		Bucket: aws.String(bucketName),
	})
	require.NoError(t, err)
}

func (lh *localstackHelper) cleanup() {
	if lh.container != nil {
		_ = lh.container.Terminate(context.Background())
	}
}

func newTestTarget(t *testing.T, helper *localstackHelper) (*Target, string) {
	t.Helper()
	bucketName := fmt.Sprintf("test-bucket-%d", time.Now().UnixNano())
	helper.createBucket(t, bucketName)
	return New(helper.client, bucketName, DefaultPartSize), bucketName
}

func TestAppendAccumulatesBelowPartSize(t *testing.T) {
	helper := newLocalstackHelper(t)
	defer helper.cleanup()

	ctx := context.Background()
	target, _ := newTestTarget(t, helper)
	path := "uploads/small-file"

	require.NoError(t, target.Create(ctx, path))

	n, err := target.Append(ctx, path, []byte("hello "))
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	n, err = target.Append(ctx, path, []byte("world"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)

	require.NoError(t, target.Flush(ctx, path))

	size, err := target.Size(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)

	reader, err := target.ReadRange(ctx, path, 0, 11)
	require.NoError(t, err)
	defer reader.Close()

	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestAppendAcrossMultiplePartsFlushesMultipart(t *testing.T) {
	helper := newLocalstackHelper(t)
	defer helper.cleanup()

	ctx := context.Background()
	bucketName := fmt.Sprintf("test-bucket-%d", time.Now().UnixNano())
	helper.createBucket(t, bucketName)

	// Appending several part-sized buffers at the default 5 MiB part size
	// makes the session cross the multipart threshold more than once.
	target := New(helper.client, bucketName, 5<<20)
	path := "uploads/large-file"

	require.NoError(t, target.Create(ctx, path))

	part := make([]byte, 5<<20)
	for i := range part {
		part[i] = byte(i % 251)
	}

	for i := 0; i < 3; i++ {
		_, err := target.Append(ctx, path, part)
		require.NoError(t, err)
	}
	require.NoError(t, target.Flush(ctx, path))

	size, err := target.Size(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(part)*3), size)
}

func TestTruncateDiscardsTrailingBytes(t *testing.T) {
	helper := newLocalstackHelper(t)
	defer helper.cleanup()

	ctx := context.Background()
	target, _ := newTestTarget(t, helper)
	path := "uploads/truncate-me"

	require.NoError(t, target.Create(ctx, path))
	_, err := target.Append(ctx, path, []byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, target.Flush(ctx, path))

	require.NoError(t, target.Truncate(ctx, path, 5))

	size, err := target.Size(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	reader, err := target.ReadRange(ctx, path, 0, 5)
	require.NoError(t, err)
	defer reader.Close()
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "01234", string(data))
}

func TestDeleteRemovesObject(t *testing.T) {
	helper := newLocalstackHelper(t)
	defer helper.cleanup()

	ctx := context.Background()
	target, _ := newTestTarget(t, helper)
	path := "uploads/delete-me"

	require.NoError(t, target.Create(ctx, path))
	_, err := target.Append(ctx, path, []byte("bye"))
	require.NoError(t, err)
	require.NoError(t, target.Flush(ctx, path))

	require.NoError(t, target.Delete(ctx, path))

	_, err = target.Size(ctx, path)
	assert.ErrorIs(t, err, content.ErrNotExist)
}
