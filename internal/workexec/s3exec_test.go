package workexec

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/iobench/internal/benchconfig"
	"github.com/cuemby/iobench/internal/phase"
	"github.com/cuemby/iobench/internal/s3upload"
)

// fakeS3Client implements s3API with in-memory bookkeeping, enough to drive
// S3Exec through its full phase set without talking to AWS.
type fakeS3Client struct {
	mu             sync.Mutex
	nextUploadID   int
	uploads        map[string][]s3upload.Part
	completed      map[string]bool
	aborted        map[string]bool
	headCalls      int
	getCalls       int
	deleteCalls    int
	listCalls      int
	multiDelCalls  int
	putBucketACLs  int
	putObjACLs     int
	getObjACLs     int
	getBucketACLs  int
}

func newFakeS3Client() *fakeS3Client {
	return &fakeS3Client{
		uploads:   make(map[string][]s3upload.Part),
		completed: make(map[string]bool),
		aborted:   make(map[string]bool),
	}
}

func (f *fakeS3Client) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextUploadID++
	id := fmt.Sprintf("upload-%d", f.nextUploadID)
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeS3Client) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", *params.PartNumber))}, nil
}

func (f *fakeS3Client) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[*params.Key] = true
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3Client) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted[*params.Key] = true
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headCalls++
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	return &s3.GetObjectOutput{}, nil
}

func (f *fakeS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return &s3.ListObjectsV2Output{}, nil
}

func (f *fakeS3Client) DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.multiDelCalls++
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3Client) PutBucketAcl(ctx context.Context, params *s3.PutBucketAclInput, optFns ...func(*s3.Options)) (*s3.PutBucketAclOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putBucketACLs++
	return &s3.PutBucketAclOutput{}, nil
}

func (f *fakeS3Client) PutObjectAcl(ctx context.Context, params *s3.PutObjectAclInput, optFns ...func(*s3.Options)) (*s3.PutObjectAclOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putObjACLs++
	return &s3.PutObjectAclOutput{}, nil
}

func (f *fakeS3Client) GetObjectAcl(ctx context.Context, params *s3.GetObjectAclInput, optFns ...func(*s3.Options)) (*s3.GetObjectAclOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getObjACLs++
	return &s3.GetObjectAclOutput{}, nil
}

func (f *fakeS3Client) GetBucketAcl(ctx context.Context, params *s3.GetBucketAclInput, optFns ...func(*s3.Options)) (*s3.GetBucketAclOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getBucketACLs++
	return &s3.GetBucketAclOutput{}, nil
}

func newTestS3Exec(client *fakeS3Client) *S3Exec {
	return &S3Exec{client: client, registry: s3upload.NewRegistry()}
}

func s3TestConfig() *benchconfig.Config {
	return &benchconfig.Config{
		TargetPaths:   []string{"prefix"},
		NumFiles:      2,
		FileSizeBytes: 1024,
		S3:            &benchconfig.S3Config{Bucket: "mybucket"},
	}
}

func TestS3ExecCreateFilesUploadsAndCompletesSinglePartObjects(t *testing.T) {
	client := newFakeS3Client()
	exec := newTestS3Exec(client)
	cfg := s3TestConfig()

	// Each rank contributes one part to its own object (fileSizeBytes fits
	// within a single part), so CompleteMultipartUpload fires immediately.
	require.NoError(t, exec.RunPhase(context.Background(), phase.CreateFiles, 0, cfg))

	assert.Equal(t, 2, len(client.completed))
}

func TestS3ExecRejectsMissingBucket(t *testing.T) {
	client := newFakeS3Client()
	exec := newTestS3Exec(client)
	cfg := s3TestConfig()
	cfg.S3 = nil

	err := exec.RunPhase(context.Background(), phase.CreateFiles, 0, cfg)
	assert.Error(t, err)
}

func TestS3ExecDirPhasesAreNoOps(t *testing.T) {
	client := newFakeS3Client()
	exec := newTestS3Exec(client)
	cfg := s3TestConfig()

	assert.NoError(t, exec.RunPhase(context.Background(), phase.CreateDirs, 0, cfg))
	assert.NoError(t, exec.RunPhase(context.Background(), phase.DeleteDirs, 0, cfg))
	assert.Zero(t, client.headCalls)
}

func TestS3ExecStatReadDeletePhases(t *testing.T) {
	client := newFakeS3Client()
	exec := newTestS3Exec(client)
	cfg := s3TestConfig()

	require.NoError(t, exec.RunPhase(context.Background(), phase.StatFiles, 0, cfg))
	require.NoError(t, exec.RunPhase(context.Background(), phase.ReadFiles, 0, cfg))
	require.NoError(t, exec.RunPhase(context.Background(), phase.DeleteFiles, 0, cfg))

	assert.Equal(t, cfg.NumFiles, client.headCalls)
	assert.Equal(t, cfg.NumFiles, client.getCalls)
	assert.Equal(t, cfg.NumFiles, client.deleteCalls)
}

func TestS3ExecListAndACLPhases(t *testing.T) {
	client := newFakeS3Client()
	exec := newTestS3Exec(client)
	cfg := s3TestConfig()

	require.NoError(t, exec.RunPhase(context.Background(), phase.ListObjects, 0, cfg))
	require.NoError(t, exec.RunPhase(context.Background(), phase.MultiDelObj, 0, cfg))
	require.NoError(t, exec.RunPhase(context.Background(), phase.PutBucketACL, 0, cfg))
	require.NoError(t, exec.RunPhase(context.Background(), phase.PutObjACL, 0, cfg))
	require.NoError(t, exec.RunPhase(context.Background(), phase.GetObjACL, 0, cfg))
	require.NoError(t, exec.RunPhase(context.Background(), phase.GetBucketACL, 0, cfg))

	assert.Equal(t, 1, client.listCalls)
	assert.Equal(t, 1, client.multiDelCalls)
	assert.Equal(t, 1, client.putBucketACLs)
	assert.Equal(t, cfg.NumFiles, client.putObjACLs)
	assert.Equal(t, cfg.NumFiles, client.getObjACLs)
	assert.Equal(t, 1, client.getBucketACLs)
}

func TestS3ExecAbortAllUnfinishedAbortsOutstandingUploads(t *testing.T) {
	client := newFakeS3Client()
	exec := newTestS3Exec(client)

	// Create an upload and register no parts for it, so it remains
	// "unfinished".
	_, err := exec.registry.GetOrCreateUploadID(context.Background(), client, "mybucket", "bigobj")
	require.NoError(t, err)

	exec.AbortAllUnfinished(context.Background())

	assert.True(t, client.aborted["bigobj"])
}
