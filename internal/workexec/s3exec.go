package workexec

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/cuemby/iobench/internal/benchconfig"
	"github.com/cuemby/iobench/internal/phase"
	"github.com/cuemby/iobench/internal/s3upload"
)

const defaultPartSize = 5 * 1024 * 1024

// s3API is the subset of *s3.Client used below, letting tests substitute a
// fake without an AWS endpoint.
type s3API interface {
	s3upload.S3API
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	PutBucketAcl(ctx context.Context, params *s3.PutBucketAclInput, optFns ...func(*s3.Options)) (*s3.PutBucketAclOutput, error)
	PutObjectAcl(ctx context.Context, params *s3.PutObjectAclInput, optFns ...func(*s3.Options)) (*s3.PutObjectAclOutput, error)
	GetObjectAcl(ctx context.Context, params *s3.GetObjectAclInput, optFns ...func(*s3.Options)) (*s3.GetObjectAclOutput, error)
	GetBucketAcl(ctx context.Context, params *s3.GetBucketAclInput, optFns ...func(*s3.Options)) (*s3.GetBucketAclOutput, error)
}

// S3Exec is the PhaseExecutor for S3-backed runs: object CRUD, listing,
// multi-delete, and the ACL phases, with CREATEFILES going through the
// cooperative multipart-upload contract in internal/s3upload.
//
// Each rank gets its own S3Exec, but every rank prepared together shares one
// Registry, so the Registry coordinates concurrent ranks uploading parts of
// the same object.
type S3Exec struct {
	client   s3API
	registry *s3upload.Registry
}

// NewS3Exec builds an S3Exec against client, sharing registry across every
// rank that was prepared with it (callers construct one Registry per
// PREPAREPHASE and pass it to every rank's S3Exec).
func NewS3Exec(client *s3.Client, registry *s3upload.Registry) *S3Exec {
	return &S3Exec{client: client, registry: registry}
}

func (e *S3Exec) RunPhase(ctx context.Context, p phase.BenchPhase, rank int, cfg *benchconfig.Config) error {
	if cfg.S3 == nil || cfg.S3.Bucket == "" {
		return fmt.Errorf("phase %s requires s3 config with a bucket", p)
	}
	bucket := cfg.S3.Bucket
	base := cfg.TargetPaths[rank%len(cfg.TargetPaths)]

	switch p {
	case phase.Sync, phase.DropCaches, phase.Idle, phase.Terminate, phase.CreateDirs, phase.DeleteDirs:
		// S3 has no directory objects; these phases are no-ops for object
		// storage runs.
		return nil

	case phase.CreateFiles:
		for i := 0; i < cfg.NumFiles; i++ {
			if err := checkCtx(ctx); err != nil {
				return err
			}
			if err := e.uploadCooperativePart(ctx, bucket, objectKey(base, i), cfg.FileSizeBytes, rank); err != nil {
				return err
			}
		}
		return nil

	case phase.StatFiles:
		for i := 0; i < cfg.NumFiles; i++ {
			if err := checkCtx(ctx); err != nil {
				return err
			}
			key := objectKey(base, i)
			if _, err := e.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &bucket, Key: &key}); err != nil {
				return err
			}
		}
		return nil

	case phase.ReadFiles:
		for i := 0; i < cfg.NumFiles; i++ {
			if err := checkCtx(ctx); err != nil {
				return err
			}
			key := objectKey(base, i)
			out, err := e.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
			if err != nil {
				return err
			}
			if out.Body != nil {
				_, _ = out.Body.Read(make([]byte, 0))
				out.Body.Close()
			}
		}
		return nil

	case phase.DeleteFiles:
		for i := 0; i < cfg.NumFiles; i++ {
			if err := checkCtx(ctx); err != nil {
				return err
			}
			key := objectKey(base, i)
			if _, err := e.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &bucket, Key: &key}); err != nil {
				return err
			}
		}
		return nil

	case phase.ListObjects, phase.ListObjParallel:
		_, err := e.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: &bucket, Prefix: &base})
		return err

	case phase.MultiDelObj:
		keys := make([]types.ObjectIdentifier, cfg.NumFiles)
		for i := 0; i < cfg.NumFiles; i++ {
			key := objectKey(base, i)
			keys[i] = types.ObjectIdentifier{Key: &key}
		}
		_, err := e.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: &bucket,
			Delete: &types.Delete{Objects: keys},
		})
		return err

	case phase.PutBucketACL:
		_, err := e.client.PutBucketAcl(ctx, &s3.PutBucketAclInput{Bucket: &bucket, ACL: types.BucketCannedACLPrivate})
		return err

	case phase.PutObjACL:
		for i := 0; i < cfg.NumFiles; i++ {
			key := objectKey(base, i)
			if _, err := e.client.PutObjectAcl(ctx, &s3.PutObjectAclInput{Bucket: &bucket, Key: &key, ACL: types.ObjectCannedACLPrivate}); err != nil {
				return err
			}
		}
		return nil

	case phase.GetObjACL:
		for i := 0; i < cfg.NumFiles; i++ {
			key := objectKey(base, i)
			if _, err := e.client.GetObjectAcl(ctx, &s3.GetObjectAclInput{Bucket: &bucket, Key: &key}); err != nil {
				return err
			}
		}
		return nil

	case phase.GetBucketACL:
		_, err := e.client.GetBucketAcl(ctx, &s3.GetBucketAclInput{Bucket: &bucket})
		return err

	default:
		return fmt.Errorf("unsupported phase: %s", p)
	}
}

func objectKey(base string, fileIdx int) string {
	return fmt.Sprintf("%s/file%d", base, fileIdx)
}

// uploadCooperativePart uploads this rank's share of a shared object through
// the registry's get-or-create / register-completed-part contract: when
// ranks map to the same target path they cooperate on the same object key,
// each contributing one part of the large object.
func (e *S3Exec) uploadCooperativePart(ctx context.Context, bucket, key string, totalSize int64, rank int) error {
	uploadID, err := e.registry.GetOrCreateUploadID(ctx, e.client, bucket, key)
	if err != nil {
		return err
	}

	partSize := defaultPartSize
	if int64(partSize) > totalSize && totalSize > 0 {
		partSize = int(totalSize)
	}
	partNumber := int32(rank + 1)
	payload := make([]byte, partSize)

	out, err := e.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     &bucket,
		Key:        &key,
		UploadId:   &uploadID,
		PartNumber: &partNumber,
		Body:       bytes.NewReader(payload),
	})
	if err != nil {
		return fmt.Errorf("upload part %d failed for %s/%s: %w", partNumber, bucket, key, err)
	}

	parts, ready := e.registry.RegisterCompletedPart(bucket, key, int64(len(payload)), totalSize,
		s3upload.Part{PartNumber: partNumber, ETag: aws.ToString(out.ETag)})
	if !ready {
		return nil
	}

	_, err = e.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          &bucket,
		Key:             &key,
		UploadId:        &uploadID,
		MultipartUpload: s3upload.CompletedMultipartUpload(parts),
	})
	if err != nil {
		return fmt.Errorf("complete multipart upload failed for %s/%s: %w", bucket, key, err)
	}
	return nil
}

// AbortAllUnfinished drains the registry of any in-progress uploads and
// issues AbortMultipartUpload for each, used by the coordinator/control
// server on an interrupted S3 run.
func (e *S3Exec) AbortAllUnfinished(ctx context.Context) {
	for {
		bucket, object, uploadID, ok := e.registry.TakeNextUnfinished()
		if !ok {
			return
		}
		_, _ = e.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   &bucket,
			Key:      &object,
			UploadId: &uploadID,
		})
	}
}
