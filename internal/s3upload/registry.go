// Package s3upload implements the shared S3 multipart-upload coordination
// store that arbitrates among workers cooperating on a single large object:
// exactly one worker creates the upload, each registers its completed parts,
// and the worker that delivers the final byte issues completion.
package s3upload

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/cuemby/iobench/pkg/metrics"
)

// Part is one completed part of a multipart upload.
type Part struct {
	PartNumber int32
	ETag       string
}

// record is the per-key state tracked while an upload is in progress.
// Invariant: bytesDone <= objectTotalSize; a record exists in the registry
// map iff the corresponding upload is in progress.
type record struct {
	uploadID  string
	bytesDone int64
	parts     []Part
}

// Registry is a thread-safe map coordinating multipart uploads across
// cooperating workers on one object. One mutex guards the whole map; none
// of the three operations below nests locks.
type Registry struct {
	mu      sync.Mutex
	records map[Key]*record
}

// NewRegistry creates an empty upload registry. cmd/iobench builds a fresh
// one per PREPAREPHASE and shares it across every rank prepared with it.
func NewRegistry() *Registry {
	return &Registry{records: make(map[Key]*record)}
}

// S3API is the subset of the AWS SDK v2 S3 client the registry needs to
// create multipart uploads. Satisfied by *s3.Client.
type S3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
}

// GetOrCreateUploadID returns the existing uploadID for (bucket, object) if
// one is already in progress, or creates a new multipart upload via S3 and
// registers it. Exactly one CreateMultipartUpload is issued per key per run.
func (r *Registry) GetOrCreateUploadID(ctx context.Context, client S3API, bucket, object string) (string, error) {
	key := Key{Bucket: bucket, Object: object}

	// Held for the whole call, including the S3 round-trip: this is what
	// makes "exactly one CreateMultipartUpload per key" an invariant rather
	// than a best effort.
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[key]; ok {
		return rec.uploadID, nil
	}

	out, err := client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: &bucket,
		Key:    &object,
	})
	if err != nil {
		return "", fmt.Errorf("multipart upload creation failed. Bucket: %s; Object: %s; %w", bucket, object, err)
	}

	r.records[key] = &record{uploadID: *out.UploadId}
	metrics.S3MultipartUploadsStarted.Inc()

	return *out.UploadId, nil
}

// RegisterCompletedPart adds a completed part of a shared multipart upload.
// If no record exists for the key (the upload was already aborted), it
// silently drops the late part and returns (nil, false) - benign, because
// completion is already in flight for that key. When the running byte total
// reaches objectTotalSize, ownership of the parts list transfers to the
// caller, which must issue CompleteMultipartUpload with the parts in
// ascending part-number order (S3 rejects anything else).
func (r *Registry) RegisterCompletedPart(bucket, object string, bytesJustUploaded, objectTotalSize int64, part Part) ([]Part, bool) {
	key := Key{Bucket: bucket, Object: object}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[key]
	if !ok {
		return nil, false
	}

	rec.parts = append(rec.parts, part)
	rec.bytesDone += bytesJustUploaded
	metrics.S3PartsRegistered.Inc()

	if rec.bytesDone < objectTotalSize {
		return nil, false
	}

	// Ready for completion: remove the record and transfer parts ownership.
	parts := rec.parts
	delete(r.records, key)
	metrics.S3MultipartUploadsCompleted.Inc()

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	return parts, true
}

// CompletedMultipartUpload builds the types.CompletedMultipartUpload the
// caller sends to S3 after RegisterCompletedPart returns ownership.
func CompletedMultipartUpload(parts []Part) *types.CompletedMultipartUpload {
	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		pn := p.PartNumber
		etag := p.ETag
		completed[i] = types.CompletedPart{PartNumber: &pn, ETag: &etag}
	}
	return &types.CompletedMultipartUpload{Parts: completed}
}

// TakeNextUnfinished pops and returns one record left over in the registry,
// for the caller to issue AbortMultipartUpload against, typically on an
// interruption drain. ok is false once the registry is empty. This may race
// with workers still adding parts to other keys; that's intentional - it is
// only invoked on error paths where completion is no longer required.
//
// The popped key is the smallest under Key.Less. This makes draining
// deterministic for tests even though the contract only requires "some"
// unfinished upload to come out on each call.
func (r *Registry) TakeNextUnfinished() (bucket, object, uploadID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.records) == 0 {
		return "", "", "", false
	}

	var minKey Key
	first := true
	for k := range r.records {
		if first || k.Less(minKey) {
			minKey = k
			first = false
		}
	}

	rec := r.records[minKey]
	delete(r.records, minKey)
	metrics.S3MultipartUploadsAborted.Inc()

	return minKey.Bucket, minKey.Object, rec.uploadID, true
}

// Len reports the number of uploads currently in progress. Mainly useful
// for tests asserting property 4 (takeNextUnfinished drains to empty in
// finitely many calls).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
