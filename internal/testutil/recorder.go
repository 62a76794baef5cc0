package testutil

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/treno-io/s3transfer/internal/s3api"
)

// Call is one recorded S3 invocation.
type Call struct {
	// Op names the S3 operation ("PutObject", "UploadPart", ...).
	Op string

	// Input is the request struct as received.
	Input any
}

// RecordingS3Client wraps another S3API and records every call in order, so
// tests can assert on call counts, inputs, and invariants like If-Match
// presence or abort-exactly-once.
type RecordingS3Client struct {
	Inner s3api.S3API

	mu    sync.Mutex
	calls []Call
}

// NewRecordingS3Client wraps inner with call recording.
func NewRecordingS3Client(inner s3api.S3API) *RecordingS3Client {
	return &RecordingS3Client{Inner: inner}
}

// Calls returns a copy of the recorded calls in invocation order.
func (r *RecordingS3Client) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallsTo returns the recorded inputs for one operation, in order.
func (r *RecordingS3Client) CallsTo(op string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, c := range r.calls {
		if c.Op == op {
			out = append(out, c.Input)
		}
	}
	return out
}

// CountOf returns how many times op was invoked.
func (r *RecordingS3Client) CountOf(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (r *RecordingS3Client) record(op string, input any) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Op: op, Input: input})
	r.mu.Unlock()
}

// PutObject records and forwards.
func (r *RecordingS3Client) PutObject(
	ctx context.Context,
	params *s3.PutObjectInput,
	optFns ...func(*s3.Options),
) (*s3.PutObjectOutput, error) {
	r.record("PutObject", params)
	return r.Inner.PutObject(ctx, params, optFns...)
}

// GetObject records and forwards.
func (r *RecordingS3Client) GetObject(
	ctx context.Context,
	params *s3.GetObjectInput,
	optFns ...func(*s3.Options),
) (*s3.GetObjectOutput, error) {
	r.record("GetObject", params)
	return r.Inner.GetObject(ctx, params, optFns...)
}

// CreateMultipartUpload records and forwards.
func (r *RecordingS3Client) CreateMultipartUpload(
	ctx context.Context,
	params *s3.CreateMultipartUploadInput,
	optFns ...func(*s3.Options),
) (*s3.CreateMultipartUploadOutput, error) {
	r.record("CreateMultipartUpload", params)
	return r.Inner.CreateMultipartUpload(ctx, params, optFns...)
}

// UploadPart records and forwards.
func (r *RecordingS3Client) UploadPart(
	ctx context.Context,
	params *s3.UploadPartInput,
	optFns ...func(*s3.Options),
) (*s3.UploadPartOutput, error) {
	r.record("UploadPart", params)
	return r.Inner.UploadPart(ctx, params, optFns...)
}

// CompleteMultipartUpload records and forwards.
func (r *RecordingS3Client) CompleteMultipartUpload(
	ctx context.Context,
	params *s3.CompleteMultipartUploadInput,
	optFns ...func(*s3.Options),
) (*s3.CompleteMultipartUploadOutput, error) {
	r.record("CompleteMultipartUpload", params)
	return r.Inner.CompleteMultipartUpload(ctx, params, optFns...)
}

// AbortMultipartUpload records and forwards.
func (r *RecordingS3Client) AbortMultipartUpload(
	ctx context.Context,
	params *s3.AbortMultipartUploadInput,
	optFns ...func(*s3.Options),
) (*s3.AbortMultipartUploadOutput, error) {
	r.record("AbortMultipartUpload", params)
	return r.Inner.AbortMultipartUpload(ctx, params, optFns...)
}

// ListObjectsV2 records and forwards.
func (r *RecordingS3Client) ListObjectsV2(
	ctx context.Context,
	params *s3.ListObjectsV2Input,
	optFns ...func(*s3.Options),
) (*s3.ListObjectsV2Output, error) {
	r.record("ListObjectsV2", params)
	return r.Inner.ListObjectsV2(ctx, params, optFns...)
}

// Ensure RecordingS3Client implements s3api.S3API interface
var _ s3api.S3API = (*RecordingS3Client)(nil)
