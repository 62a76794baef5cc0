package upload

import (
	"bytes"
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awstypes "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	s3transfererrors "github.com/treno-io/s3transfer/errors"
	"github.com/treno-io/s3transfer/internal/admission"
	"github.com/treno-io/s3transfer/internal/progress"
	"github.com/treno-io/s3transfer/internal/testutil"
	"github.com/treno-io/s3transfer/transfertypes"
)

func newTestConfig(target, threshold int64, perBucket int) *transfertypes.Config {
	cfg := &transfertypes.Config{
		TargetPartSize:               target,
		MultipartThreshold:           threshold,
		ConcurrentTaskLimitPerBucket: perBucket,
	}
	cfg.ApplyDefaults()
	return cfg
}

func newTestTracker() *progress.Tracker {
	return progress.NewTracker("bucket", "key", -1, nil, zerolog.Nop())
}

func TestBuildPlan(t *testing.T) {
	tests := []struct {
		name         string
		payloadSize  int64
		targetSize   int64
		wantPartSize int64
		wantParts    int32
	}{
		{
			name:         "exact multiple",
			payloadSize:  100_000_000,
			targetSize:   10_000_000,
			wantPartSize: 10_000_000,
			wantParts:    10,
		},
		{
			name:         "remainder gets extra part",
			payloadSize:  103,
			targetSize:   10,
			wantPartSize: 10,
			wantParts:    11,
		},
		{
			name:         "single part",
			payloadSize:  5,
			targetSize:   10,
			wantPartSize: 10,
			wantParts:    1,
		},
		{
			name:         "part size raised to stay under the part cap",
			payloadSize:  30_000_000,
			targetSize:   1_000,
			wantPartSize: 3_000,
			wantParts:    10_000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := BuildPlan(tt.payloadSize, tt.targetSize)
			assert.Equal(t, tt.wantPartSize, plan.PartSize)
			assert.Equal(t, tt.wantParts, plan.NumParts)

			// part count invariant
			assert.GreaterOrEqual(t, int64(plan.NumParts)*plan.PartSize, plan.PayloadSize)
			assert.Greater(t, plan.PayloadSize, int64(plan.NumParts-1)*plan.PartSize)
			assert.LessOrEqual(t, plan.NumParts, int32(transfertypes.MaxUploadParts))
		})
	}
}

func TestPlanPartLength(t *testing.T) {
	plan := BuildPlan(103, 10)
	var total int64
	for pn := int32(1); pn <= plan.NumParts; pn++ {
		total += plan.PartLength(pn)
	}
	assert.Equal(t, int64(103), total)
	assert.Equal(t, int64(3), plan.PartLength(plan.NumParts))
}

func TestUploadBelowThresholdUsesSinglePut(t *testing.T) {
	store := testutil.NewFakeObjectStore()
	recorder := testutil.NewRecordingS3Client(store)
	coordinator := New(recorder, admission.NewBucketLimiter(4), zerolog.Nop())

	payload := bytes.Repeat([]byte("x"), 1_000_000)
	req := &transfertypes.UploadRequest{
		Bucket: "bucket",
		Key:    "small.bin",
		Body:   transfertypes.InMemoryBody{Data: payload},
	}

	result, err := coordinator.Upload(context.Background(), req, newTestConfig(8_000_000, 16_000_000, 4), newTestTracker())
	require.NoError(t, err)

	assert.Equal(t, 1, recorder.CountOf("PutObject"))
	assert.Equal(t, 0, recorder.CountOf("CreateMultipartUpload"))
	assert.Equal(t, int32(1), result.Parts)
	assert.Equal(t, int64(1_000_000), result.Size)

	stored, ok := store.Object("bucket", "small.bin")
	require.True(t, ok)
	assert.Equal(t, payload, stored.Data)
}

func TestUploadMultipartAssemblesAllParts(t *testing.T) {
	store := testutil.NewFakeObjectStore()
	recorder := testutil.NewRecordingS3Client(store)
	coordinator := New(recorder, admission.NewBucketLimiter(3), zerolog.Nop())

	payload := make([]byte, 103)
	for i := range payload {
		payload[i] = byte(i)
	}
	req := &transfertypes.UploadRequest{
		Bucket: "bucket",
		Key:    "large.bin",
		Body:   transfertypes.InMemoryBody{Data: payload},
	}

	result, err := coordinator.Upload(context.Background(), req, newTestConfig(10, 50, 3), newTestTracker())
	require.NoError(t, err)

	assert.Equal(t, 1, recorder.CountOf("CreateMultipartUpload"))
	assert.Equal(t, 11, recorder.CountOf("UploadPart"))
	assert.Equal(t, 1, recorder.CountOf("CompleteMultipartUpload"))
	assert.Equal(t, 0, recorder.CountOf("AbortMultipartUpload"))
	assert.Equal(t, int32(11), result.Parts)

	stored, ok := store.Object("bucket", "large.bin")
	require.True(t, ok)
	assert.Equal(t, payload, stored.Data)

	// the commit must list parts 1..11 strictly ascending with no gaps
	completes := recorder.CallsTo("CompleteMultipartUpload")
	require.Len(t, completes, 1)
	parts := completes[0].(*s3.CompleteMultipartUploadInput).MultipartUpload.Parts
	require.Len(t, parts, 11)
	for i, part := range parts {
		assert.Equal(t, int32(i+1), aws.ToInt32(part.PartNumber))
		assert.NotNil(t, part.ETag)
	}
}

func TestUploadSeekableBody(t *testing.T) {
	store := testutil.NewFakeObjectStore()
	coordinator := New(store, admission.NewBucketLimiter(2), zerolog.Nop())

	payload := bytes.Repeat([]byte("abcdefgh"), 32)
	req := &transfertypes.UploadRequest{
		Bucket: "bucket",
		Key:    "stream.bin",
		Body: transfertypes.SeekableBody{
			Reader: bytes.NewReader(payload),
			Size:   int64(len(payload)),
		},
	}

	_, err := coordinator.Upload(context.Background(), req, newTestConfig(64, 100, 2), newTestTracker())
	require.NoError(t, err)

	stored, ok := store.Object("bucket", "stream.bin")
	require.True(t, ok)
	assert.Equal(t, payload, stored.Data)
}

func TestUploadRejectsUnknownLengthBody(t *testing.T) {
	coordinator := New(testutil.NewFakeObjectStore(), admission.NewBucketLimiter(2), zerolog.Nop())

	req := &transfertypes.UploadRequest{
		Bucket: "bucket",
		Key:    "key",
		Body:   transfertypes.SeekableBody{Reader: failingSeeker{}, Size: -1},
	}

	_, err := coordinator.Upload(context.Background(), req, newTestConfig(10, 50, 2), newTestTracker())
	require.ErrorIs(t, err, s3transfererrors.ErrUnknownLengthBody)
}

type failingSeeker struct{}

func (failingSeeker) Read([]byte) (int, error)       { return 0, assert.AnError }
func (failingSeeker) Seek(int64, int) (int64, error) { return 0, assert.AnError }

func TestUploadPartFailureAbortsOnce(t *testing.T) {
	mock := &testutil.MockS3Client{
		CreateMultipartUploadFunc: func(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
			return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil
		},
		UploadPartFunc: func(_ context.Context, params *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
			if aws.ToInt32(params.PartNumber) == 2 {
				return nil, assert.AnError
			}
			return &s3.UploadPartOutput{ETag: aws.String("\"etag\"")}, nil
		},
	}
	recorder := testutil.NewRecordingS3Client(mock)
	coordinator := New(recorder, admission.NewBucketLimiter(2), zerolog.Nop())

	req := &transfertypes.UploadRequest{
		Bucket: "bucket",
		Key:    "key",
		Body:   transfertypes.InMemoryBody{Data: make([]byte, 100)},
	}

	_, err := coordinator.Upload(context.Background(), req, newTestConfig(10, 50, 2), newTestTracker())
	require.Error(t, err)

	assert.Equal(t, 1, recorder.CountOf("AbortMultipartUpload"))
	assert.Equal(t, 0, recorder.CountOf("CompleteMultipartUpload"))
}

func TestUploadAbortFailureKeepsOriginalError(t *testing.T) {
	mock := &testutil.MockS3Client{
		CreateMultipartUploadFunc: func(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
			return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil
		},
		UploadPartFunc: func(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
			return nil, assert.AnError
		},
		AbortMultipartUploadFunc: func(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
			return nil, assert.AnError
		},
	}
	coordinator := New(mock, admission.NewBucketLimiter(2), zerolog.Nop())

	req := &transfertypes.UploadRequest{
		Bucket: "bucket",
		Key:    "key",
		Body:   transfertypes.InMemoryBody{Data: make([]byte, 100)},
	}

	_, err := coordinator.Upload(context.Background(), req, newTestConfig(10, 50, 2), newTestTracker())
	require.Error(t, err)

	var abortFailed *s3transfererrors.AbortFailedError
	require.ErrorAs(t, err, &abortFailed)
	assert.ErrorIs(t, abortFailed.Original, assert.AnError)
	assert.Error(t, abortFailed.AbortErr)
}

func TestUploadCancellationAbortsUpload(t *testing.T) {
	started := make(chan struct{})
	mock := &testutil.MockS3Client{
		CreateMultipartUploadFunc: func(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
			return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil
		},
		UploadPartFunc: func(ctx context.Context, params *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	recorder := testutil.NewRecordingS3Client(mock)
	coordinator := New(recorder, admission.NewBucketLimiter(2), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		req := &transfertypes.UploadRequest{
			Bucket: "bucket",
			Key:    "key",
			Body:   transfertypes.InMemoryBody{Data: make([]byte, 100)},
		}
		_, err := coordinator.Upload(ctx, req, newTestConfig(10, 50, 2), newTestTracker())
		errCh <- err
	}()

	<-started
	cancel()

	err := <-errCh
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, recorder.CountOf("AbortMultipartUpload"))
}

func TestUploadChecksumTypes(t *testing.T) {
	store := testutil.NewFakeObjectStore()
	recorder := testutil.NewRecordingS3Client(store)
	coordinator := New(recorder, admission.NewBucketLimiter(2), zerolog.Nop())

	req := &transfertypes.UploadRequest{
		Bucket: "bucket",
		Key:    "composite.bin",
		Body:   transfertypes.InMemoryBody{Data: make([]byte, 100)},
	}
	_, err := coordinator.Upload(context.Background(), req, newTestConfig(10, 50, 2), newTestTracker())
	require.NoError(t, err)

	creates := recorder.CallsTo("CreateMultipartUpload")
	require.Len(t, creates, 1)
	create := creates[0].(*s3.CreateMultipartUploadInput)
	assert.Equal(t, awstypes.ChecksumTypeComposite, create.ChecksumType)
	assert.Equal(t, awstypes.ChecksumAlgorithmCrc32, create.ChecksumAlgorithm)

	full := &transfertypes.UploadRequest{
		Bucket:             "bucket",
		Key:                "full.bin",
		Body:               transfertypes.InMemoryBody{Data: make([]byte, 100)},
		ChecksumAlgorithm:  transfertypes.ChecksumCRC32C,
		FullObjectChecksum: "AAAAAA==",
	}
	_, err = coordinator.Upload(context.Background(), full, newTestConfig(10, 50, 2), newTestTracker())
	require.NoError(t, err)

	creates = recorder.CallsTo("CreateMultipartUpload")
	require.Len(t, creates, 2)
	create = creates[1].(*s3.CreateMultipartUploadInput)
	assert.Equal(t, awstypes.ChecksumTypeFullObject, create.ChecksumType)
	assert.Equal(t, awstypes.ChecksumAlgorithmCrc32c, create.ChecksumAlgorithm)

	completes := recorder.CallsTo("CompleteMultipartUpload")
	require.Len(t, completes, 2)
	complete := completes[1].(*s3.CompleteMultipartUploadInput)
	assert.Equal(t, "AAAAAA==", aws.ToString(complete.ChecksumCRC32C))
}

func TestUploadProgressReachesPayloadSize(t *testing.T) {
	store := testutil.NewFakeObjectStore()
	coordinator := New(store, admission.NewBucketLimiter(2), zerolog.Nop())
	tracker := newTestTracker()

	payload := make([]byte, 103)
	req := &transfertypes.UploadRequest{
		Bucket: "bucket",
		Key:    "key",
		Body:   transfertypes.InMemoryBody{Data: payload},
	}

	_, err := coordinator.Upload(context.Background(), req, newTestConfig(10, 50, 2), tracker)
	require.NoError(t, err)
	assert.Equal(t, int64(103), tracker.Transferred())
}
