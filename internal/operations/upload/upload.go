// Package upload coordinates single-object uploads: part sizing, the
// single-PUT versus multipart decision, concurrent part I/O, and the
// multipart lifecycle with abort-on-failure.
package upload

import (
	"bytes"
	"context"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awstypes "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/treno-io/s3transfer/errors"
	"github.com/treno-io/s3transfer/internal/admission"
	"github.com/treno-io/s3transfer/internal/partio"
	"github.com/treno-io/s3transfer/internal/progress"
	"github.com/treno-io/s3transfer/internal/s3api"
	"github.com/treno-io/s3transfer/transfertypes"
)

// Coordinator drives single-object uploads through the admission-controlled
// S3 client.
type Coordinator struct {
	client  s3api.S3API
	buckets *admission.BucketLimiter
	log     zerolog.Logger
}

// New creates an upload coordinator.
func New(client s3api.S3API, buckets *admission.BucketLimiter, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		client:  client,
		buckets: buckets,
		log:     log,
	}
}

// Plan is the derived shape of a multipart upload.
type Plan struct {
	// PayloadSize is the total body length in bytes.
	PayloadSize int64

	// PartSize is the resolved size of every part but the last.
	PartSize int64

	// NumParts is the part count, between 1 and MaxUploadParts.
	NumParts int32
}

// BuildPlan derives the part layout for a payload. The part size is the
// configured target raised, when necessary, to keep the part count within
// S3's 10,000-part cap.
func BuildPlan(payloadSize, targetPartSize int64) Plan {
	partSize := targetPartSize
	if minPartSize := (payloadSize + transfertypes.MaxUploadParts - 1) / transfertypes.MaxUploadParts; minPartSize > partSize {
		partSize = minPartSize
	}
	numParts := payloadSize / partSize
	if payloadSize%partSize != 0 {
		numParts++
	}
	if numParts < 1 {
		numParts = 1
	}
	return Plan{
		PayloadSize: payloadSize,
		PartSize:    partSize,
		NumParts:    int32(numParts),
	}
}

// PartLength returns the byte length of the given 1-based part number.
func (p Plan) PartLength(partNumber int32) int64 {
	if partNumber == p.NumParts {
		return p.PayloadSize - int64(p.NumParts-1)*p.PartSize
	}
	return p.PartSize
}

// Upload moves one object to S3, choosing single PUT or multipart by the
// configured threshold. Cancellation of ctx after CreateMultipartUpload
// still results in exactly one abort attempt.
func (c *Coordinator) Upload(
	ctx context.Context,
	req *transfertypes.UploadRequest,
	cfg *transfertypes.Config,
	tracker *progress.Tracker,
) (*transfertypes.UploadResult, error) {
	reader, err := partio.ForBody(req.Body)
	if err != nil {
		return nil, err
	}
	size := reader.Size()
	tracker.SetTotal(size)

	algorithm := req.ChecksumAlgorithm
	if algorithm == "" {
		algorithm = transfertypes.PreferredChecksumAlgorithm()
	}

	if size < cfg.MultipartThreshold {
		return c.putObject(ctx, req, reader, size, algorithm, tracker)
	}
	return c.multipartUpload(ctx, req, cfg, reader, size, algorithm, tracker)
}

// putObject performs a single-request upload.
func (c *Coordinator) putObject(
	ctx context.Context,
	req *transfertypes.UploadRequest,
	reader partio.Reader,
	size int64,
	algorithm transfertypes.ChecksumAlgorithm,
	tracker *progress.Tracker,
) (*transfertypes.UploadResult, error) {
	data, err := reader.ReadPart(1, 0, size)
	if err != nil {
		return nil, err
	}

	input := &s3.PutObjectInput{
		Bucket:            aws.String(req.Bucket),
		Key:               aws.String(req.Key),
		Body:              bytes.NewReader(data),
		ContentLength:     aws.Int64(size),
		ChecksumAlgorithm: sdkChecksumAlgorithm(algorithm),
	}
	if req.ContentType != "" {
		input.ContentType = aws.String(req.ContentType)
	}
	if len(req.Metadata) > 0 {
		input.Metadata = req.Metadata
	}
	if req.StorageClass != "" {
		input.StorageClass = awstypes.StorageClass(req.StorageClass)
	}
	if req.FullObjectChecksum != "" {
		setChecksumValue(algorithm, req.FullObjectChecksum,
			&input.ChecksumCRC32, &input.ChecksumCRC32C, &input.ChecksumCRC64NVME,
			&input.ChecksumSHA1, &input.ChecksumSHA256)
	}

	var output *s3.PutObjectOutput
	err = c.buckets.WithPermission(ctx, req.Bucket, func(ctx context.Context) error {
		var putErr error
		output, putErr = c.client.PutObject(ctx, input)
		return putErr
	})
	if err != nil {
		return nil, errors.NewObjectError("putObject", req.Bucket, req.Key, err)
	}

	tracker.Add(size)

	return &transfertypes.UploadResult{
		Bucket:    req.Bucket,
		Key:       req.Key,
		ETag:      aws.ToString(output.ETag),
		VersionID: aws.ToString(output.VersionId),
		Size:      size,
		Parts:     1,
	}, nil
}

// multipartUpload drives the Create / UploadPart* / Complete lifecycle. Any
// failure after a successful Create, including cancellation, triggers
// exactly one AbortMultipartUpload attempt.
func (c *Coordinator) multipartUpload(
	ctx context.Context,
	req *transfertypes.UploadRequest,
	cfg *transfertypes.Config,
	reader partio.Reader,
	size int64,
	algorithm transfertypes.ChecksumAlgorithm,
	tracker *progress.Tracker,
) (*transfertypes.UploadResult, error) {
	plan := BuildPlan(size, cfg.TargetPartSize)

	uploadID, err := c.create(ctx, req, algorithm)
	if err != nil {
		return nil, err
	}

	parts, err := c.uploadParts(ctx, req, cfg, plan, reader, uploadID, algorithm, tracker)
	if err != nil {
		return nil, c.abortAfter(ctx, req, uploadID, err)
	}

	output, err := c.complete(ctx, req, uploadID, parts, algorithm)
	if err != nil {
		return nil, c.abortAfter(ctx, req, uploadID, err)
	}

	return &transfertypes.UploadResult{
		Bucket:    req.Bucket,
		Key:       req.Key,
		ETag:      aws.ToString(output.ETag),
		VersionID: aws.ToString(output.VersionId),
		Size:      size,
		Parts:     plan.NumParts,
	}, nil
}

func (c *Coordinator) create(
	ctx context.Context,
	req *transfertypes.UploadRequest,
	algorithm transfertypes.ChecksumAlgorithm,
) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket:            aws.String(req.Bucket),
		Key:               aws.String(req.Key),
		ChecksumAlgorithm: sdkChecksumAlgorithm(algorithm),
		ChecksumType:      awstypes.ChecksumTypeComposite,
	}
	if req.FullObjectChecksum != "" {
		input.ChecksumType = awstypes.ChecksumTypeFullObject
	}
	if req.ContentType != "" {
		input.ContentType = aws.String(req.ContentType)
	}
	if len(req.Metadata) > 0 {
		input.Metadata = req.Metadata
	}
	if req.StorageClass != "" {
		input.StorageClass = awstypes.StorageClass(req.StorageClass)
	}

	var output *s3.CreateMultipartUploadOutput
	err := c.buckets.WithPermission(ctx, req.Bucket, func(ctx context.Context) error {
		var createErr error
		output, createErr = c.client.CreateMultipartUpload(ctx, input)
		return createErr
	})
	if err != nil {
		return "", errors.NewObjectError("createMultipartUpload", req.Bucket, req.Key,
			errors.ErrCreateMultipartUpload).WithMessage(err.Error())
	}
	return aws.ToString(output.UploadId), nil
}

// uploadParts partitions [1..NumParts] into contiguous batches of the
// per-bucket limit and uploads each batch concurrently. Part order within a
// batch is arbitrary; the returned slice is sorted for the commit.
func (c *Coordinator) uploadParts(
	ctx context.Context,
	req *transfertypes.UploadRequest,
	cfg *transfertypes.Config,
	plan Plan,
	reader partio.Reader,
	uploadID string,
	algorithm transfertypes.ChecksumAlgorithm,
	tracker *progress.Tracker,
) ([]awstypes.CompletedPart, error) {
	completed := make([]awstypes.CompletedPart, plan.NumParts)
	batch := int32(cfg.ConcurrentTaskLimitPerBucket)

	for lo := int32(1); lo <= plan.NumParts; lo += batch {
		hi := lo + batch - 1
		if hi > plan.NumParts {
			hi = plan.NumParts
		}

		g, gctx := errgroup.WithContext(ctx)
		for partNumber := lo; partNumber <= hi; partNumber++ {
			g.Go(func() error {
				return c.uploadPart(gctx, req, plan, reader, uploadID, algorithm, partNumber, completed, tracker)
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	collected := int32(0)
	for _, part := range completed {
		if part.PartNumber != nil {
			collected++
		}
	}
	if collected != plan.NumParts {
		return nil, &errors.IncorrectPartCountError{Expected: plan.NumParts, Actual: collected}
	}

	// The completed-part list is position-sensitive at S3.
	sort.Slice(completed, func(i, j int) bool {
		return aws.ToInt32(completed[i].PartNumber) < aws.ToInt32(completed[j].PartNumber)
	})
	return completed, nil
}

func (c *Coordinator) uploadPart(
	ctx context.Context,
	req *transfertypes.UploadRequest,
	plan Plan,
	reader partio.Reader,
	uploadID string,
	algorithm transfertypes.ChecksumAlgorithm,
	partNumber int32,
	completed []awstypes.CompletedPart,
	tracker *progress.Tracker,
) error {
	return c.buckets.WithPermission(ctx, req.Bucket, func(ctx context.Context) error {
		offset := int64(partNumber-1) * plan.PartSize
		length := plan.PartLength(partNumber)

		data, err := reader.ReadPart(partNumber, offset, length)
		if err != nil {
			return err
		}
		if int64(len(data)) != length {
			return &errors.PartShortReadError{PartNumber: partNumber, Expected: length, Actual: int64(len(data))}
		}

		input := &s3.UploadPartInput{
			Bucket:            aws.String(req.Bucket),
			Key:               aws.String(req.Key),
			UploadId:          aws.String(uploadID),
			PartNumber:        aws.Int32(partNumber),
			Body:              bytes.NewReader(data),
			ContentLength:     aws.Int64(length),
			ChecksumAlgorithm: sdkChecksumAlgorithm(algorithm),
		}

		output, err := c.client.UploadPart(ctx, input)
		if err != nil {
			return errors.NewObjectError("uploadPart", req.Bucket, req.Key, err)
		}

		completed[partNumber-1] = awstypes.CompletedPart{
			PartNumber:        aws.Int32(partNumber),
			ETag:              output.ETag,
			ChecksumCRC32:     output.ChecksumCRC32,
			ChecksumCRC32C:    output.ChecksumCRC32C,
			ChecksumCRC64NVME: output.ChecksumCRC64NVME,
			ChecksumSHA1:      output.ChecksumSHA1,
			ChecksumSHA256:    output.ChecksumSHA256,
		}

		tracker.Add(length)
		return nil
	})
}

func (c *Coordinator) complete(
	ctx context.Context,
	req *transfertypes.UploadRequest,
	uploadID string,
	parts []awstypes.CompletedPart,
	algorithm transfertypes.ChecksumAlgorithm,
) (*s3.CompleteMultipartUploadOutput, error) {
	input := &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(req.Bucket),
		Key:      aws.String(req.Key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &awstypes.CompletedMultipartUpload{
			Parts: parts,
		},
	}
	if req.FullObjectChecksum != "" {
		input.ChecksumType = awstypes.ChecksumTypeFullObject
		setChecksumValue(algorithm, req.FullObjectChecksum,
			&input.ChecksumCRC32, &input.ChecksumCRC32C, &input.ChecksumCRC64NVME,
			&input.ChecksumSHA1, &input.ChecksumSHA256)
	}

	var output *s3.CompleteMultipartUploadOutput
	err := c.buckets.WithPermission(ctx, req.Bucket, func(ctx context.Context) error {
		var completeErr error
		output, completeErr = c.client.CompleteMultipartUpload(ctx, input)
		return completeErr
	})
	if err != nil {
		return nil, errors.NewObjectError("completeMultipartUpload", req.Bucket, req.Key, err)
	}
	return output, nil
}

// abortAfter attempts exactly one AbortMultipartUpload after original broke
// the upload. The abort runs even when original is the caller's own
// cancellation, so the upload ID is never leaked.
func (c *Coordinator) abortAfter(
	ctx context.Context,
	req *transfertypes.UploadRequest,
	uploadID string,
	original error,
) error {
	abortCtx := context.WithoutCancel(ctx)

	input := &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(req.Bucket),
		Key:      aws.String(req.Key),
		UploadId: aws.String(uploadID),
	}
	abortErr := c.buckets.WithPermission(abortCtx, req.Bucket, func(ctx context.Context) error {
		_, err := c.client.AbortMultipartUpload(ctx, input)
		return err
	})
	if abortErr != nil {
		c.log.Error().Err(abortErr).
			Str("bucket", req.Bucket).Str("key", req.Key).Str("uploadID", uploadID).
			Msg("failed to abort multipart upload")
		return &errors.AbortFailedError{Original: original, AbortErr: abortErr}
	}
	return original
}

func sdkChecksumAlgorithm(a transfertypes.ChecksumAlgorithm) awstypes.ChecksumAlgorithm {
	switch a {
	case transfertypes.ChecksumCRC32C:
		return awstypes.ChecksumAlgorithmCrc32c
	case transfertypes.ChecksumCRC64NVME:
		return awstypes.ChecksumAlgorithmCrc64nvme
	case transfertypes.ChecksumSHA1:
		return awstypes.ChecksumAlgorithmSha1
	case transfertypes.ChecksumSHA256:
		return awstypes.ChecksumAlgorithmSha256
	default:
		return awstypes.ChecksumAlgorithmCrc32
	}
}

// setChecksumValue routes a whole-object checksum value to the field
// matching the chosen algorithm.
func setChecksumValue(
	algorithm transfertypes.ChecksumAlgorithm,
	value string,
	crc32, crc32c, crc64nvme, sha1, sha256 **string,
) {
	switch algorithm {
	case transfertypes.ChecksumCRC32C:
		*crc32c = aws.String(value)
	case transfertypes.ChecksumCRC64NVME:
		*crc64nvme = aws.String(value)
	case transfertypes.ChecksumSHA1:
		*sha1 = aws.String(value)
	case transfertypes.ChecksumSHA256:
		*sha256 = aws.String(value)
	default:
		*crc32 = aws.String(value)
	}
}
