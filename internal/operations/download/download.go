// Package download coordinates single-object downloads: the triage request,
// part-number versus byte-range fan-out, memory-bounded batching, and
// in-order streaming to the caller's sink.
package download

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awstypes "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/treno-io/s3transfer/errors"
	"github.com/treno-io/s3transfer/internal/admission"
	"github.com/treno-io/s3transfer/internal/progress"
	"github.com/treno-io/s3transfer/internal/s3api"
	"github.com/treno-io/s3transfer/transfertypes"
)

// Downloader drives single-object downloads through the admission-controlled
// S3 client.
//
// The triage request is deliberately issued without If-Match: the ETag it
// returns becomes the pin for every subsequent segment, so an object
// replaced concurrently with triage surfaces as precondition failures (or a
// size mismatch) on the remaining segments.
type Downloader struct {
	client  s3api.S3API
	buckets *admission.BucketLimiter
	memory  *admission.MemoryLimiter
	log     zerolog.Logger
}

// New creates a download coordinator.
func New(client s3api.S3API, buckets *admission.BucketLimiter, memory *admission.MemoryLimiter, log zerolog.Logger) *Downloader {
	return &Downloader{
		client:  client,
		buckets: buckets,
		memory:  memory,
		log:     log,
	}
}

// Download moves one object into the request's sink. The sink observes the
// object's bytes strictly in file order regardless of fan-out.
func (d *Downloader) Download(
	ctx context.Context,
	req *transfertypes.DownloadRequest,
	cfg *transfertypes.Config,
	tracker *progress.Tracker,
) (*transfertypes.DownloadResult, error) {
	switch {
	case req.PartNumber > 0:
		return d.singleGet(ctx, req, cfg, tracker, func(input *s3.GetObjectInput) {
			input.PartNumber = aws.Int32(req.PartNumber)
		})
	case req.Range != "":
		rng, err := ParseRange(req.Range)
		if err != nil {
			return nil, err
		}
		if cfg.MultipartDownloadType == transfertypes.DownloadByPart {
			return d.singleGet(ctx, req, cfg, tracker, func(input *s3.GetObjectInput) {
				input.Range = aws.String(req.Range)
			})
		}
		return d.rangeDownload(ctx, req, cfg, tracker, rng.Start, rng.End)
	case cfg.MultipartDownloadType == transfertypes.DownloadByRange:
		return d.rangeDownload(ctx, req, cfg, tracker, 0, -1)
	default:
		return d.partDownload(ctx, req, cfg, tracker)
	}
}

// checksumMode asks S3 to return checksums when validation is required; the
// SDK's response middleware performs the actual verification.
func checksumMode(cfg *transfertypes.Config) awstypes.ChecksumMode {
	if cfg.ResponseChecksumValidation == transfertypes.ChecksumRequired {
		return awstypes.ChecksumModeEnabled
	}
	return ""
}

// singleGet issues exactly one GetObject and streams its body to the sink.
func (d *Downloader) singleGet(
	ctx context.Context,
	req *transfertypes.DownloadRequest,
	cfg *transfertypes.Config,
	tracker *progress.Tracker,
	customize func(*s3.GetObjectInput),
) (*transfertypes.DownloadResult, error) {
	input := &s3.GetObjectInput{
		Bucket:       aws.String(req.Bucket),
		Key:          aws.String(req.Key),
		ChecksumMode: checksumMode(cfg),
	}
	customize(input)

	var output *s3.GetObjectOutput
	err := d.buckets.WithPermission(ctx, req.Bucket, func(ctx context.Context) error {
		var getErr error
		output, getErr = d.client.GetObject(ctx, input)
		return getErr
	})
	if err != nil {
		return nil, errors.NewObjectError("getObject", req.Bucket, req.Key, err)
	}
	defer output.Body.Close()

	if output.ContentLength != nil {
		tracker.SetTotal(*output.ContentLength)
	}
	written, err := d.drainBody(ctx, output.Body, req.Sink, tracker)
	if err != nil {
		return nil, err
	}

	return &transfertypes.DownloadResult{
		Bucket: req.Bucket,
		Key:    req.Key,
		ETag:   aws.ToString(output.ETag),
		Size:   written,
	}, nil
}

// partDownload fans out over S3 part numbers. The triage GET for part 1
// discovers the parts count and the validator ETag.
func (d *Downloader) partDownload(
	ctx context.Context,
	req *transfertypes.DownloadRequest,
	cfg *transfertypes.Config,
	tracker *progress.Tracker,
) (*transfertypes.DownloadResult, error) {
	input := &s3.GetObjectInput{
		Bucket:       aws.String(req.Bucket),
		Key:          aws.String(req.Key),
		PartNumber:   aws.Int32(1),
		ChecksumMode: checksumMode(cfg),
	}

	var output *s3.GetObjectOutput
	err := d.buckets.WithPermission(ctx, req.Bucket, func(ctx context.Context) error {
		var getErr error
		output, getErr = d.client.GetObject(ctx, input)
		return getErr
	})
	if err != nil {
		return nil, errors.NewObjectError("getObject", req.Bucket, req.Key, err)
	}

	etag := aws.ToString(output.ETag)
	partsCount := aws.ToInt32(output.PartsCount)
	if output.ContentRange != nil {
		if _, _, total, crErr := ParseContentRange(aws.ToString(output.ContentRange)); crErr == nil {
			tracker.SetTotal(total)
		}
	}

	written, err := func() (int64, error) {
		defer output.Body.Close()
		return d.drainBody(ctx, output.Body, req.Sink, tracker)
	}()
	if err != nil {
		return nil, err
	}

	if partsCount <= 1 {
		return &transfertypes.DownloadResult{
			Bucket: req.Bucket,
			Key:    req.Key,
			ETag:   etag,
			Size:   written,
		}, nil
	}

	// The triage part's length is the nominal segment size for batching.
	segmentSize := written
	if output.ContentLength != nil && *output.ContentLength > 0 {
		segmentSize = *output.ContentLength
	}

	segments := make([]segment, 0, partsCount-1)
	for partNumber := int32(2); partNumber <= partsCount; partNumber++ {
		segments = append(segments, segment{partNumber: partNumber})
	}

	fanWritten, err := d.fetchSegments(ctx, req, cfg, etag, segments, segmentSize, tracker)
	if err != nil {
		return nil, err
	}

	return &transfertypes.DownloadResult{
		Bucket: req.Bucket,
		Key:    req.Key,
		ETag:   etag,
		Size:   written + fanWritten,
	}, nil
}

// rangeDownload fans out over byte ranges starting at start. callerEnd is
// the caller's inclusive end, or -1 when the end is learned from triage.
func (d *Downloader) rangeDownload(
	ctx context.Context,
	req *transfertypes.DownloadRequest,
	cfg *transfertypes.Config,
	tracker *progress.Tracker,
	start, callerEnd int64,
) (*transfertypes.DownloadResult, error) {
	segmentSize := cfg.TargetPartSize

	// A closed range no larger than one segment needs no triage fan-out.
	if callerEnd >= 0 && callerEnd-start+1 <= segmentSize {
		return d.singleGet(ctx, req, cfg, tracker, func(input *s3.GetObjectInput) {
			input.Range = aws.String(formatRange(start, callerEnd))
		})
	}

	input := &s3.GetObjectInput{
		Bucket:       aws.String(req.Bucket),
		Key:          aws.String(req.Key),
		Range:        aws.String(formatRange(start, start+segmentSize-1)),
		ChecksumMode: checksumMode(cfg),
	}

	var output *s3.GetObjectOutput
	err := d.buckets.WithPermission(ctx, req.Bucket, func(ctx context.Context) error {
		var getErr error
		output, getErr = d.client.GetObject(ctx, input)
		return getErr
	})
	if err != nil {
		return nil, errors.NewObjectError("getObject", req.Bucket, req.Key, err)
	}

	etag := aws.ToString(output.ETag)
	_, _, objectSize, crErr := ParseContentRange(aws.ToString(output.ContentRange))
	if crErr != nil {
		output.Body.Close()
		return nil, errors.NewObjectError("download", req.Bucket, req.Key, crErr)
	}

	end := callerEnd
	if end < 0 || end > objectSize-1 {
		end = objectSize - 1
	}
	tracker.SetTotal(end - start + 1)

	written, err := func() (int64, error) {
		defer output.Body.Close()
		return d.drainBody(ctx, output.Body, req.Sink, tracker)
	}()
	if err != nil {
		return nil, err
	}

	if end-start+1 <= segmentSize {
		return &transfertypes.DownloadResult{
			Bucket: req.Bucket,
			Key:    req.Key,
			ETag:   etag,
			Size:   written,
		}, nil
	}

	numRemaining := remainingSegments(start, end, segmentSize)
	segments := make([]segment, 0, numRemaining)
	for i := int64(1); i <= numRemaining; i++ {
		subStart := start + i*segmentSize
		subEnd := subStart + segmentSize - 1
		// Overshooting the object's end is fine (S3 truncates), but a
		// caller-closed range must not read past the requested end.
		if callerEnd >= 0 && subEnd > callerEnd {
			subEnd = callerEnd
		}
		segments = append(segments, segment{start: subStart, end: subEnd, ranged: true})
	}

	fanWritten, err := d.fetchSegments(ctx, req, cfg, etag, segments, segmentSize, tracker)
	if err != nil {
		return nil, err
	}

	return &transfertypes.DownloadResult{
		Bucket: req.Bucket,
		Key:    req.Key,
		ETag:   etag,
		Size:   written + fanWritten,
	}, nil
}

// remainingSegments computes the segment count after triage for the
// inclusive byte span [start, end]: one segment is already done.
func remainingSegments(start, end, segmentSize int64) int64 {
	total := end - start + 1
	return (total+segmentSize-1)/segmentSize - 1
}

// segment identifies one remaining fetch after triage.
type segment struct {
	partNumber int32
	start, end int64
	ranged     bool
}

func (s segment) apply(input *s3.GetObjectInput, etag string) {
	if s.ranged {
		input.Range = aws.String(formatRange(s.start, s.end))
	} else {
		input.PartNumber = aws.Int32(s.partNumber)
	}
	input.IfMatch = aws.String(etag)
}

// fetchSegments downloads the remaining segments in memory-bounded batches.
// Within a batch, GETs run concurrently and a reorder buffer drains to the
// sink in strictly ascending segment order; batches run sequentially, so
// across the whole download the sink sees bytes in file order.
func (d *Downloader) fetchSegments(
	ctx context.Context,
	req *transfertypes.DownloadRequest,
	cfg *transfertypes.Config,
	etag string,
	segments []segment,
	segmentSize int64,
	tracker *progress.Tracker,
) (int64, error) {
	if segmentSize <= 0 {
		segmentSize = 1
	}
	batchSize := cfg.MaxInMemoryBytes / segmentSize
	if limit := int64(cfg.ConcurrentTaskLimitPerBucket); batchSize > limit {
		batchSize = limit
	}
	if batchSize < 1 {
		batchSize = 1
	}

	var written, received int64
	for lo := int64(0); lo < int64(len(segments)); lo += batchSize {
		hi := lo + batchSize
		if hi > int64(len(segments)) {
			hi = int64(len(segments))
		}

		n, got, err := d.fetchBatch(ctx, req, cfg, etag, segments[lo:hi], segmentSize, tracker)
		written += n
		received += got
		if err != nil {
			return written, err
		}
	}

	if expected := int64(len(segments)); received != expected {
		return written, &errors.SegmentCountError{Expected: expected, Actual: received}
	}
	return written, nil
}

// fetchBatch reserves memory for one batch, fans the GETs out, and drains
// results to the sink in ascending index order. The reservation is released
// only after the whole batch has drained.
func (d *Downloader) fetchBatch(
	ctx context.Context,
	req *transfertypes.DownloadRequest,
	cfg *transfertypes.Config,
	etag string,
	batch []segment,
	segmentSize int64,
	tracker *progress.Tracker,
) (written, received int64, err error) {
	reservation, err := d.memory.Reserve(ctx, int64(len(batch))*segmentSize)
	if err != nil {
		return 0, 0, err
	}
	defer reservation.Release()

	type fetched struct {
		index int
		data  []byte
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan fetched, len(batch))
	workerErr := make(chan error, 1)

	go func() {
		defer close(results)
		g, gctx := errgroup.WithContext(fetchCtx)
		for i, seg := range batch {
			g.Go(func() error {
				return d.buckets.WithPermission(gctx, req.Bucket, func(ctx context.Context) error {
					input := &s3.GetObjectInput{
						Bucket:       aws.String(req.Bucket),
						Key:          aws.String(req.Key),
						ChecksumMode: checksumMode(cfg),
					}
					seg.apply(input, etag)

					output, getErr := d.client.GetObject(ctx, input)
					if getErr != nil {
						return errors.NewObjectError("getObject", req.Bucket, req.Key, getErr)
					}
					defer output.Body.Close()

					data, readErr := io.ReadAll(output.Body)
					if readErr != nil {
						return errors.NewObjectError("download", req.Bucket, req.Key,
							fmt.Errorf("%w: %w", errors.ErrReadResponseBody, readErr))
					}
					select {
					case results <- fetched{index: i, data: data}:
					case <-ctx.Done():
						return ctx.Err()
					}
					return nil
				})
			})
		}
		workerErr <- g.Wait()
	}()

	pending := make(map[int][]byte, len(batch))
	next := 0
	for f := range results {
		pending[f.index] = f.data
		for {
			data, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			n, writeErr := writeAll(ctx, req.Sink, data)
			written += n
			if writeErr != nil {
				cancel()
				for range results {
					// drain so workers can exit
				}
				<-workerErr
				return written, received, writeErr
			}
			tracker.Add(n)
			received++
			next++
		}
	}
	if err := <-workerErr; err != nil {
		return written, received, err
	}
	return written, received, nil
}

// drainBody streams a response body to the sink in chunks, honoring the
// short-write discipline and counting progress.
func (d *Downloader) drainBody(ctx context.Context, body io.Reader, sink io.Writer, tracker *progress.Tracker) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			w, writeErr := writeAll(ctx, sink, buf[:n])
			written += w
			if writeErr != nil {
				return written, writeErr
			}
			tracker.Add(w)
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, errors.NewError("download",
				fmt.Errorf("%w: %w", errors.ErrReadResponseBody, readErr))
		}
	}
}

func formatRange(start, end int64) string {
	return fmt.Sprintf("bytes=%d-%d", start, end)
}
