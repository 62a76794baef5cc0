package s3transfer

import (
	"context"
	"time"

	"github.com/treno-io/s3transfer/errors"
	"github.com/treno-io/s3transfer/internal/progress"
	"github.com/treno-io/s3transfer/transfertypes"
)

// UploadDirectory starts uploading a local directory tree and returns its
// handle. Files are discovered lazily with a breadth-first traversal, so
// uploads begin while discovery is still running; at most
// req.MaxConcurrency per-file uploads are in flight at once. Per-file
// failures go through req.FailurePolicy: the default Rethrow cancels the
// remaining work, Ignore tallies and continues.
func (m *Manager) UploadDirectory(
	ctx context.Context,
	req *transfertypes.UploadDirectoryRequest,
) *Handle[*transfertypes.DirectoryResult] {
	return newHandle(ctx, func(ctx context.Context) (*transfertypes.DirectoryResult, error) {
		start := time.Now()

		if req.Bucket == "" {
			return nil, errors.NewError("uploadDirectory", errors.ErrInvalidInput).
				WithMessage("bucket name cannot be empty")
		}
		if req.Source == "" {
			return nil, errors.NewError("uploadDirectory", errors.ErrInvalidSourceURL).
				WithMessage("source directory cannot be empty")
		}

		tracker := progress.NewDirTracker(req.Listeners, m.log)
		tracker.Initiated()

		result, err := m.dirUploader.Run(ctx, req, &m.config, tracker)
		if err != nil {
			tracker.Failed(err)
			return nil, err
		}
		result.Duration = time.Since(start)
		tracker.Complete()

		m.log.Debug().
			Str("bucket", req.Bucket).Str("source", req.Source).
			Int64("uploaded", result.ObjectsTransferred).Int64("failed", result.ObjectsFailed).
			Dur("duration", result.Duration).
			Msg("directory upload complete")
		return result, nil
	})
}

// DownloadBucket starts downloading a bucket or prefix into a local
// directory and returns its handle. Objects are discovered progressively
// through the paginated listing while downloads run. Every object is written
// to a temporary sibling file and atomically renamed into place on success;
// a fail-fast exit sweeps all outstanding temp files so failed objects leave
// no artifact under their final paths.
func (m *Manager) DownloadBucket(
	ctx context.Context,
	req *transfertypes.DownloadBucketRequest,
) *Handle[*transfertypes.DirectoryResult] {
	return newHandle(ctx, func(ctx context.Context) (*transfertypes.DirectoryResult, error) {
		start := time.Now()

		if req.Bucket == "" {
			return nil, errors.NewError("downloadBucket", errors.ErrInvalidInput).
				WithMessage("bucket name cannot be empty")
		}
		if req.Destination == "" {
			return nil, errors.NewError("downloadBucket", errors.ErrInvalidInput).
				WithMessage("destination directory cannot be empty")
		}

		tracker := progress.NewDirTracker(req.Listeners, m.log)
		tracker.Initiated()

		result, err := m.bucketDownload.Run(ctx, req, &m.config, tracker)
		if err != nil {
			tracker.Failed(err)
			return nil, err
		}
		result.Duration = time.Since(start)
		tracker.Complete()

		m.log.Debug().
			Str("bucket", req.Bucket).Str("destination", req.Destination).
			Int64("downloaded", result.ObjectsTransferred).Int64("failed", result.ObjectsFailed).
			Dur("duration", result.Duration).
			Msg("bucket download complete")
		return result, nil
	})
}
