package s3transfer

import (
	"context"
	"os"
	"time"

	"github.com/treno-io/s3transfer/errors"
	"github.com/treno-io/s3transfer/internal/progress"
	"github.com/treno-io/s3transfer/transfertypes"
)

// Download starts downloading one object into the request's sink and returns
// its handle. Large objects are fetched with concurrent part-number or
// byte-range GETs, but the sink always observes the bytes strictly in file
// order. Cancelling the handle discards buffered segments and releases their
// memory reservations.
//
// Example:
//
//	var buf bytes.Buffer
//	handle := manager.Download(ctx, &transfertypes.DownloadRequest{
//	    Bucket: "my-bucket",
//	    Key:    "data/archive.bin",
//	    Sink:   &buf,
//	})
//	result, err := handle.Wait()
func (m *Manager) Download(ctx context.Context, req *transfertypes.DownloadRequest) *Handle[*transfertypes.DownloadResult] {
	return newHandle(ctx, func(ctx context.Context) (*transfertypes.DownloadResult, error) {
		start := time.Now()

		if err := validateBucketKey("download", req.Bucket, req.Key); err != nil {
			return nil, err
		}
		if req.Sink == nil {
			return nil, errors.NewObjectError("download", req.Bucket, req.Key, errors.ErrInvalidInput).
				WithMessage("sink cannot be nil")
		}

		tracker := progress.NewTracker(req.Bucket, req.Key, -1, req.Listeners, m.log)
		tracker.Initiated()

		result, err := m.downloader.Download(ctx, req, &m.config, tracker)
		if err != nil {
			tracker.Failed(err)
			return nil, err
		}
		result.Duration = time.Since(start)
		tracker.Complete()

		m.log.Debug().
			Str("bucket", req.Bucket).Str("key", req.Key).
			Int64("size", result.Size).Dur("duration", result.Duration).
			Msg("download complete")
		return result, nil
	})
}

// DownloadFile downloads an object to a local file. The file is created if
// missing and truncated otherwise.
func (m *Manager) DownloadFile(ctx context.Context, bucket, key, path string) *Handle[*transfertypes.DownloadResult] {
	return newHandle(ctx, func(ctx context.Context) (*transfertypes.DownloadResult, error) {
		if err := validateBucketKey("downloadFile", bucket, key); err != nil {
			return nil, err
		}

		file, err := os.Create(path)
		if err != nil {
			return nil, errors.NewObjectError("downloadFile", bucket, key, err)
		}

		result, err := m.Download(ctx, &transfertypes.DownloadRequest{
			Bucket: bucket,
			Key:    key,
			Sink:   file,
		}).Wait()
		closeErr := file.Close()
		if err != nil {
			return nil, err
		}
		if closeErr != nil {
			return nil, errors.NewObjectError("downloadFile", bucket, key, closeErr)
		}
		return result, nil
	})
}
