package s3transfer

import (
	"context"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/treno-io/s3transfer/errors"
	"github.com/treno-io/s3transfer/internal/progress"
	"github.com/treno-io/s3transfer/transfertypes"
)

// Upload starts uploading one object and returns its handle. Payloads below
// the multipart threshold go up as a single PutObject; larger payloads use a
// multipart upload with concurrent parts. Cancelling the handle aborts any
// in-progress multipart upload.
//
// Example:
//
//	handle := manager.Upload(ctx, &transfertypes.UploadRequest{
//	    Bucket: "my-bucket",
//	    Key:    "data/archive.bin",
//	    Body:   transfertypes.InMemoryBody{Data: payload},
//	})
//	result, err := handle.Wait()
func (m *Manager) Upload(ctx context.Context, req *transfertypes.UploadRequest) *Handle[*transfertypes.UploadResult] {
	return newHandle(ctx, func(ctx context.Context) (*transfertypes.UploadResult, error) {
		start := time.Now()

		if err := validateBucketKey("upload", req.Bucket, req.Key); err != nil {
			return nil, err
		}
		if req.Body == nil {
			return nil, errors.NewObjectError("upload", req.Bucket, req.Key, errors.ErrInvalidInput).
				WithMessage("body cannot be nil")
		}

		tracker := progress.NewTracker(req.Bucket, req.Key, -1, req.Listeners, m.log)
		tracker.Initiated()

		request := *req
		if request.ContentType == "" {
			request.ContentType = m.detectContentType(&request)
		}

		result, err := m.uploader.Upload(ctx, &request, &m.config, tracker)
		if err != nil {
			tracker.Failed(err)
			return nil, err
		}
		result.Duration = time.Since(start)
		tracker.Complete()

		m.log.Debug().
			Str("bucket", req.Bucket).Str("key", req.Key).
			Int64("size", result.Size).Int32("parts", result.Parts).
			Dur("duration", result.Duration).
			Msg("upload complete")
		return result, nil
	})
}

// UploadFile uploads a local file. The file is opened through the manager's
// filesystem and closed when the operation finishes.
func (m *Manager) UploadFile(ctx context.Context, bucket, key, path string) *Handle[*transfertypes.UploadResult] {
	return newHandle(ctx, func(ctx context.Context) (*transfertypes.UploadResult, error) {
		if err := validateBucketKey("uploadFile", bucket, key); err != nil {
			return nil, err
		}

		info, err := m.fs.Stat(path)
		if err != nil {
			return nil, errors.NewObjectError("uploadFile", bucket, key, err)
		}
		if info.IsDir() {
			return nil, errors.NewObjectError("uploadFile", bucket, key, errors.ErrInvalidInput).
				WithMessage("path points to a directory, not a file")
		}

		file, err := m.fs.Open(path)
		if err != nil {
			return nil, errors.NewObjectError("uploadFile", bucket, key, err)
		}
		defer file.Close()

		inner, err := m.Upload(ctx, &transfertypes.UploadRequest{
			Bucket: bucket,
			Key:    key,
			Body: transfertypes.SeekableBody{
				Reader: file,
				Size:   info.Size(),
			},
		}).Wait()
		if err != nil {
			return nil, err
		}
		return inner, nil
	})
}

// detectContentType sniffs an in-memory payload where possible, falling back
// to extension-based lookup on the object key.
func (m *Manager) detectContentType(req *transfertypes.UploadRequest) string {
	if body, ok := req.Body.(transfertypes.InMemoryBody); ok && len(body.Data) > 0 {
		if mt := mimetype.Detect(body.Data); mt != nil {
			return mt.String()
		}
	}

	if ext := strings.ToLower(filepath.Ext(req.Key)); ext != "" {
		if byExt := mime.TypeByExtension(ext); byExt != "" {
			return byExt
		}
	}

	return DefaultContentType
}
