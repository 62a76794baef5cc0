// Package uploaddir orchestrates directory uploads: a bounded window of
// per-file uploads fed by the lazy directory traversal.
package uploaddir

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/input-output-hk/catalyst-forge-libs/fs"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/treno-io/s3transfer/errors"
	"github.com/treno-io/s3transfer/internal/layout"
	"github.com/treno-io/s3transfer/internal/operations/upload"
	"github.com/treno-io/s3transfer/internal/progress"
	"github.com/treno-io/s3transfer/internal/traverse"
	"github.com/treno-io/s3transfer/transfertypes"
)

// Orchestrator fans per-file uploads out over a directory tree.
type Orchestrator struct {
	uploader   *upload.Coordinator
	filesystem fs.Filesystem
	log        zerolog.Logger
}

// New creates a directory-upload orchestrator.
func New(uploader *upload.Coordinator, filesystem fs.Filesystem, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		uploader:   uploader,
		filesystem: filesystem,
		log:        log,
	}
}

// Run uploads the files under req.Source. Discovery is lazy: uploads start
// while traversal is still streaming. At most req.MaxConcurrency per-file
// uploads are in flight at once.
func (o *Orchestrator) Run(
	ctx context.Context,
	req *transfertypes.UploadDirectoryRequest,
	cfg *transfertypes.Config,
	tracker *progress.DirTracker,
) (*transfertypes.DirectoryResult, error) {
	info, err := os.Stat(req.Source)
	if err != nil {
		return nil, errors.NewError("uploadDirectory", err)
	}
	if !info.IsDir() {
		return nil, errors.NewError("uploadDirectory", errors.ErrNotADirectory).WithMessage(req.Source)
	}

	policy := req.FailurePolicy
	if policy == nil {
		policy = transfertypes.Rethrow
	}
	maxConcurrency := req.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = transfertypes.DefaultDirectoryConcurrency
	}
	delimiter := req.S3Delimiter
	if delimiter == "" {
		delimiter = transfertypes.DefaultS3Delimiter
	}

	items := traverse.Walk(ctx, req.Source, traverse.Options{
		Recursive:      req.Recursive,
		FollowSymlinks: req.FollowSymlinks,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)

	var mu sync.Mutex
	var ignored *multierror.Error
	var walkErr error

	for item := range items {
		if item.Err != nil {
			walkErr = item.Err
			break
		}
		entry := item.Entry

		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if err := o.uploadOne(gctx, req, cfg, delimiter, entry); err != nil {
				wrapped := &errors.ObjectTransferError{Op: "upload", Input: entry.Path, Err: err}
				if policyErr := policy(wrapped); policyErr != nil {
					return policyErr
				}
				tracker.FileFailed()
				mu.Lock()
				ignored = multierror.Append(ignored, wrapped)
				mu.Unlock()
				return nil
			}
			tracker.FileSucceeded()
			return nil
		})
	}

	err = g.Wait()
	if err == nil && walkErr != nil {
		err = errors.NewError("uploadDirectory", walkErr)
	}
	if err != nil {
		return nil, err
	}

	succeeded, failed := tracker.Tally()
	return &transfertypes.DirectoryResult{
		ObjectsTransferred: succeeded,
		ObjectsFailed:      failed,
		FailedObjects:      ignored.ErrorOrNil(),
	}, nil
}

func (o *Orchestrator) uploadOne(
	ctx context.Context,
	req *transfertypes.UploadDirectoryRequest,
	cfg *transfertypes.Config,
	delimiter string,
	entry traverse.Entry,
) error {
	rel, err := filepath.Rel(req.Source, entry.Path)
	if err != nil {
		return err
	}
	key, err := layout.PathToKey(rel, req.S3Prefix, delimiter)
	if err != nil {
		return err
	}

	file, err := o.filesystem.Open(entry.Path)
	if err != nil {
		return err
	}
	defer file.Close()

	uploadReq := &transfertypes.UploadRequest{
		Bucket: req.Bucket,
		Key:    key,
		Body: transfertypes.SeekableBody{
			Reader: file,
			Size:   entry.Info.Size(),
		},
	}
	objTracker := progress.NewTracker(req.Bucket, key, entry.Info.Size(), nil, o.log)

	_, err = o.uploader.Upload(ctx, uploadReq, cfg, objTracker)
	return err
}
