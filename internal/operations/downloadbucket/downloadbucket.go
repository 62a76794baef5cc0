// Package downloadbucket orchestrates bucket downloads: progressive object
// discovery through the paginated listing, a bounded window of per-object
// downloads, and atomic temp-file finalization.
package downloadbucket

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/treno-io/s3transfer/errors"
	"github.com/treno-io/s3transfer/internal/admission"
	"github.com/treno-io/s3transfer/internal/layout"
	"github.com/treno-io/s3transfer/internal/operations/download"
	"github.com/treno-io/s3transfer/internal/progress"
	"github.com/treno-io/s3transfer/internal/s3api"
	"github.com/treno-io/s3transfer/transfertypes"
)

// Orchestrator fans per-object downloads out over a bucket listing.
type Orchestrator struct {
	downloader *download.Downloader
	client     s3api.S3API
	buckets    *admission.BucketLimiter
	log        zerolog.Logger
}

// New creates a bucket-download orchestrator.
func New(
	downloader *download.Downloader,
	client s3api.S3API,
	buckets *admission.BucketLimiter,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		downloader: downloader,
		client:     client,
		buckets:    buckets,
		log:        log,
	}
}

// work is one discovered object with its materialized temp file.
type work struct {
	key       string
	temp      *os.File
	tempPath  string
	finalPath string
}

// tempRegistry tracks temp files that have not been finalized yet so a
// fail-fast exit can sweep them.
type tempRegistry struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

func newTempRegistry() *tempRegistry {
	return &tempRegistry{paths: make(map[string]struct{})}
}

func (r *tempRegistry) add(path string) {
	r.mu.Lock()
	r.paths[path] = struct{}{}
	r.mu.Unlock()
}

func (r *tempRegistry) remove(path string) {
	r.mu.Lock()
	delete(r.paths, path)
	r.mu.Unlock()
}

func (r *tempRegistry) drain() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	paths := make([]string, 0, len(r.paths))
	for p := range r.paths {
		paths = append(paths, p)
	}
	r.paths = make(map[string]struct{})
	return paths
}

// Run downloads the objects under req.Bucket/req.S3Prefix into
// req.Destination. Discovery runs concurrently with downloading; at most
// req.MaxConcurrency per-object downloads are in flight at once. Successful
// objects are atomically renamed into place; a fail-fast exit leaves no
// temp files behind.
func (o *Orchestrator) Run(
	ctx context.Context,
	req *transfertypes.DownloadBucketRequest,
	cfg *transfertypes.Config,
	tracker *progress.DirTracker,
) (*transfertypes.DirectoryResult, error) {
	if info, err := os.Stat(req.Destination); err == nil && !info.IsDir() {
		return nil, errors.NewError("downloadBucket", errors.ErrNotADirectory).WithMessage(req.Destination)
	}
	if err := layout.EnsureDir(req.Destination); err != nil {
		return nil, errors.NewError("downloadBucket", err)
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

	temps := newTempRegistry()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)

	workCh := make(chan work)
	var discoverErr error
	go func() {
		defer close(workCh)
		discoverErr = o.discover(gctx, req, delimiter, temps, workCh)
	}()

	var mu sync.Mutex
	var ignored *multierror.Error

	for w := range workCh {
		g.Go(func() error {
			if gctx.Err() != nil {
				w.temp.Close()
				return gctx.Err()
			}
			if err := o.downloadOne(gctx, req, cfg, temps, w); err != nil {
				wrapped := &errors.ObjectTransferError{Op: "download", Input: w.key, Err: err}
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

	err := g.Wait()
	if err == nil && discoverErr != nil {
		err = errors.NewError("downloadBucket", discoverErr)
	}
	if err != nil {
		o.sweep(temps)
		return nil, err
	}

	succeeded, failed := tracker.Tally()
	return &transfertypes.DirectoryResult{
		ObjectsTransferred: succeeded,
		ObjectsFailed:      failed,
		FailedObjects:      ignored.ErrorOrNil(),
	}, nil
}

// discover pages through the listing, filters keys, materializes temp
// files, and hands work downstream. It stops on the first error or when
// ctx is cancelled.
func (o *Orchestrator) discover(
	ctx context.Context,
	req *transfertypes.DownloadBucketRequest,
	delimiter string,
	temps *tempRegistry,
	out chan<- work,
) error {
	paginator := s3.NewListObjectsV2Paginator(o.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(req.Bucket),
		Prefix: aws.String(req.S3Prefix),
	})

	for paginator.HasMorePages() {
		var page *s3.ListObjectsV2Output
		err := o.buckets.WithPermission(ctx, req.Bucket, func(ctx context.Context) error {
			var pageErr error
			page, pageErr = paginator.NextPage(ctx)
			return pageErr
		})
		if err != nil {
			return err
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			object := transfertypes.Object{
				Key:          key,
				Size:         aws.ToInt64(obj.Size),
				ETag:         aws.ToString(obj.ETag),
				LastModified: aws.ToTime(obj.LastModified),
			}
			if req.Filter != nil && !req.Filter(object) {
				continue
			}
			rel, ok := layout.KeyToRelPath(key, req.S3Prefix, delimiter)
			if !ok {
				continue
			}

			finalPath := filepath.Join(req.Destination, rel)
			if err := layout.EnsureDir(filepath.Dir(finalPath)); err != nil {
				return err
			}
			temp, err := layout.CreateTemp(finalPath)
			if err != nil {
				return err
			}
			temps.add(temp.Name())

			select {
			case out <- work{key: key, temp: temp, tempPath: temp.Name(), finalPath: finalPath}:
			case <-ctx.Done():
				temp.Close()
				return ctx.Err()
			}
		}
	}
	return nil
}

// downloadOne downloads a single object into its temp file and finalizes it.
// On any failure the temp file is removed before the error propagates.
func (o *Orchestrator) downloadOne(
	ctx context.Context,
	req *transfertypes.DownloadBucketRequest,
	cfg *transfertypes.Config,
	temps *tempRegistry,
	w work,
) error {
	downloadReq := &transfertypes.DownloadRequest{
		Bucket: req.Bucket,
		Key:    w.key,
		Sink:   w.temp,
	}
	objTracker := progress.NewTracker(req.Bucket, w.key, -1, nil, o.log)

	_, err := o.downloader.Download(ctx, downloadReq, cfg, objTracker)
	closeErr := w.temp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		temps.remove(w.tempPath)
		if removeErr := os.Remove(w.tempPath); removeErr != nil {
			o.log.Warn().Err(removeErr).Str("path", w.tempPath).Msg("failed to remove temp file")
		}
		return err
	}

	// remove from the registry first: a rename failure deletes the temp
	// itself, so the sweep must not see it.
	temps.remove(w.tempPath)
	return layout.Finalize(w.tempPath, w.finalPath)
}

// sweep removes every temp file that has not been finalized.
func (o *Orchestrator) sweep(temps *tempRegistry) {
	for _, path := range temps.drain() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			o.log.Warn().Err(err).Str("path", path).Msg("failed to sweep temp file")
		}
	}
}
