// Package s3transfer provides a high-level object-transfer engine on top of
// a generic S3 request client.
//
// The Manager moves bytes between the local filesystem and an S3-compatible
// object store at high throughput while keeping resource usage bounded:
// concurrent S3 calls per bucket are admitted through a FIFO per-bucket
// queue, and bytes buffered in memory across all transfers share one global
// budget. Four operations compose the surface: Upload, Download,
// UploadDirectory, and DownloadBucket. Each returns a handle that starts
// background work immediately and yields the terminal result when awaited.
package s3transfer

import (
	"context"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/input-output-hk/catalyst-forge-libs/fs"
	"github.com/input-output-hk/catalyst-forge-libs/fs/billy"
	"github.com/rs/zerolog"

	"github.com/treno-io/s3transfer/errors"
	"github.com/treno-io/s3transfer/internal/admission"
	"github.com/treno-io/s3transfer/internal/operations/download"
	"github.com/treno-io/s3transfer/internal/operations/downloadbucket"
	"github.com/treno-io/s3transfer/internal/operations/upload"
	"github.com/treno-io/s3transfer/internal/operations/uploaddir"
	"github.com/treno-io/s3transfer/internal/s3api"
	"github.com/treno-io/s3transfer/transfertypes"
)

const (
	// DefaultContentType is used when content type detection fails.
	DefaultContentType = "application/octet-stream"
)

// Manager owns the transfer engine's shared state: the S3 client, the
// per-bucket and memory admission controllers, and the tuning configuration.
// A Manager is safe for concurrent use; operations started from it share its
// admission budgets.
type Manager struct {
	client s3api.S3API
	config transfertypes.Config

	buckets *admission.BucketLimiter
	memory  *admission.MemoryLimiter

	uploader       *upload.Coordinator
	downloader     *download.Downloader
	dirUploader    *uploaddir.Orchestrator
	bucketDownload *downloadbucket.Orchestrator

	fs  fs.Filesystem
	log zerolog.Logger
}

// New creates a transfer manager backed by a real S3 client built from the
// default AWS credential chain.
//
// Example:
//
//	manager, err := s3transfer.New(
//	    s3transfer.WithRegion("us-west-2"),
//	    s3transfer.WithTargetPartSize(16*1024*1024),
//	)
func New(opts ...Option) (*Manager, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	cfg := o.awsConfig
	if cfg == nil {
		loaded, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, errors.NewError("manager initialization", err)
		}
		cfg = &loaded
	}
	if o.region != "" {
		cfg.Region = o.region
	}

	var s3Opts []func(*s3.Options)
	if o.forcePathStyle {
		s3Opts = append(s3Opts, func(so *s3.Options) {
			so.UsePathStyle = true
		})
	}

	return newManager(s3.NewFromConfig(*cfg, s3Opts...), o), nil
}

// NewWithClient creates a transfer manager around a caller-provided S3
// client. This is primarily used for testing with mocked clients.
func NewWithClient(client s3api.S3API, opts ...Option) *Manager {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return newManager(client, o)
}

func newManager(client s3api.S3API, o *options) *Manager {
	o.config.ApplyDefaults()

	filesystem := o.filesystem
	if filesystem == nil {
		filesystem = billy.NewOSFS("/")
	}

	m := &Manager{
		client:  client,
		config:  o.config,
		buckets: admission.NewBucketLimiter(o.config.ConcurrentTaskLimitPerBucket),
		memory:  admission.NewMemoryLimiter(o.config.MaxInMemoryBytes),
		fs:      filesystem,
		log:     o.logger,
	}
	m.uploader = upload.New(client, m.buckets, m.log)
	m.downloader = download.New(client, m.buckets, m.memory, m.log)
	m.dirUploader = uploaddir.New(m.uploader, m.fs, m.log)
	m.bucketDownload = downloadbucket.New(m.downloader, client, m.buckets, m.log)
	return m
}

// Config returns the manager's resolved configuration.
func (m *Manager) Config() transfertypes.Config {
	return m.config
}

func validateBucketKey(op, bucket, key string) error {
	if bucket == "" {
		return errors.NewError(op, errors.ErrInvalidInput).
			WithKey(key).
			WithMessage("bucket name cannot be empty")
	}
	if key == "" {
		return errors.NewError(op, errors.ErrInvalidInput).
			WithBucket(bucket).
			WithMessage("object key cannot be empty")
	}
	if len(key) > 1024 {
		return errors.NewError(op, errors.ErrInvalidInput).
			WithBucket(bucket).
			WithMessage("object key exceeds 1024 bytes")
	}
	return nil
}
