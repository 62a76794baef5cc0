// Functional options for configuring the transfer manager.
package s3transfer

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/input-output-hk/catalyst-forge-libs/fs"
	"github.com/rs/zerolog"

	"github.com/treno-io/s3transfer/transfertypes"
)

// options collects manager-level configuration before construction.
type options struct {
	config         transfertypes.Config
	region         string
	awsConfig      *aws.Config
	forcePathStyle bool
	filesystem     fs.Filesystem
	logger         zerolog.Logger
}

// Option configures a Manager.
type Option func(*options)

func defaultOptions() *options {
	return &options{
		logger: zerolog.Nop(),
	}
}

// WithRegion sets the AWS region for S3 operations.
// If not specified, uses the default AWS region from the credential chain.
func WithRegion(region string) Option {
	return func(o *options) {
		o.region = region
	}
}

// WithAWSConfig allows providing a custom AWS configuration.
// This overrides the default configuration loading behavior.
func WithAWSConfig(config *aws.Config) Option {
	return func(o *options) {
		o.awsConfig = config
	}
}

// WithForcePathStyle forces path-style URLs instead of virtual-hosted style.
// Required for some S3-compatible services.
func WithForcePathStyle(force bool) Option {
	return func(o *options) {
		o.forcePathStyle = force
	}
}

// WithTargetPartSize sets the part size floor for multipart uploads and the
// segment size for multipart downloads. Default is 8 MiB.
func WithTargetPartSize(size int64) Option {
	return func(o *options) {
		if size > 0 {
			o.config.TargetPartSize = size
		}
	}
}

// WithMultipartThreshold sets the payload size at which uploads switch from
// a single PUT to a multipart upload. Default is 16 MiB.
func WithMultipartThreshold(threshold int64) Option {
	return func(o *options) {
		if threshold > 0 {
			o.config.MultipartThreshold = threshold
		}
	}
}

// WithMultipartDownloadType selects part-number or byte-range fan-out for
// downloads that specify neither a part nor a range. Default is by part.
func WithMultipartDownloadType(t transfertypes.DownloadType) Option {
	return func(o *options) {
		o.config.MultipartDownloadType = t
	}
}

// WithMaxInMemoryBytes bounds the bytes buffered in RAM across all
// concurrent transfers. Default is 6 GiB.
func WithMaxInMemoryBytes(maxBytes int64) Option {
	return func(o *options) {
		if maxBytes > 0 {
			o.config.MaxInMemoryBytes = maxBytes
		}
	}
}

// WithConcurrentTaskLimitPerBucket bounds in-flight S3 calls targeting the
// same bucket. It should mirror the HTTP client's per-host connection limit.
// Default is 8.
func WithConcurrentTaskLimitPerBucket(limit int) Option {
	return func(o *options) {
		if limit > 0 {
			o.config.ConcurrentTaskLimitPerBucket = limit
		}
	}
}

// WithRequestChecksumCalculation records the request checksum mode in the
// configuration. Uploads do not consult it: every upload names a checksum
// algorithm (CRC32 unless the request picks another) under either mode.
func WithRequestChecksumCalculation(mode transfertypes.ChecksumMode) Option {
	return func(o *options) {
		o.config.RequestChecksumCalculation = mode
	}
}

// WithResponseChecksumValidation controls when download checksums are
// validated.
func WithResponseChecksumValidation(mode transfertypes.ChecksumMode) Option {
	return func(o *options) {
		o.config.ResponseChecksumValidation = mode
	}
}

// WithFilesystem sets the filesystem abstraction used for opening upload
// bodies. Useful for testing with an in-memory filesystem.
func WithFilesystem(filesystem fs.Filesystem) Option {
	return func(o *options) {
		o.filesystem = filesystem
	}
}

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
