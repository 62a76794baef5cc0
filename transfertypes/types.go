// Package transfertypes provides the shared public type definitions for the
// transfer manager: operation inputs, results, listener protocols, and
// configuration.
package transfertypes

import (
	"io"
	"time"
)

// Default tuning values for transfer operations.
const (
	// DefaultTargetPartSize is the part size floor for multipart uploads and
	// the segment size for multipart downloads.
	DefaultTargetPartSize = 8 * 1024 * 1024

	// DefaultMultipartThreshold is the payload size at which uploads switch
	// from a single PutObject to a multipart upload.
	DefaultMultipartThreshold = 16 * 1024 * 1024

	// DefaultMaxInMemoryBytes bounds the bytes buffered in RAM across all
	// concurrent transfers owned by one manager.
	DefaultMaxInMemoryBytes = 6 * 1024 * 1024 * 1024

	// DefaultConcurrentTaskLimitPerBucket bounds in-flight S3 calls that
	// target the same bucket. It should mirror the HTTP client's per-host
	// connection limit.
	DefaultConcurrentTaskLimitPerBucket = 8

	// DefaultDirectoryConcurrency is the fan-out window for directory
	// operations.
	DefaultDirectoryConcurrency = 4

	// DefaultS3Delimiter separates key components in S3.
	DefaultS3Delimiter = "/"

	// MaxUploadParts is S3's hard cap on parts per multipart upload.
	MaxUploadParts = 10_000
)

// DownloadType selects how a large object is split for concurrent download.
type DownloadType string

const (
	// DownloadByPart fans out over S3 part numbers.
	DownloadByPart DownloadType = "part"

	// DownloadByRange fans out over byte ranges.
	DownloadByRange DownloadType = "range"
)

// ChecksumAlgorithm identifies a request checksum algorithm.
type ChecksumAlgorithm string

// Supported checksum algorithms.
const (
	ChecksumCRC32     ChecksumAlgorithm = "CRC32"
	ChecksumCRC32C    ChecksumAlgorithm = "CRC32C"
	ChecksumCRC64NVME ChecksumAlgorithm = "CRC64NVME"
	ChecksumSHA1      ChecksumAlgorithm = "SHA1"
	ChecksumSHA256    ChecksumAlgorithm = "SHA256"
)

// checksumPriority orders algorithms from most to least preferred when a
// choice has to be made among several supported ones.
var checksumPriority = []ChecksumAlgorithm{
	ChecksumCRC32C,
	ChecksumCRC32,
	ChecksumCRC64NVME,
	ChecksumSHA1,
	ChecksumSHA256,
}

// PreferredChecksumAlgorithm picks the highest-priority algorithm among the
// supported candidates (CRC32C > CRC32 > CRC64NVME > SHA1 > SHA256).
// With no candidates it returns ChecksumCRC32, the default.
func PreferredChecksumAlgorithm(supported ...ChecksumAlgorithm) ChecksumAlgorithm {
	for _, p := range checksumPriority {
		for _, s := range supported {
			if s == p {
				return p
			}
		}
	}
	return ChecksumCRC32
}

// ChecksumMode controls when checksums are calculated or validated.
type ChecksumMode string

const (
	// ChecksumRequired always calculates/validates checksums.
	ChecksumRequired ChecksumMode = "required"

	// ChecksumWhenSupported calculates/validates only where the operation
	// supports it.
	ChecksumWhenSupported ChecksumMode = "when_supported"
)

// StorageClass represents the S3 storage class for uploaded objects.
type StorageClass string

// Common S3 storage classes.
const (
	// StorageClassStandard is the default S3 storage class
	StorageClassStandard StorageClass = "STANDARD"

	// StorageClassStandardIA provides infrequent access storage
	StorageClassStandardIA StorageClass = "STANDARD_IA"

	// StorageClassOneZoneIA provides one zone infrequent access storage
	StorageClassOneZoneIA StorageClass = "ONEZONE_IA"

	// StorageClassIntelligentTiering provides intelligent tiering storage
	StorageClassIntelligentTiering StorageClass = "INTELLIGENT_TIERING"

	// StorageClassGlacier provides Glacier archival storage
	StorageClassGlacier StorageClass = "GLACIER"

	// StorageClassDeepArchive provides Deep Archive storage
	StorageClassDeepArchive StorageClass = "DEEP_ARCHIVE"
)

// FailurePolicy decides what a directory operation does with a per-object
// failure. Returning nil swallows the failure (the object is tallied as
// failed and the operation continues); returning an error fails the whole
// operation and cancels its in-flight siblings. The error passed in is an
// *errors.ObjectTransferError carrying the offending per-file input.
type FailurePolicy func(err error) error

// Rethrow is the fail-fast policy: the first per-object failure cancels the
// remaining work and surfaces as the operation's error.
func Rethrow(err error) error { return err }

// Ignore tallies per-object failures and lets the operation continue.
func Ignore(err error) error { return nil }

// ObjectProgress is an immutable snapshot of a single object transfer.
type ObjectProgress struct {
	// Bucket and Key identify the object.
	Bucket string
	Key    string

	// TransferredBytes is the number of payload bytes moved so far.
	TransferredBytes int64

	// TotalBytes is the total payload size, or -1 while unknown (downloads
	// learn it from the triage response).
	TotalBytes int64
}

// DirectoryProgress is an immutable snapshot of a directory operation.
// TotalFiles grows as discovery streams in; it always equals
// TransferredFiles + FailedFiles.
type DirectoryProgress struct {
	TransferredFiles int64
	FailedFiles      int64
	TotalFiles       int64
}

// ObjectListener receives progress callbacks for a single object transfer.
// Callbacks are invoked synchronously from worker goroutines and must be
// fast and non-blocking; heavy work belongs behind a user-managed channel.
// Initiated fires once before any bytes move; BytesTransferred may fire many
// times with monotonically non-decreasing TransferredBytes; exactly one of
// Complete or Failed fires last.
type ObjectListener interface {
	Initiated(p ObjectProgress)
	BytesTransferred(p ObjectProgress)
	Complete(p ObjectProgress)
	Failed(p ObjectProgress, err error)
}

// DirectoryListener receives progress callbacks for a directory operation.
type DirectoryListener interface {
	Initiated(p DirectoryProgress)
	FileTransferred(p DirectoryProgress)
	Complete(p DirectoryProgress)
	Failed(p DirectoryProgress, err error)
}

// BodySource supplies the payload of an upload. It is a closed set of
// variants: InMemoryBody for byte slices and SeekableBody for streams whose
// length is known. Uploads of unknown-length streams fail immediately.
type BodySource interface {
	isBodySource()
}

// InMemoryBody is an upload payload held entirely in memory. Part reads are
// O(1) slices of the underlying buffer.
type InMemoryBody struct {
	Data []byte
}

func (InMemoryBody) isBodySource() {}

// SeekableBody is an upload payload backed by a seekable stream. Size may be
// negative, in which case the length is learned by seeking to the end once.
// Concurrent part reads are serialized on the stream.
type SeekableBody struct {
	Reader io.ReadSeeker
	Size   int64
}

func (SeekableBody) isBodySource() {}

// UploadRequest describes a single-object upload.
type UploadRequest struct {
	Bucket string
	Key    string

	// Body is the payload. Required.
	Body BodySource

	// ContentType is optional; when empty it is detected from the payload
	// or key extension.
	ContentType string

	// Metadata is attached to the object verbatim.
	Metadata map[string]string

	// StorageClass optionally overrides the bucket default.
	StorageClass StorageClass

	// ChecksumAlgorithm selects the per-part checksum algorithm. Empty
	// means the manager's default (CRC32).
	ChecksumAlgorithm ChecksumAlgorithm

	// FullObjectChecksum is a caller-computed whole-object checksum in the
	// chosen algorithm. When set, the multipart upload uses the full-object
	// checksum type; otherwise the composite type.
	FullObjectChecksum string

	// Listeners observe the transfer. Optional.
	Listeners []ObjectListener
}

// UploadResult is the terminal result of an upload.
type UploadResult struct {
	Bucket    string
	Key       string
	ETag      string
	VersionID string

	// Size is the number of payload bytes uploaded.
	Size int64

	// Parts is the number of parts used; 1 for a single PUT.
	Parts int32

	// Duration is how long the upload took.
	Duration time.Duration
}

// DownloadRequest describes a single-object download into Sink.
type DownloadRequest struct {
	Bucket string
	Key    string

	// Sink receives the object's bytes strictly in file order. Any
	// io.Writer works: a file, a bytes.Buffer, or a caller's own type.
	Sink io.Writer

	// PartNumber requests exactly one part of a multipart object.
	// Zero means unset. Takes precedence over Range.
	PartNumber int32

	// Range requests a byte range, "bytes=<start>-<end>" or
	// "bytes=<start>-". Empty means the whole object.
	Range string

	// Listeners observe the transfer. Optional.
	Listeners []ObjectListener
}

// DownloadResult is the terminal result of a download.
type DownloadResult struct {
	Bucket string
	Key    string
	ETag   string

	// Size is the number of bytes written to the sink.
	Size int64

	// Duration is how long the download took.
	Duration time.Duration
}

// UploadDirectoryRequest describes the upload of a local directory tree.
type UploadDirectoryRequest struct {
	// Source is the local directory to upload.
	Source string

	Bucket string

	// S3Prefix is prepended to every derived key (with the delimiter
	// appended when missing). Optional.
	S3Prefix string

	// S3Delimiter separates key components; defaults to "/".
	S3Delimiter string

	// Recursive descends into subdirectories.
	Recursive bool

	// FollowSymlinks traverses symbolic links. Cycles are suppressed by
	// tracking resolved paths either way.
	FollowSymlinks bool

	// FailurePolicy handles per-file failures; defaults to Rethrow.
	FailurePolicy FailurePolicy

	// MaxConcurrency bounds in-flight per-file uploads; defaults to
	// DefaultDirectoryConcurrency.
	MaxConcurrency int

	// Listeners observe the directory operation. Optional.
	Listeners []DirectoryListener
}

// DownloadBucketRequest describes the download of a bucket or prefix into a
// local directory.
type DownloadBucketRequest struct {
	Bucket string

	// S3Prefix restricts the listing. Optional. It is stripped from keys
	// when deriving local paths.
	S3Prefix string

	// S3Delimiter separates key components; defaults to "/".
	S3Delimiter string

	// Destination is the local directory to download into. Created if
	// missing.
	Destination string

	// Filter decides per object whether to download it. Nil downloads
	// everything.
	Filter func(obj Object) bool

	// FailurePolicy handles per-object failures; defaults to Rethrow.
	FailurePolicy FailurePolicy

	// MaxConcurrency bounds in-flight per-object downloads; defaults to
	// DefaultDirectoryConcurrency.
	MaxConcurrency int

	// Listeners observe the directory operation. Optional.
	Listeners []DirectoryListener
}

// Object is a listed S3 object as seen by DownloadBucket filters.
type Object struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// DirectoryResult is the terminal result of a directory operation.
type DirectoryResult struct {
	// ObjectsTransferred is the number of objects moved successfully.
	ObjectsTransferred int64

	// ObjectsFailed is the number of objects that failed and were ignored
	// by the failure policy.
	ObjectsFailed int64

	// FailedObjects aggregates the ignored per-object errors.
	FailedObjects error

	// Duration is how long the operation took.
	Duration time.Duration
}

// Config is the manager-level configuration shared by all operations.
type Config struct {
	// TargetPartSize is the part size floor for uploads and the segment
	// size for downloads.
	TargetPartSize int64

	// MultipartThreshold is the payload size at which uploads switch to
	// multipart.
	MultipartThreshold int64

	// MultipartDownloadType selects part-number or byte-range fan-out for
	// downloads without an explicit part or range.
	MultipartDownloadType DownloadType

	// MaxInMemoryBytes bounds bytes buffered in RAM across all transfers.
	MaxInMemoryBytes int64

	// ConcurrentTaskLimitPerBucket bounds in-flight S3 calls per bucket.
	ConcurrentTaskLimitPerBucket int

	// RequestChecksumCalculation is the request checksum mode. Uploads do
	// not consult it; they always name a checksum algorithm.
	RequestChecksumCalculation ChecksumMode

	// ResponseChecksumValidation controls download checksum validation.
	ResponseChecksumValidation ChecksumMode
}

// ApplyDefaults fills zero values with the package defaults.
func (c *Config) ApplyDefaults() {
	if c.TargetPartSize <= 0 {
		c.TargetPartSize = DefaultTargetPartSize
	}
	if c.MultipartThreshold <= 0 {
		c.MultipartThreshold = DefaultMultipartThreshold
	}
	if c.MultipartDownloadType == "" {
		c.MultipartDownloadType = DownloadByPart
	}
	if c.MaxInMemoryBytes <= 0 {
		c.MaxInMemoryBytes = DefaultMaxInMemoryBytes
	}
	if c.ConcurrentTaskLimitPerBucket <= 0 {
		c.ConcurrentTaskLimitPerBucket = DefaultConcurrentTaskLimitPerBucket
	}
	if c.RequestChecksumCalculation == "" {
		c.RequestChecksumCalculation = ChecksumWhenSupported
	}
	if c.ResponseChecksumValidation == "" {
		c.ResponseChecksumValidation = ChecksumWhenSupported
	}
}
