// Package errors provides error types and handling for transfer operations.
package errors

import (
	"errors"
	"fmt"
)

// Error represents a transfer operation error with context about the operation
// that failed. It wraps the underlying error with the bucket and key involved.
type Error struct {
	// Op is the operation that failed (e.g., "upload", "download", "downloadBucket")
	Op string

	// Bucket is the S3 bucket name (if applicable)
	Bucket string

	// Key is the S3 object key (if applicable)
	Key string

	// Err is the underlying error
	Err error
}

// Error implements the error interface by providing a formatted error message.
func (e *Error) Error() string {
	if e.Bucket != "" && e.Key != "" {
		return fmt.Sprintf("s3transfer.%s %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
	}
	if e.Bucket != "" {
		return fmt.Sprintf("s3transfer.%s bucket %s: %v", e.Op, e.Bucket, e.Err)
	}
	if e.Key != "" {
		return fmt.Sprintf("s3transfer.%s object %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("s3transfer.%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error chaining support.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithBucket adds bucket context to an existing error.
func (e *Error) WithBucket(bucket string) *Error {
	e.Bucket = bucket
	return e
}

// WithKey adds object key context to an existing error.
func (e *Error) WithKey(key string) *Error {
	e.Key = key
	return e
}

// WithMessage wraps the underlying error with a custom message.
func (e *Error) WithMessage(message string) *Error {
	e.Err = fmt.Errorf("%s: %w", message, e.Err)
	return e
}

// NewError creates a new Error with the given operation and underlying error.
func NewError(op string, err error) *Error {
	return &Error{
		Op:  op,
		Err: err,
	}
}

// NewObjectError creates a new Error with bucket and key context.
func NewObjectError(op, bucket, key string, err error) *Error {
	return &Error{
		Op:     op,
		Bucket: bucket,
		Key:    key,
		Err:    err,
	}
}

// Sentinel errors for common transfer failures.
// These can be used with errors.Is() for error checking.
var (
	// ErrInvalidInput indicates that the provided input is invalid
	ErrInvalidInput = errors.New("s3transfer: invalid input")

	// ErrUnknownLengthBody indicates an upload body whose length cannot be
	// determined; streaming uploads of unknown length are not supported
	ErrUnknownLengthBody = errors.New("s3transfer: upload body length is unknown")

	// ErrNotADirectory indicates that the provided destination or source
	// path exists but is not a directory
	ErrNotADirectory = errors.New("s3transfer: path is not a directory")

	// ErrInvalidFileName indicates a local file name that cannot be mapped
	// to an object key (e.g., it contains the configured delimiter)
	ErrInvalidFileName = errors.New("s3transfer: invalid file name")

	// ErrInvalidSourceURL indicates an unusable source location
	ErrInvalidSourceURL = errors.New("s3transfer: invalid source URL")

	// ErrCreateMultipartUpload indicates that CreateMultipartUpload failed
	ErrCreateMultipartUpload = errors.New("s3transfer: failed to create multipart upload")

	// ErrReadResponseBody indicates a failure reading an S3 response body
	ErrReadResponseBody = errors.New("s3transfer: failed to read response body")
)

// InvalidRangeError reports a range header the downloader refuses to issue
// or parse. Only "bytes=<start>-<end>" and "bytes=<start>-" are accepted.
type InvalidRangeError struct {
	// Spec is the offending range string
	Spec string

	// Detail explains why the range was rejected
	Detail string
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("s3transfer: invalid range %q: %s", e.Spec, e.Detail)
}

// PartShortReadError reports that a part read returned fewer bytes than the
// upload plan requires. This is a durability violation, never retried.
type PartShortReadError struct {
	PartNumber int32
	Expected   int64
	Actual     int64
}

func (e *PartShortReadError) Error() string {
	return fmt.Sprintf("s3transfer: short read for part %d: expected %d bytes, got %d",
		e.PartNumber, e.Expected, e.Actual)
}

// IncorrectPartCountError reports a mismatch between the number of parts the
// upload plan requires and the number of parts actually uploaded. The
// multipart upload is aborted rather than completed with a hole.
type IncorrectPartCountError struct {
	Expected int32
	Actual   int32
}

func (e *IncorrectPartCountError) Error() string {
	return fmt.Sprintf("s3transfer: uploaded %d parts, expected %d", e.Actual, e.Expected)
}

// AbortFailedError reports that AbortMultipartUpload itself failed while
// cleaning up after Original. The original failure is preserved and exposed
// through Unwrap so callers can still match on the root cause.
type AbortFailedError struct {
	// Original is the failure that triggered the abort
	Original error

	// AbortErr is the error returned by AbortMultipartUpload
	AbortErr error
}

func (e *AbortFailedError) Error() string {
	return fmt.Sprintf("s3transfer: failed to abort multipart upload after error: %v (abort error: %v)",
		e.Original, e.AbortErr)
}

func (e *AbortFailedError) Unwrap() error {
	return e.Original
}

// SegmentCountError reports a mismatch between the number of download
// segments the plan expects and the number actually received.
type SegmentCountError struct {
	Expected int64
	Actual   int64
}

func (e *SegmentCountError) Error() string {
	return fmt.Sprintf("s3transfer: downloaded %d segments, expected %d", e.Actual, e.Expected)
}

// ObjectSizeError reports that the object size could not be determined from
// a response (missing or malformed Content-Range header).
type ObjectSizeError struct {
	ContentRange string
}

func (e *ObjectSizeError) Error() string {
	if e.ContentRange == "" {
		return "s3transfer: failed to determine object size: missing Content-Range header"
	}
	return fmt.Sprintf("s3transfer: failed to determine object size from Content-Range %q", e.ContentRange)
}

// SinkWriteError reports a hard failure writing downloaded bytes to the
// caller's sink. It is fatal for the whole download.
type SinkWriteError struct {
	Err error
}

func (e *SinkWriteError) Error() string {
	return fmt.Sprintf("s3transfer: failed to write to sink: %v", e.Err)
}

func (e *SinkWriteError) Unwrap() error {
	return e.Err
}

// RenameError reports a failure to atomically rename a temporary download
// file to its final path. The temporary file is removed before this error
// surfaces.
type RenameError struct {
	TempPath  string
	FinalPath string
	Err       error
}

func (e *RenameError) Error() string {
	return fmt.Sprintf("s3transfer: failed to rename temporary file %s to %s: %v",
		e.TempPath, e.FinalPath, e.Err)
}

func (e *RenameError) Unwrap() error {
	return e.Err
}

// DestinationError reports a failure to create the destination directory or
// one of its nested directories during a bucket download.
type DestinationError struct {
	Path string
	Err  error
}

func (e *DestinationError) Error() string {
	return fmt.Sprintf("s3transfer: failed to create destination directory %s: %v", e.Path, e.Err)
}

func (e *DestinationError) Unwrap() error {
	return e.Err
}

// ObjectTransferError wraps a per-object failure inside a directory
// operation. Input carries the offending per-file input (the local path for
// uploads, the object key for downloads) so failure policies can inspect it.
type ObjectTransferError struct {
	// Op is "upload" or "download"
	Op string

	// Input identifies the object that failed
	Input string

	// Err is the underlying failure
	Err error
}

func (e *ObjectTransferError) Error() string {
	return fmt.Sprintf("s3transfer: failed to %s %s: %v", e.Op, e.Input, e.Err)
}

func (e *ObjectTransferError) Unwrap() error {
	return e.Err
}

// IsInvalidInput checks if an error indicates invalid input.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsUnknownLengthBody checks if an error indicates an upload body of
// unknown length.
func IsUnknownLengthBody(err error) bool {
	return errors.Is(err, ErrUnknownLengthBody)
}
