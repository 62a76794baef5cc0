package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awstypes "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/treno-io/s3transfer/internal/s3api"
)

// FakeObject is one object held by the fake store.
type FakeObject struct {
	Data []byte
	ETag string

	// PartSize is the stored part layout used to answer partNumber GETs.
	// Zero means the object was not uploaded in parts.
	PartSize int64
}

// FakeObjectStore is an in-memory S3 implementation good enough for
// exercising the transfer paths: GetObject supports partNumber, Range, and
// If-Match; ListObjectsV2 paginates. Multipart upload calls assemble
// uploaded parts into stored objects.
type FakeObjectStore struct {
	mu       sync.Mutex
	objects  map[string]*FakeObject // key: bucket/key
	uploads  map[string]map[int32][]byte
	uploadNo int
	PageSize int32
}

// NewFakeObjectStore creates an empty store.
func NewFakeObjectStore() *FakeObjectStore {
	return &FakeObjectStore{
		objects: make(map[string]*FakeObject),
		uploads: make(map[string]map[int32][]byte),
	}
}

// PutData seeds an object directly.
func (f *FakeObjectStore) PutData(bucket, key string, data []byte, partSize int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+key] = &FakeObject{
		Data:     data,
		ETag:     fmt.Sprintf("\"etag-%s-%d\"", key, len(data)),
		PartSize: partSize,
	}
}

// Object returns a seeded or uploaded object.
func (f *FakeObjectStore) Object(bucket, key string) (*FakeObject, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[bucket+"/"+key]
	return obj, ok
}

// PutObject stores the body as a whole object.
func (f *FakeObjectStore) PutObject(
	_ context.Context,
	params *s3.PutObjectInput,
	_ ...func(*s3.Options),
) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.PutData(aws.ToString(params.Bucket), aws.ToString(params.Key), data, 0)
	obj, _ := f.Object(aws.ToString(params.Bucket), aws.ToString(params.Key))
	return &s3.PutObjectOutput{ETag: aws.String(obj.ETag)}, nil
}

// CreateMultipartUpload opens a new upload.
func (f *FakeObjectStore) CreateMultipartUpload(
	_ context.Context,
	params *s3.CreateMultipartUploadInput,
	_ ...func(*s3.Options),
) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadNo++
	id := fmt.Sprintf("upload-%d", f.uploadNo)
	f.uploads[id] = make(map[int32][]byte)
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

// UploadPart stores one part.
func (f *FakeObjectStore) UploadPart(
	_ context.Context,
	params *s3.UploadPartInput,
	_ ...func(*s3.Options),
) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	id := aws.ToString(params.UploadId)
	pn := aws.ToInt32(params.PartNumber)

	f.mu.Lock()
	defer f.mu.Unlock()
	parts, ok := f.uploads[id]
	if !ok {
		return nil, fmt.Errorf("NoSuchUpload: %s", id)
	}
	parts[pn] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("\"part-%d\"", pn))}, nil
}

// CompleteMultipartUpload assembles the parts in the order given.
func (f *FakeObjectStore) CompleteMultipartUpload(
	_ context.Context,
	params *s3.CompleteMultipartUploadInput,
	_ ...func(*s3.Options),
) (*s3.CompleteMultipartUploadOutput, error) {
	id := aws.ToString(params.UploadId)

	f.mu.Lock()
	defer f.mu.Unlock()
	parts, ok := f.uploads[id]
	if !ok {
		return nil, fmt.Errorf("NoSuchUpload: %s", id)
	}

	var buf bytes.Buffer
	var partSize int64
	for i, cp := range params.MultipartUpload.Parts {
		data, ok := parts[aws.ToInt32(cp.PartNumber)]
		if !ok {
			return nil, fmt.Errorf("InvalidPart: %d", aws.ToInt32(cp.PartNumber))
		}
		if i == 0 {
			partSize = int64(len(data))
		}
		buf.Write(data)
	}
	delete(f.uploads, id)

	key := aws.ToString(params.Bucket) + "/" + aws.ToString(params.Key)
	f.objects[key] = &FakeObject{
		Data:     buf.Bytes(),
		ETag:     fmt.Sprintf("\"mpu-%s\"", id),
		PartSize: partSize,
	}
	return &s3.CompleteMultipartUploadOutput{ETag: aws.String(f.objects[key].ETag)}, nil
}

// AbortMultipartUpload discards the upload's parts.
func (f *FakeObjectStore) AbortMultipartUpload(
	_ context.Context,
	params *s3.AbortMultipartUploadInput,
	_ ...func(*s3.Options),
) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.uploads, aws.ToString(params.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

// OpenUploads reports how many multipart uploads are neither completed nor
// aborted.
func (f *FakeObjectStore) OpenUploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

// GetObject serves whole objects, part-number GETs, and range GETs, honoring
// If-Match.
func (f *FakeObjectStore) GetObject(
	_ context.Context,
	params *s3.GetObjectInput,
	_ ...func(*s3.Options),
) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	obj, ok := f.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("NoSuchKey: %s", aws.ToString(params.Key))
	}
	if params.IfMatch != nil && aws.ToString(params.IfMatch) != obj.ETag {
		return nil, fmt.Errorf("PreconditionFailed: %s", aws.ToString(params.IfMatch))
	}

	size := int64(len(obj.Data))

	if params.PartNumber != nil {
		partSize := obj.PartSize
		if partSize <= 0 {
			partSize = size
		}
		if partSize <= 0 {
			partSize = 1
		}
		partsCount := (size + partSize - 1) / partSize
		if partsCount < 1 {
			partsCount = 1
		}
		pn := int64(aws.ToInt32(params.PartNumber))
		if pn < 1 || pn > partsCount {
			return nil, fmt.Errorf("InvalidPartNumber: %d", pn)
		}
		start := (pn - 1) * partSize
		end := start + partSize - 1
		if end > size-1 {
			end = size - 1
		}
		body := obj.Data[start : end+1]
		return &s3.GetObjectOutput{
			Body:          io.NopCloser(bytes.NewReader(body)),
			ContentLength: aws.Int64(int64(len(body))),
			ContentRange:  aws.String(fmt.Sprintf("bytes %d-%d/%d", start, end, size)),
			ETag:          aws.String(obj.ETag),
			PartsCount:    aws.Int32(int32(partsCount)),
		}, nil
	}

	if params.Range != nil {
		start, end, err := parseFakeRange(aws.ToString(params.Range), size)
		if err != nil {
			return nil, err
		}
		body := obj.Data[start : end+1]
		return &s3.GetObjectOutput{
			Body:          io.NopCloser(bytes.NewReader(body)),
			ContentLength: aws.Int64(int64(len(body))),
			ContentRange:  aws.String(fmt.Sprintf("bytes %d-%d/%d", start, end, size)),
			ETag:          aws.String(obj.ETag),
		}, nil
	}

	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.Data)),
		ContentLength: aws.Int64(size),
		ETag:          aws.String(obj.ETag),
	}, nil
}

// ListObjectsV2 lists the bucket's keys in lexical order with pagination.
func (f *FakeObjectStore) ListObjectsV2(
	_ context.Context,
	params *s3.ListObjectsV2Input,
	_ ...func(*s3.Options),
) (*s3.ListObjectsV2Output, error) {
	bucket := aws.ToString(params.Bucket)
	prefix := aws.ToString(params.Prefix)

	f.mu.Lock()
	var keys []string
	for stored := range f.objects {
		b, key, _ := strings.Cut(stored, "/")
		if b != bucket || !strings.HasPrefix(key, prefix) {
			continue
		}
		keys = append(keys, key)
	}
	f.mu.Unlock()
	sort.Strings(keys)

	after := aws.ToString(params.ContinuationToken)
	pageSize := f.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}

	out := &s3.ListObjectsV2Output{}
	for _, key := range keys {
		if after != "" && key <= after {
			continue
		}
		if int32(len(out.Contents)) == pageSize {
			out.IsTruncated = aws.Bool(true)
			out.NextContinuationToken = aws.String(aws.ToString(out.Contents[len(out.Contents)-1].Key))
			return out, nil
		}
		obj, _ := f.Object(bucket, key)
		out.Contents = append(out.Contents, awstypes.Object{
			Key:  aws.String(key),
			Size: aws.Int64(int64(len(obj.Data))),
			ETag: aws.String(obj.ETag),
		})
	}
	out.IsTruncated = aws.Bool(false)
	return out, nil
}

func parseFakeRange(spec string, size int64) (start, end int64, err error) {
	value, ok := strings.CutPrefix(spec, "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("InvalidRange: %s", spec)
	}
	startStr, endStr, _ := strings.Cut(value, "-")
	start, err = strconv.ParseInt(startStr, 10, 64)
	if err != nil || start >= size {
		return 0, 0, fmt.Errorf("InvalidRange: %s", spec)
	}
	if endStr == "" {
		return start, size - 1, nil
	}
	end, err = strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("InvalidRange: %s", spec)
	}
	if end > size-1 {
		end = size - 1
	}
	return start, end, nil
}

// Ensure FakeObjectStore implements s3api.S3API interface
var _ s3api.S3API = (*FakeObjectStore)(nil)
