package download

import (
	"bytes"
	"context"
	"sort"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	s3transfererrors "github.com/treno-io/s3transfer/errors"
	"github.com/treno-io/s3transfer/internal/admission"
	"github.com/treno-io/s3transfer/internal/progress"
	"github.com/treno-io/s3transfer/internal/testutil"
	"github.com/treno-io/s3transfer/transfertypes"
)

type downloaderFixture struct {
	store    *testutil.FakeObjectStore
	recorder *testutil.RecordingS3Client
	memory   *admission.MemoryLimiter
	d        *Downloader
}

func newFixture(maxInMemory int64) *downloaderFixture {
	store := testutil.NewFakeObjectStore()
	recorder := testutil.NewRecordingS3Client(store)
	memory := admission.NewMemoryLimiter(maxInMemory)
	return &downloaderFixture{
		store:    store,
		recorder: recorder,
		memory:   memory,
		d:        New(recorder, admission.NewBucketLimiter(8), memory, zerolog.Nop()),
	}
}

func newDownloadConfig(segment int64, downloadType transfertypes.DownloadType, maxInMemory int64) *transfertypes.Config {
	cfg := &transfertypes.Config{
		TargetPartSize:               segment,
		MultipartDownloadType:        downloadType,
		MaxInMemoryBytes:             maxInMemory,
		ConcurrentTaskLimitPerBucket: 8,
	}
	cfg.ApplyDefaults()
	return cfg
}

func newTracker() *progress.Tracker {
	return progress.NewTracker("bucket", "key", -1, nil, zerolog.Nop())
}

func patterned(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

// sortFanOut orders the GETs that follow the triage GET by part number or
// range start; they run concurrently, so the recorder sees them in whatever
// order their goroutines reach the client.
func sortFanOut(gets []any) {
	rest := gets[1:]
	sort.Slice(rest, func(i, j int) bool {
		a, b := rest[i].(*s3.GetObjectInput), rest[j].(*s3.GetObjectInput)
		if a.PartNumber != nil {
			return aws.ToInt32(a.PartNumber) < aws.ToInt32(b.PartNumber)
		}
		ra, _ := ParseRange(aws.ToString(a.Range))
		rb, _ := ParseRange(aws.ToString(b.Range))
		return ra.Start < rb.Start
	})
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		spec    string
		want    Range
		wantErr bool
	}{
		{spec: "bytes=0-99", want: Range{Start: 0, End: 99}},
		{spec: "bytes=100-", want: Range{Start: 100, End: -1}},
		{spec: "bytes=5-5", want: Range{Start: 5, End: 5}},
		{spec: "0-99", wantErr: true},
		{spec: "bytes=-500", wantErr: true},
		{spec: "bytes=0-99,200-299", wantErr: true},
		{spec: "bytes=9-5", wantErr: true},
		{spec: "bytes=a-b", wantErr: true},
		{spec: "items=0-99", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := ParseRange(tt.spec)
			if tt.wantErr {
				var invalid *s3transfererrors.InvalidRangeError
				require.ErrorAs(t, err, &invalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseContentRange(t *testing.T) {
	start, end, total, err := ParseContentRange("bytes 0-10485759/26214400")
	require.NoError(t, err)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(10485759), end)
	assert.Equal(t, int64(26214400), total)

	for _, header := range []string{"", "bytes 0-99/*", "0-99/100", "bytes 0-99", "bytes x-y/z"} {
		_, _, _, err := ParseContentRange(header)
		var sizeErr *s3transfererrors.ObjectSizeError
		require.ErrorAs(t, err, &sizeErr, header)
	}
}

func TestDownloadSmallObjectByPart(t *testing.T) {
	f := newFixture(1 << 20)
	data := patterned(1000)
	f.store.PutData("bucket", "small.bin", data, 0)

	var sink bytes.Buffer
	req := &transfertypes.DownloadRequest{Bucket: "bucket", Key: "small.bin", Sink: &sink}

	result, err := f.d.Download(context.Background(), req, newDownloadConfig(4096, transfertypes.DownloadByPart, 1<<20), newTracker())
	require.NoError(t, err)

	// one triage GET for part 1, nothing else
	assert.Equal(t, 1, f.recorder.CountOf("GetObject"))
	assert.Equal(t, data, sink.Bytes())
	assert.Equal(t, int64(1000), result.Size)
}

func TestDownloadMultiPartObject(t *testing.T) {
	f := newFixture(1 << 20)
	data := patterned(2560)
	f.store.PutData("bucket", "parts.bin", data, 1000)

	var sink bytes.Buffer
	req := &transfertypes.DownloadRequest{Bucket: "bucket", Key: "parts.bin", Sink: &sink}

	result, err := f.d.Download(context.Background(), req, newDownloadConfig(1000, transfertypes.DownloadByPart, 1<<20), newTracker())
	require.NoError(t, err)

	assert.Equal(t, data, sink.Bytes())
	assert.Equal(t, int64(2560), result.Size)

	gets := f.recorder.CallsTo("GetObject")
	require.Len(t, gets, 3)

	triage := gets[0].(*s3.GetObjectInput)
	assert.Equal(t, int32(1), aws.ToInt32(triage.PartNumber))
	assert.Nil(t, triage.IfMatch)

	obj, _ := f.store.Object("bucket", "parts.bin")
	for _, call := range gets[1:] {
		input := call.(*s3.GetObjectInput)
		assert.Equal(t, obj.ETag, aws.ToString(input.IfMatch))
	}
	sortFanOut(gets)
	assert.Equal(t, int32(2), aws.ToInt32(gets[1].(*s3.GetObjectInput).PartNumber))
	assert.Equal(t, int32(3), aws.ToInt32(gets[2].(*s3.GetObjectInput).PartNumber))
}

func TestDownloadByRangeSplitsObject(t *testing.T) {
	// 25 MiB object with 10 MiB segments: triage plus two ranged GETs
	const segment = 10 * 1024 * 1024
	const size = 25 * 1024 * 1024

	f := newFixture(256 * 1024 * 1024)
	data := patterned(size)
	f.store.PutData("bucket", "big.bin", data, 0)

	var sink bytes.Buffer
	req := &transfertypes.DownloadRequest{Bucket: "bucket", Key: "big.bin", Sink: &sink}

	result, err := f.d.Download(context.Background(), req,
		newDownloadConfig(segment, transfertypes.DownloadByRange, 256*1024*1024), newTracker())
	require.NoError(t, err)

	assert.True(t, bytes.Equal(data, sink.Bytes()))
	assert.Equal(t, int64(size), result.Size)

	gets := f.recorder.CallsTo("GetObject")
	require.Len(t, gets, 3)

	triage := gets[0].(*s3.GetObjectInput)
	assert.Equal(t, "bytes=0-10485759", aws.ToString(triage.Range))
	assert.Nil(t, triage.IfMatch)

	obj, _ := f.store.Object("bucket", "big.bin")
	sortFanOut(gets)
	second := gets[1].(*s3.GetObjectInput)
	assert.Equal(t, "bytes=10485760-20971519", aws.ToString(second.Range))
	assert.Equal(t, obj.ETag, aws.ToString(second.IfMatch))

	third := gets[2].(*s3.GetObjectInput)
	assert.Equal(t, "bytes=20971520-31457279", aws.ToString(third.Range))
	assert.Equal(t, obj.ETag, aws.ToString(third.IfMatch))
}

func TestDownloadByRangeExactMultiple(t *testing.T) {
	// an exact multiple of the segment size must not produce a trailing
	// empty request
	f := newFixture(1 << 20)
	data := patterned(4096)
	f.store.PutData("bucket", "even.bin", data, 0)

	var sink bytes.Buffer
	req := &transfertypes.DownloadRequest{Bucket: "bucket", Key: "even.bin", Sink: &sink}

	_, err := f.d.Download(context.Background(), req, newDownloadConfig(1024, transfertypes.DownloadByRange, 1<<20), newTracker())
	require.NoError(t, err)

	assert.Equal(t, data, sink.Bytes())
	assert.Equal(t, 4, f.recorder.CountOf("GetObject"))
}

func TestDownloadByRangeSmallObjectSingleGet(t *testing.T) {
	f := newFixture(1 << 20)
	data := patterned(100)
	f.store.PutData("bucket", "tiny.bin", data, 0)

	var sink bytes.Buffer
	req := &transfertypes.DownloadRequest{Bucket: "bucket", Key: "tiny.bin", Sink: &sink}

	_, err := f.d.Download(context.Background(), req, newDownloadConfig(1024, transfertypes.DownloadByRange, 1<<20), newTracker())
	require.NoError(t, err)

	assert.Equal(t, data, sink.Bytes())
	assert.Equal(t, 1, f.recorder.CountOf("GetObject"))
}

func TestDownloadExplicitPartNumber(t *testing.T) {
	f := newFixture(1 << 20)
	data := patterned(2560)
	f.store.PutData("bucket", "parts.bin", data, 1000)

	var sink bytes.Buffer
	req := &transfertypes.DownloadRequest{
		Bucket:     "bucket",
		Key:        "parts.bin",
		Sink:       &sink,
		PartNumber: 2,
	}

	result, err := f.d.Download(context.Background(), req, newDownloadConfig(1000, transfertypes.DownloadByPart, 1<<20), newTracker())
	require.NoError(t, err)

	assert.Equal(t, data[1000:2000], sink.Bytes())
	assert.Equal(t, int64(1000), result.Size)
	assert.Equal(t, 1, f.recorder.CountOf("GetObject"))
}

func TestDownloadExplicitRangeByPartConfig(t *testing.T) {
	// an explicit range with the by-part strategy falls through to one GET
	f := newFixture(1 << 20)
	data := patterned(5000)
	f.store.PutData("bucket", "obj.bin", data, 0)

	var sink bytes.Buffer
	req := &transfertypes.DownloadRequest{
		Bucket: "bucket",
		Key:    "obj.bin",
		Sink:   &sink,
		Range:  "bytes=100-199",
	}

	_, err := f.d.Download(context.Background(), req, newDownloadConfig(50, transfertypes.DownloadByPart, 1<<20), newTracker())
	require.NoError(t, err)

	assert.Equal(t, data[100:200], sink.Bytes())
	assert.Equal(t, 1, f.recorder.CountOf("GetObject"))
	input := f.recorder.CallsTo("GetObject")[0].(*s3.GetObjectInput)
	assert.Equal(t, "bytes=100-199", aws.ToString(input.Range))
}

func TestDownloadExplicitClosedRangeByRange(t *testing.T) {
	f := newFixture(1 << 20)
	data := patterned(10000)
	f.store.PutData("bucket", "obj.bin", data, 0)

	var sink bytes.Buffer
	req := &transfertypes.DownloadRequest{
		Bucket: "bucket",
		Key:    "obj.bin",
		Sink:   &sink,
		Range:  "bytes=1000-4999",
	}

	_, err := f.d.Download(context.Background(), req, newDownloadConfig(1500, transfertypes.DownloadByRange, 1<<20), newTracker())
	require.NoError(t, err)

	assert.Equal(t, data[1000:5000], sink.Bytes())

	// the last subrange (highest start) must clamp to the caller's end, not
	// overshoot
	gets := f.recorder.CallsTo("GetObject")
	sortFanOut(gets)
	last := gets[len(gets)-1].(*s3.GetObjectInput)
	assert.Equal(t, "bytes=4000-4999", aws.ToString(last.Range))
}

func TestDownloadExplicitOpenRange(t *testing.T) {
	f := newFixture(1 << 20)
	data := patterned(10000)
	f.store.PutData("bucket", "obj.bin", data, 0)

	var sink bytes.Buffer
	req := &transfertypes.DownloadRequest{
		Bucket: "bucket",
		Key:    "obj.bin",
		Sink:   &sink,
		Range:  "bytes=2500-",
	}

	result, err := f.d.Download(context.Background(), req, newDownloadConfig(2000, transfertypes.DownloadByRange, 1<<20), newTracker())
	require.NoError(t, err)

	assert.Equal(t, data[2500:], sink.Bytes())
	assert.Equal(t, int64(7500), result.Size)
}

func TestDownloadInvalidRange(t *testing.T) {
	f := newFixture(1 << 20)
	var sink bytes.Buffer
	req := &transfertypes.DownloadRequest{
		Bucket: "bucket",
		Key:    "obj.bin",
		Sink:   &sink,
		Range:  "bytes=-500",
	}

	_, err := f.d.Download(context.Background(), req, newDownloadConfig(1000, transfertypes.DownloadByRange, 1<<20), newTracker())
	var invalid *s3transfererrors.InvalidRangeError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, 0, f.recorder.CountOf("GetObject"))
}

func TestDownloadBatchesBoundedByMemory(t *testing.T) {
	// ten remaining segments with room for only two in memory: the fan-out
	// still completes and the ledger drains to zero
	f := newFixture(2048)
	data := patterned(11 * 1024)
	f.store.PutData("bucket", "batched.bin", data, 1024)

	var sink bytes.Buffer
	req := &transfertypes.DownloadRequest{Bucket: "bucket", Key: "batched.bin", Sink: &sink}

	_, err := f.d.Download(context.Background(), req, newDownloadConfig(1024, transfertypes.DownloadByPart, 2048), newTracker())
	require.NoError(t, err)

	assert.Equal(t, data, sink.Bytes())
	assert.Equal(t, int64(0), f.memory.InUse())
	assert.Equal(t, 11, f.recorder.CountOf("GetObject"))
}

type failingSink struct {
	allow int
}

func (s *failingSink) Write(p []byte) (int, error) {
	if s.allow <= 0 {
		return 0, assert.AnError
	}
	n := s.allow
	if n > len(p) {
		n = len(p)
	}
	s.allow -= n
	return n, nil
}

func TestDownloadSinkErrorIsFatal(t *testing.T) {
	f := newFixture(1 << 20)
	f.store.PutData("bucket", "obj.bin", patterned(5000), 0)

	req := &transfertypes.DownloadRequest{
		Bucket: "bucket",
		Key:    "obj.bin",
		Sink:   &failingSink{allow: 100},
	}

	_, err := f.d.Download(context.Background(), req, newDownloadConfig(1000, transfertypes.DownloadByPart, 1<<20), newTracker())
	var sinkErr *s3transfererrors.SinkWriteError
	require.ErrorAs(t, err, &sinkErr)
	assert.Equal(t, int64(0), f.memory.InUse())
}

type stutteringSink struct {
	bytes.Buffer
	stalls int
}

func (s *stutteringSink) Write(p []byte) (int, error) {
	if s.stalls > 0 {
		s.stalls--
		return 0, nil
	}
	return s.Buffer.Write(p)
}

func TestWriteAllRetriesZeroWrites(t *testing.T) {
	sink := &stutteringSink{stalls: 3}
	n, err := writeAll(context.Background(), sink, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, "payload", sink.String())
}

func TestDownloadMissingContentRange(t *testing.T) {
	// a server that omits Content-Range on a ranged GET breaks size
	// discovery and must fail the download
	mock := &testutil.MockS3Client{
		GetObjectFunc: func(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return &s3.GetObjectOutput{
				Body:          noopBody(),
				ContentLength: aws.Int64(0),
				ETag:          aws.String("\"e\""),
			}, nil
		},
	}
	d := New(mock, admission.NewBucketLimiter(2), admission.NewMemoryLimiter(1<<20), zerolog.Nop())

	var sink bytes.Buffer
	req := &transfertypes.DownloadRequest{Bucket: "bucket", Key: "obj.bin", Sink: &sink}

	_, err := d.Download(context.Background(), req, newDownloadConfig(1000, transfertypes.DownloadByRange, 1<<20), newTracker())
	var sizeErr *s3transfererrors.ObjectSizeError
	require.ErrorAs(t, err, &sizeErr)
}

func noopBody() *readCloser {
	return &readCloser{Reader: bytes.NewReader(nil)}
}

type readCloser struct {
	*bytes.Reader
}

func (r *readCloser) Close() error { return nil }
