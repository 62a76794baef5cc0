// Package partio turns upload body sources into part readers that hand out
// exact [offset, offset+size) slices of the payload.
package partio

import (
	"io"
	"sync"

	"github.com/treno-io/s3transfer/errors"
	"github.com/treno-io/s3transfer/transfertypes"
)

// Reader serves byte slices of an upload payload by offset.
type Reader interface {
	// Size returns the total payload length in bytes.
	Size() int64

	// ReadPart returns exactly size bytes starting at off. A short read is
	// a durability error, never silently truncated. partNumber is used only
	// for error reporting.
	ReadPart(partNumber int32, off, size int64) ([]byte, error)
}

// ForBody builds a Reader for the given body source. Bodies whose length
// cannot be determined are rejected with ErrUnknownLengthBody.
func ForBody(body transfertypes.BodySource) (Reader, error) {
	switch b := body.(type) {
	case transfertypes.InMemoryBody:
		return &bytesReader{data: b.Data}, nil
	case *transfertypes.InMemoryBody:
		return &bytesReader{data: b.Data}, nil
	case transfertypes.SeekableBody:
		return newStreamReader(b.Reader, b.Size)
	case *transfertypes.SeekableBody:
		return newStreamReader(b.Reader, b.Size)
	case nil:
		return nil, errors.NewError("upload", errors.ErrInvalidInput).WithMessage("body cannot be nil")
	default:
		return nil, errors.NewError("upload", errors.ErrInvalidInput).WithMessage("unsupported body source")
	}
}

// bytesReader serves parts as views of an in-memory buffer. Slicing is O(1)
// and safe for concurrent use.
type bytesReader struct {
	data []byte
}

func (r *bytesReader) Size() int64 {
	return int64(len(r.data))
}

func (r *bytesReader) ReadPart(partNumber int32, off, size int64) ([]byte, error) {
	if off < 0 || size < 0 || off > int64(len(r.data)) {
		return nil, &errors.PartShortReadError{PartNumber: partNumber, Expected: size, Actual: 0}
	}
	avail := int64(len(r.data)) - off
	if avail < size {
		return nil, &errors.PartShortReadError{PartNumber: partNumber, Expected: size, Actual: avail}
	}
	return r.data[off : off+size], nil
}

// streamReader serves parts from a seekable stream. Reads are serialized:
// two concurrent part uploads contend on the reader but not on the network.
type streamReader struct {
	mu   sync.Mutex
	r    io.ReadSeeker
	size int64
}

func newStreamReader(r io.ReadSeeker, size int64) (*streamReader, error) {
	if r == nil {
		return nil, errors.NewError("upload", errors.ErrInvalidInput).WithMessage("body reader cannot be nil")
	}
	if size < 0 {
		end, err := r.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, errors.ErrUnknownLengthBody
		}
		if _, err := r.Seek(0, io.SeekStart); err != nil {
			return nil, errors.ErrUnknownLengthBody
		}
		size = end
	}
	return &streamReader{r: r, size: size}, nil
}

func (r *streamReader) Size() int64 {
	return r.size
}

func (r *streamReader) ReadPart(partNumber int32, off, size int64) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.r.Seek(off, io.SeekStart); err != nil {
		return nil, &errors.PartShortReadError{PartNumber: partNumber, Expected: size, Actual: 0}
	}
	buf := make([]byte, size)
	n, err := io.ReadFull(r.r, buf)
	if err != nil {
		return nil, &errors.PartShortReadError{PartNumber: partNumber, Expected: size, Actual: int64(n)}
	}
	return buf, nil
}
