package download

import (
	"strconv"
	"strings"

	"github.com/treno-io/s3transfer/errors"
)

// Range is a parsed request range. End is -1 for an open-ended range
// ("bytes=<start>-").
type Range struct {
	Start int64
	End   int64
}

// ParseRange parses a caller-provided range header. Only the forms
// "bytes=<start>-<end>" (end inclusive) and "bytes=<start>-" are accepted;
// suffix ranges and multi-range values are rejected.
func ParseRange(spec string) (Range, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(spec, prefix) {
		return Range{}, &errors.InvalidRangeError{Spec: spec, Detail: "must start with bytes="}
	}
	value := spec[len(prefix):]
	if strings.Contains(value, ",") {
		return Range{}, &errors.InvalidRangeError{Spec: spec, Detail: "multi-range values are not supported"}
	}

	startStr, endStr, found := strings.Cut(value, "-")
	if !found {
		return Range{}, &errors.InvalidRangeError{Spec: spec, Detail: "missing '-' separator"}
	}
	if startStr == "" {
		return Range{}, &errors.InvalidRangeError{Spec: spec, Detail: "suffix ranges are not supported"}
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return Range{}, &errors.InvalidRangeError{Spec: spec, Detail: "invalid start offset"}
	}

	if endStr == "" {
		return Range{Start: start, End: -1}, nil
	}

	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return Range{}, &errors.InvalidRangeError{Spec: spec, Detail: "invalid end offset"}
	}
	return Range{Start: start, End: end}, nil
}

// ParseContentRange parses a "Content-Range: bytes X-Y/Z" response header.
// Z is the authoritative object size.
func ParseContentRange(header string) (start, end, total int64, err error) {
	const prefix = "bytes "
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, 0, &errors.ObjectSizeError{ContentRange: header}
	}
	span, totalStr, found := strings.Cut(header[len(prefix):], "/")
	if !found || totalStr == "" || totalStr == "*" {
		return 0, 0, 0, &errors.ObjectSizeError{ContentRange: header}
	}

	total, err = strconv.ParseInt(totalStr, 10, 64)
	if err != nil || total < 0 {
		return 0, 0, 0, &errors.ObjectSizeError{ContentRange: header}
	}

	startStr, endStr, found := strings.Cut(span, "-")
	if !found {
		return 0, 0, 0, &errors.ObjectSizeError{ContentRange: header}
	}
	start, err = strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return 0, 0, 0, &errors.ObjectSizeError{ContentRange: header}
	}
	end, err = strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return 0, 0, 0, &errors.ObjectSizeError{ContentRange: header}
	}
	return start, end, total, nil
}
