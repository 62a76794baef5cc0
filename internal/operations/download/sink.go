package download

import (
	"context"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/treno-io/s3transfer/errors"
)

// writeAll writes data to the sink until none remains. Short writes loop on
// the remainder; a transient zero-byte write backs off with jitter before
// retrying. A write error is fatal for the whole download.
func writeAll(ctx context.Context, sink io.Writer, data []byte) (int64, error) {
	var bo *backoff.ExponentialBackOff
	var written int64

	for len(data) > 0 {
		n, err := sink.Write(data)
		if n < 0 {
			n = 0
		}
		written += int64(n)
		if err != nil {
			return written, &errors.SinkWriteError{Err: err}
		}
		if n == 0 {
			if bo == nil {
				bo = backoff.NewExponentialBackOff()
				bo.InitialInterval = 2 * time.Millisecond
				bo.MaxInterval = 10 * time.Millisecond
				bo.MaxElapsedTime = 0
			}
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return written, ctx.Err()
			}
			continue
		}
		bo = nil
		data = data[n:]
	}
	return written, nil
}
