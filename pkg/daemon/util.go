package daemon

import (
	"errors"
	"io"
	"os"
)

// chunkSize is the largest read handed to a worker in one call.
const chunkSize = 32 * 1024

// readChunks reads r until EOF and calls fn with every chunk read, as it
// arrives. fn must not retain the slice.
func readChunks(r io.Reader, fn func([]byte)) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			fn(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}
