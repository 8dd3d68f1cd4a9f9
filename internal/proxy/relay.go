package proxy

import (
	"errors"
	"io"
)

// Echo writes every chunk read from rw back to rw, in order, until rw
// reports EOF or an error. A clean EOF returns a nil error.
func Echo(rw io.ReadWriter, pool *BufferPool) (int64, error) {
	bp := pool.Get()
	defer pool.Put(bp)
	buf := *bp

	var total int64
	for {
		n, err := rw.Read(buf)
		if n > 0 {
			w, werr := rw.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}
	}
}
