package daemon

import "io"

// RangeReader is one open byte stream of one file within a torrent. Reads
// deliver the body sequentially; Offset tracks the absolute file offset of
// the next byte Read will return.
//
// When the daemon honored the range request, the body starts at the
// requested offset (Ranged reports true). When it served the range quirk -
// a full 200 response - the body starts at byte zero and the caller must
// discard the prefix itself.
type RangeReader struct {
	body   io.ReadCloser
	offset int64
	ranged bool
}

func (r *RangeReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	r.offset += int64(n)
	return n, err
}

// Offset is the absolute file offset of the next byte Read will deliver.
func (r *RangeReader) Offset() int64 { return r.offset }

// Ranged reports whether the daemon honored the byte-range request.
func (r *RangeReader) Ranged() bool { return r.ranged }

func (r *RangeReader) Close() error { return r.body.Close() }
