package stream

import (
	"os"
	"sync"

	"github.com/pkg/errors"
)

var osPageSize = os.Getpagesize()

// alignCap rounds a capacity up to the next os page boundary.
func alignCap(capacity int) int {
	if rmdr := capacity % osPageSize; rmdr > 0 {
		return capacity + osPageSize - rmdr
	}
	return capacity
}

// BufPool recycles chunk buffers used for stream reads and skips, with
// capacities aligned to os page size. Buffers of different sizes live in
// separate free lists keyed by aligned capacity.
type BufPool struct {
	mu    sync.Mutex
	lists map[int][][]byte
}

// NewBufPool returns an empty pool.
func NewBufPool() *BufPool {
	return &BufPool{lists: make(map[int][][]byte)}
}

// Get returns a byte slice of the requested length, backed by a pooled or
// freshly made buffer with page-aligned capacity.
func (bp *BufPool) Get(length int) []byte {
	if length <= 0 { // be foolproof,
		return nil // let the caller suffer nil dereferencing if it dares
	}

	capacity := alignCap(length)

	bp.mu.Lock()
	defer bp.mu.Unlock()

	free := bp.lists[capacity]
	if n := len(free); n > 0 {
		buf := free[n-1][0:length:capacity]
		bp.lists[capacity] = free[:n-1]
		return buf
	}
	return make([]byte, length, capacity)
}

// Return puts a buffer obtained from Get back into the pool. The capacity
// must still be page aligned; reslicing a pooled buffer before returning
// it is a bug.
func (bp *BufPool) Return(buf []byte) {
	capacity := cap(buf)
	if capacity <= 0 {
		panic(errors.Errorf("returning nil/empty buffer to pool ?!"))
	}
	if capacity != alignCap(capacity) {
		panic(errors.Errorf("buffer [:%d:%d] returned to pool with unaligned cap", len(buf), capacity))
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.lists[capacity] = append(bp.lists[capacity], buf[0:0:capacity])
}
