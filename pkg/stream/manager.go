// Package stream manages persistent byte-range read sessions against the
// rqbit daemon.
//
// Read patterns through the mount are overwhelmingly sequential (media
// playback, file copies), so the manager keeps one long-lived HTTP stream
// per (torrent, file) and reuses it as long as requests keep moving
// forward. Small forward gaps are skipped by discarding bytes in place;
// backward seeks and large jumps replace the stream. The daemon sometimes
// ignores byte-range requests and serves the whole file from byte zero -
// that case degrades to the same skip path, consuming and discarding the
// prefix one chunk at a time, so memory stays bounded at roughly one chunk
// no matter how large the file is.
package stream

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// Defaults for the tunables in Config.
const (
	DefaultChunkSize            = 256 << 10
	DefaultForwardSeekThreshold = 4 << 20
	DefaultIdleTimeout          = time.Hour
)

// Key identifies one logical byte stream.
type Key struct {
	Hash      metainfo.Hash
	FileIndex int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.Hash.HexString(), k.FileIndex)
}

// Source is one open byte stream. Offset is the absolute file offset of
// the next byte Read will deliver; after the range quirk it starts at
// zero even though a later offset was requested.
type Source interface {
	io.ReadCloser
	Offset() int64
}

// Opener opens a byte-range stream of one file within a torrent. The
// daemon client satisfies this; tests substitute fakes.
type Opener interface {
	OpenRange(ctx context.Context, ih metainfo.Hash, fileIndex int, start int64) (Source, error)
}

// Config carries the manager's policy constants. Zero values select the
// package defaults.
type Config struct {
	// ChunkSize is the unit of transport reads and skip discards.
	ChunkSize int

	// ForwardSeekThreshold is the largest forward gap that is skipped on
	// an existing stream rather than answered with a fresh one.
	ForwardSeekThreshold int64

	// IdleTimeout is how long an untouched stream survives before the
	// janitor closes it.
	IdleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ForwardSeekThreshold <= 0 {
		c.ForwardSeekThreshold = DefaultForwardSeekThreshold
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	return c
}

// Manager owns the table of persistent streams, one slot per Key. All
// methods are safe for concurrent use; operations on the same key are
// serialized for their whole duration, different keys proceed in
// parallel.
type Manager struct {
	opener Opener
	cfg    Config
	bufs   *BufPool

	mu      sync.Mutex
	streams map[Key]*stream
}

// stream is one resumable read session. Its mutex is held across an
// entire logical read-or-skip-then-read operation, which is what makes
// the reuse decision and the subsequent reads one atomic step per key.
type stream struct {
	mu sync.Mutex

	src Source
	// pos is the absolute offset of the next byte to deliver. rem holds
	// already-fetched bytes at [pos, pos+len(rem)) left over from a
	// transport chunk that overran the previous request.
	pos int64
	rem []byte
	// valid goes false permanently on any transport error; the slot is
	// then replaced, never repaired, on the next access.
	valid    bool
	lastUsed time.Time
}

// NewManager returns a manager fetching through the given opener.
func NewManager(opener Opener, cfg Config) *Manager {
	return &Manager{
		opener:  opener,
		cfg:     cfg.withDefaults(),
		bufs:    NewBufPool(),
		streams: make(map[Key]*stream),
	}
}

// Read returns up to size bytes of the keyed file starting at offset,
// short only at end of file. It reuses the key's existing stream when the
// offset is at or modestly ahead of its position, and transparently
// replaces it otherwise.
func (m *Manager) Read(ctx context.Context, key Key, offset int64, size int) ([]byte, error) {
	if size <= 0 || offset < 0 {
		return nil, nil
	}

	s := m.acquire(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.lastUsed = time.Now() }()

	if !s.reusable(offset, m.cfg.ForwardSeekThreshold) {
		s.drop()
		src, err := m.opener.OpenRange(ctx, key.Hash, key.FileIndex, offset)
		if err != nil {
			return nil, err
		}
		s.src = src
		s.pos = src.Offset()
		s.valid = true
	}

	// Skip any gap in place, remainder first, never copying discarded
	// bytes toward the caller. After an unranged open this covers the
	// whole lead-in from byte zero.
	if gap := offset - s.pos; gap > 0 {
		if err := m.skip(ctx, s, key, gap); err != nil {
			s.drop()
			return nil, err
		}
	}

	out := make([]byte, 0, size)
	if len(s.rem) > 0 {
		n := size
		if n > len(s.rem) {
			n = len(s.rem)
		}
		out = append(out, s.rem[:n]...)
		if n == len(s.rem) {
			s.rem = nil
		} else {
			s.rem = s.rem[n:]
		}
		s.pos += int64(n)
	}

	for len(out) < size {
		buf := m.bufs.Get(m.cfg.ChunkSize)
		n, err := s.src.Read(buf)
		if n > 0 {
			need := size - len(out)
			if n <= need {
				out = append(out, buf[:n]...)
				s.pos += int64(n)
			} else {
				out = append(out, buf[:need]...)
				// Retain the unconsumed suffix for the next call.
				s.rem = append([]byte(nil), buf[need:n]...)
				s.pos += int64(need)
			}
		}
		m.bufs.Return(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			s.drop()
			return nil, errors.Wrapf(err, "reading stream %s at %d", key, offset)
		}
	}
	return out, nil
}

// skip discards n bytes from the stream, consuming the buffered remainder
// first and then chunk-sized transport reads. It yields to the scheduler
// after every chunk so one large skip cannot starve concurrent streams.
// Hitting end of file early is not an error; the following read simply
// comes back empty.
func (m *Manager) skip(ctx context.Context, s *stream, key Key, n int64) error {
	if int64(len(s.rem)) >= n {
		s.pos += n
		s.rem = s.rem[n:]
		if len(s.rem) == 0 {
			s.rem = nil
		}
		return nil
	}
	s.pos += int64(len(s.rem))
	n -= int64(len(s.rem))
	s.rem = nil

	buf := m.bufs.Get(m.cfg.ChunkSize)
	defer m.bufs.Return(buf)
	for n > 0 {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "skipping stream %s", key)
		}
		want := int64(len(buf))
		if want > n {
			want = n
		}
		nr, err := s.src.Read(buf[:want])
		s.pos += int64(nr)
		n -= int64(nr)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "skipping stream %s", key)
		}
		runtime.Gosched()
	}
	return nil
}

// acquire returns the slot for key, creating an empty one if needed. The
// slot itself is long lived; replacement swaps its source in place under
// the slot lock.
func (m *Manager) acquire(key Key) *stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.streams[key]
	if s == nil {
		s = &stream{lastUsed: time.Now()}
		m.streams[key] = s
	}
	return s
}

// reusable implements the stream-reuse policy: same stream only for
// offsets at or modestly ahead of the current position.
func (s *stream) reusable(offset, fwdThreshold int64) bool {
	if !s.valid || s.src == nil {
		return false
	}
	if offset < s.pos {
		return false // backward seek
	}
	return offset-s.pos <= fwdThreshold
}

// drop closes and invalidates the stream in place.
func (s *stream) drop() {
	if s.src != nil {
		if err := s.src.Close(); err != nil {
			glog.V(1).Infof("Closing stream source: %+v", err)
		}
		s.src = nil
	}
	s.rem = nil
	s.valid = false
}

// EvictIdle closes streams untouched for at least olderThan and returns
// how many were evicted. Streams busy with a read are left alone.
func (m *Manager) EvictIdle(olderThan time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for key, s := range m.streams {
		if !s.mu.TryLock() {
			continue // mid-read, by definition not idle
		}
		if time.Since(s.lastUsed) >= olderThan {
			s.drop()
			delete(m.streams, key)
			evicted++
		}
		s.mu.Unlock()
	}
	return evicted
}

// Run evicts idle streams periodically until the context is done.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.cfg.IdleTimeout / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if n := m.EvictIdle(m.cfg.IdleTimeout); n > 0 {
				glog.V(1).Infof("Evicted %d idle streams", n)
			}
		}
	}
}

// Close drops every stream. The manager must not be used afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, s := range m.streams {
		s.mu.Lock()
		s.drop()
		s.mu.Unlock()
		delete(m.streams, key)
	}
}
