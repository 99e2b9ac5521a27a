// Package bridge carries filesystem operations from the synchronous FUSE
// dispatch goroutines to the asynchronous network side.
//
// Doing network I/O directly inside a FUSE callback would serialize the
// whole mount behind the slowest daemon request. Instead every callback
// enqueues a request onto a bounded queue served by a pool of worker
// goroutines, then blocks on a private single-use reply channel with an
// explicit timeout. A slow read occupies one worker; the rest keep
// serving. When all workers are busy and the queue is full the caller
// fails fast with ErrTooBusy instead of piling up.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/neonfuz/rqbit-fuse-sub003/pkg/stream"
	"github.com/neonfuz/rqbit-fuse-sub003/pkg/vfs"
)

// Failure classes of Submit. TooBusy and Timeout are transient and worth
// retrying from the kernel's point of view; Disconnected is fatal for the
// mount session.
var (
	ErrTooBusy      = errors.New("bridge: request queue saturated")
	ErrTimeout      = errors.New("bridge: request timed out")
	ErrDisconnected = errors.New("bridge: worker disconnected")

	ErrNotFound = errors.New("bridge: no such inode")
	ErrNotFile  = errors.New("bridge: inode is not a regular file")
)

// OpKind selects what a Request asks for.
type OpKind int

const (
	// OpRead fetches Size bytes of the file at Ino starting at Offset.
	OpRead OpKind = iota
	// OpPieceCheck asks whether piece Piece of the torrent owning Ino is
	// complete on the daemon.
	OpPieceCheck
)

// Request describes one operation awaiting a synchronous caller.
type Request struct {
	Kind   OpKind
	Ino    vfs.InodeID
	Offset int64
	Size   int
	Piece  int
}

// Reply carries the result back. Data is set for OpRead, Available for
// OpPieceCheck.
type Reply struct {
	Data      []byte
	Available bool
}

type result struct {
	rep Reply
	err error
}

// pending pairs a request with its single-use reply channel. The channel
// is buffered so a late result parks in the buffer and is collected with
// it when the timed-out caller has already walked away.
type pending struct {
	req   Request
	reply chan result
}

// Reader is the stream manager surface the bridge forwards reads to.
type Reader interface {
	Read(ctx context.Context, key stream.Key, offset int64, size int) ([]byte, error)
}

// PieceChecker answers piece-availability queries.
type PieceChecker interface {
	Haves(ctx context.Context, ih metainfo.Hash) ([]bool, error)
}

// Bridge owns the request queue and the worker pool behind it.
type Bridge struct {
	ns      *vfs.Namespace
	streams Reader
	pieces  PieceChecker

	queue chan pending
	done  chan struct{}
	once  sync.Once

	// ctx governs the network side of in-flight work. A Submit timeout
	// deliberately does not cancel it: reads are side-effect free, the
	// work completes and its reply is dropped.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts a bridge with the given queue capacity and worker count and
// returns it running. Close must be called to stop it.
func New(ns *vfs.Namespace, streams Reader, pieces PieceChecker, queueSize, workers int) *Bridge {
	if queueSize <= 0 {
		queueSize = 64
	}
	if workers <= 0 {
		workers = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		ns:      ns,
		streams: streams,
		pieces:  pieces,
		queue:   make(chan pending, queueSize),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

// Submit enqueues the request and blocks the calling goroutine until a
// reply arrives or timeout elapses. A saturated queue fails immediately
// with ErrTooBusy; after Close every submission fails with
// ErrDisconnected. On ErrTimeout the in-flight work is not cancelled, its
// eventual result is discarded.
func (b *Bridge) Submit(req Request, timeout time.Duration) (Reply, error) {
	select {
	case <-b.done:
		return Reply{}, ErrDisconnected
	default:
	}

	p := pending{req: req, reply: make(chan result, 1)}
	select {
	case b.queue <- p:
	case <-b.done:
		return Reply{}, ErrDisconnected
	default:
		return Reply{}, ErrTooBusy
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case res := <-p.reply:
		return res.rep, res.err
	case <-t.C:
		glog.V(1).Infof("Bridge request (kind %d, inode %d) timed out after %v", req.Kind, req.Ino, timeout)
		return Reply{}, ErrTimeout
	}
}

// Close stops accepting submissions, waits for requests already picked up
// to finish replying, fails any still queued, then cancels the network
// context.
func (b *Bridge) Close() {
	b.once.Do(func() { close(b.done) })
	b.wg.Wait()
	for {
		select {
		case p := <-b.queue:
			p.reply <- result{err: ErrDisconnected}
		default:
			b.cancel()
			return
		}
	}
}

func (b *Bridge) worker() {
	defer b.wg.Done()
	for {
		select {
		case p := <-b.queue:
			b.handle(p)
		case <-b.done:
			return
		}
	}
}

func (b *Bridge) handle(p pending) {
	var res result
	switch p.req.Kind {
	case OpRead:
		res.rep.Data, res.err = b.read(p.req)
	case OpPieceCheck:
		res.rep.Available, res.err = b.pieceCheck(p.req)
	default:
		res.err = errors.Errorf("bridge: unknown op kind %d", p.req.Kind)
	}
	p.reply <- res
}

func (b *Bridge) read(req Request) ([]byte, error) {
	f, err := b.file(req.Ino)
	if err != nil {
		return nil, err
	}

	// Clamp against the file length; the kernel routinely reads past it.
	if req.Offset >= f.Size {
		return nil, nil
	}
	size := req.Size
	if rest := f.Size - req.Offset; int64(size) > rest {
		size = int(rest)
	}

	key := stream.Key{Hash: f.Torrent, FileIndex: f.FileIndex}
	return b.streams.Read(b.ctx, key, req.Offset, size)
}

func (b *Bridge) pieceCheck(req Request) (bool, error) {
	f, err := b.file(req.Ino)
	if err != nil {
		return false, err
	}
	haves, err := b.pieces.Haves(b.ctx, f.Torrent)
	if err != nil {
		return false, err
	}
	if req.Piece < 0 || req.Piece >= len(haves) {
		return false, nil
	}
	return haves[req.Piece], nil
}

func (b *Bridge) file(ino vfs.InodeID) (*vfs.File, error) {
	e, ok := b.ns.LookupIno(ino)
	if !ok {
		return nil, ErrNotFound
	}
	f, isFile := e.(*vfs.File)
	if !isFile {
		return nil, ErrNotFile
	}
	return f, nil
}
