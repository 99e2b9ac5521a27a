// Package vfs owns the in-memory inode namespace of the mounted
// filesystem: the single authoritative mapping from inode number to entry,
// plus derived indices from full path and from torrent info-hash.
//
// The namespace is rebuilt from torrent discovery on every mount; nothing
// here is persisted.
package vfs

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// maxPathDepth bounds iterative path construction, so a corrupted parent
// chain (a cycle) cannot spin forever.
const maxPathDepth = 4096

// Namespace maps inode numbers to entries. The primary map is the single
// source of truth; the path and torrent indices are derived and may
// transiently disagree with it around concurrent insert/remove. Callers
// must treat an index hit whose primary entry is gone as "not found".
//
// All methods are safe for concurrent use without external locking.
type Namespace struct {
	// nextIno is the last issued inode number. Numbers are never reused
	// within a process lifetime.
	nextIno uint64

	entries   sync.Map // InodeID -> Entry
	byPath    sync.Map // string -> InodeID
	byTorrent sync.Map // metainfo.Hash -> InodeID of the torrent root dir
}

// NewNamespace returns a namespace holding only the root directory, bound
// to RootInodeID.
func NewNamespace() *Namespace {
	ns := &Namespace{nextIno: uint64(RootInodeID)}
	root := NewDir("", 0)
	root.stampIno(RootInodeID)
	ns.entries.Store(RootInodeID, Entry(root))
	ns.byPath.Store("/", RootInodeID)
	return ns
}

// Allocate assigns the next inode number to the entry template, inserts it
// into the primary map and then into the derived indices, and attaches it
// to its parent's child set. The entry's Name and Parent must be filled in
// by the caller.
//
// A counter collision means the namespace issued the same inode twice and
// is a programming error, not a runtime condition; it panics.
func (ns *Namespace) Allocate(e Entry) InodeID {
	ino := InodeID(atomic.AddUint64(&ns.nextIno, 1))
	e.stampIno(ino)

	// Primary first, indices after. Readers racing with this window see a
	// missing index entry, which reads as "not found" - never a dangling
	// index hit.
	if _, clash := ns.entries.LoadOrStore(ino, e); clash {
		panic(errors.Errorf("inode counter collision on %d", ino))
	}

	if pe, ok := ns.LookupIno(e.Parent()); ok {
		if pd, isDir := pe.(*Dir); isDir {
			pd.addChild(ino)
		} else {
			glog.Warningf("Inode %d allocated under non-directory parent %d", ino, e.Parent())
		}
	} else if e.Parent() != 0 {
		glog.Warningf("Inode %d allocated under missing parent %d", ino, e.Parent())
	}

	ns.byPath.Store(ns.Path(e), ino)
	if d, isDir := e.(*Dir); isDir && d.Torrent != nil {
		ns.byTorrent.Store(*d.Torrent, ino)
	}
	return ino
}

// Remove deletes the entry and, depth first, every descendant of it. For
// each inode the derived indices are dropped before the primary entry, so
// a racing reader never resolves an index hit to a half-dead inode as
// anything but "not found". Removing an unknown inode is a no-op.
func (ns *Namespace) Remove(ino InodeID) {
	e, ok := ns.LookupIno(ino)
	if !ok {
		return
	}

	if d, isDir := e.(*Dir); isDir {
		for _, child := range d.Children() {
			ns.Remove(child)
		}
	}

	if pe, ok := ns.LookupIno(e.Parent()); ok {
		if pd, isDir := pe.(*Dir); isDir {
			pd.removeChild(ino)
		}
	}

	// Indices first, primary last.
	ns.byPath.Delete(ns.Path(e))
	if d, isDir := e.(*Dir); isDir && d.Torrent != nil {
		ns.byTorrent.Delete(*d.Torrent)
	}
	ns.entries.Delete(ino)
}

// LookupIno resolves an inode number against the primary map.
func (ns *Namespace) LookupIno(ino InodeID) (Entry, bool) {
	v, ok := ns.entries.Load(ino)
	if !ok {
		return nil, false
	}
	return v.(Entry), true
}

// LookupPath resolves an absolute path ("/" separated, leading slash).
func (ns *Namespace) LookupPath(path string) (Entry, bool) {
	v, ok := ns.byPath.Load(path)
	if !ok {
		return nil, false
	}
	// Index hit with a primary miss happens while a removal is in flight
	// and must read as "not found".
	return ns.LookupIno(v.(InodeID))
}

// LookupTorrent resolves a torrent info-hash to its root directory entry.
func (ns *Namespace) LookupTorrent(ih metainfo.Hash) (Entry, bool) {
	v, ok := ns.byTorrent.Load(ih)
	if !ok {
		return nil, false
	}
	return ns.LookupIno(v.(InodeID))
}

// Child resolves one child of a directory by name, via the path index.
func (ns *Namespace) Child(parent InodeID, name string) (Entry, bool) {
	pe, ok := ns.LookupIno(parent)
	if !ok {
		return nil, false
	}
	base := ns.Path(pe)
	if base == "/" {
		return ns.LookupPath("/" + name)
	}
	return ns.LookupPath(base + "/" + name)
}

// Children returns a snapshot of a directory's child inode set. The second
// return is false if the inode is unknown or not a directory.
func (ns *Namespace) Children(ino InodeID) ([]InodeID, bool) {
	e, ok := ns.LookupIno(ino)
	if !ok {
		return nil, false
	}
	d, isDir := e.(*Dir)
	if !isDir {
		return nil, false
	}
	return d.Children(), true
}

// Torrents lists the info-hashes currently present in the torrent index.
func (ns *Namespace) Torrents() []metainfo.Hash {
	var out []metainfo.Hash
	ns.byTorrent.Range(func(k, _ interface{}) bool {
		out = append(out, k.(metainfo.Hash))
		return true
	})
	return out
}

// Path builds the absolute path of an entry by walking parent links up to
// the root. The walk is iterative rather than recursive, and a dangling
// parent (possible mid-removal) terminates it with a best-effort partial
// path instead of a panic.
func (ns *Namespace) Path(e Entry) string {
	if e.Ino() == RootInodeID {
		return "/"
	}

	parts := make([]string, 0, 8)
	cur := e
	for cur.Ino() != RootInodeID {
		parts = append(parts, cur.Name())
		if len(parts) >= maxPathDepth {
			glog.Errorf("Parent chain of inode %d exceeds %d levels, truncating path", e.Ino(), maxPathDepth)
			break
		}
		pe, ok := ns.LookupIno(cur.Parent())
		if !ok {
			glog.V(1).Infof("Inode %d has dangling parent %d, returning partial path", cur.Ino(), cur.Parent())
			break
		}
		cur = pe
	}

	var sb strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		sb.WriteByte('/')
		sb.WriteString(parts[i])
	}
	return sb.String()
}
