package vfs

import (
	"sync"

	"github.com/anacrolix/torrent/metainfo"
)

// Entry is one namespace entry. Exactly three variants exist: *Dir, *File
// and *Symlink. The inode number, name (last path component) and parent
// link are common to all of them; everything else is per variant.
type Entry interface {
	Ino() InodeID
	Name() string
	Parent() InodeID

	// stampIno is called exactly once, by Namespace.Allocate.
	stampIno(ino InodeID)
}

type entryBase struct {
	ino    InodeID
	name   string
	parent InodeID
}

func (b *entryBase) Ino() InodeID         { return b.ino }
func (b *entryBase) Name() string         { return b.name }
func (b *entryBase) Parent() InodeID      { return b.parent }
func (b *entryBase) stampIno(ino InodeID) { b.ino = ino }

// Dir is a directory entry holding a set of child inodes. The root
// directory of a torrent additionally carries the owning info-hash, which
// feeds the namespace's torrent index.
type Dir struct {
	entryBase

	// Torrent is non-nil only on the root directory of a torrent.
	Torrent *metainfo.Hash

	mu       sync.RWMutex
	children map[InodeID]struct{}
}

// NewDir returns a plain directory entry to be passed to Allocate.
func NewDir(name string, parent InodeID) *Dir {
	return &Dir{
		entryBase: entryBase{name: name, parent: parent},
		children:  make(map[InodeID]struct{}),
	}
}

// NewTorrentDir returns the root directory entry for one torrent.
func NewTorrentDir(name string, parent InodeID, ih metainfo.Hash) *Dir {
	d := NewDir(name, parent)
	d.Torrent = &ih
	return d
}

func (d *Dir) addChild(ino InodeID) {
	d.mu.Lock()
	d.children[ino] = struct{}{}
	d.mu.Unlock()
}

func (d *Dir) removeChild(ino InodeID) {
	d.mu.Lock()
	delete(d.children, ino)
	d.mu.Unlock()
}

// Children returns a point-in-time snapshot of the child inode set.
func (d *Dir) Children() []InodeID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]InodeID, 0, len(d.children))
	for ino := range d.children {
		out = append(out, ino)
	}
	return out
}

// File is a regular-file entry backed by one file of one torrent.
type File struct {
	entryBase

	Torrent   metainfo.Hash
	FileIndex int // zero-based index into the torrent's file list
	Size      int64
}

// NewFile returns a file entry to be passed to Allocate.
func NewFile(name string, parent InodeID, ih metainfo.Hash, fileIndex int, size int64) *File {
	return &File{
		entryBase: entryBase{name: name, parent: parent},
		Torrent:   ih,
		FileIndex: fileIndex,
		Size:      size,
	}
}

// Symlink is a symbolic-link entry.
type Symlink struct {
	entryBase

	Target string
}

// NewSymlink returns a symlink entry to be passed to Allocate.
func NewSymlink(name string, parent InodeID, target string) *Symlink {
	return &Symlink{
		entryBase: entryBase{name: name, parent: parent},
		Target:    target,
	}
}
